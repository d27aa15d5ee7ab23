package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Liozhang/wishub-skill/scheduler"
	"github.com/Liozhang/wishub-skill/types"
)

// Invoker is the scheduler surface the orchestrator drives. The concrete
// *scheduler.Scheduler satisfies it; tests substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, req scheduler.InvokeRequest) (*scheduler.InvokeResult, error)
	MaxConcurrent() int
}

// NodeResult is the outcome of one workflow node.
type NodeResult struct {
	NodeID      string          `json:"node_id"`
	SkillID     string          `json:"skill_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	State       scheduler.State `json:"state"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *types.Error    `json:"error,omitempty"`
}

// Result is the outcome of one workflow execution. On failure, Results
// still carries every node that completed before the stop.
type Result struct {
	ExecutionID    string                 `json:"execution_id"`
	WorkflowID     string                 `json:"workflow_id"`
	Status         string                 `json:"status"` // "success", "error", "running"
	Results        map[string]*NodeResult `json:"results"`
	FailedNode     string                 `json:"failed_node,omitempty"`
	Error          *types.Error           `json:"error,omitempty"`
	ElapsedSeconds float64                `json:"elapsed_seconds"`
}

// Config tunes workflow execution.
type Config struct {
	// MaxParallel caps concurrently running nodes; 0 uses the scheduler cap.
	MaxParallel int `yaml:"max_parallel" json:"max_parallel"`

	// DefaultTimeoutSeconds applies when the workflow does not set one.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds" json:"default_timeout_seconds"`

	// OnFinish, when set, observes every terminal workflow.
	OnFinish func(status string, elapsed time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the standard orchestrator settings.
func DefaultConfig() Config {
	return Config{DefaultTimeoutSeconds: 300}
}

// Orchestrator executes workflow graphs through the scheduler and retains
// per-workflow execution results for status lookup.
type Orchestrator struct {
	invoker Invoker
	config  Config
	logger  *zap.Logger

	mu         sync.RWMutex
	executions map[string]*Result
}

// New creates an Orchestrator.
func New(invoker Invoker, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 300
	}
	return &Orchestrator{
		invoker:    invoker,
		config:     cfg,
		logger:     logger.With(zap.String("component", "orchestrator")),
		executions: make(map[string]*Result),
	}
}

// Status returns a completed or in-flight workflow result by execution id.
func (o *Orchestrator) Status(executionID string) (*Result, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	res, ok := o.executions[executionID]
	if !ok {
		return nil, false
	}
	cp := *res
	cp.Results = make(map[string]*NodeResult, len(res.Results))
	for id, nr := range res.Results {
		nrCp := *nr
		cp.Results[id] = &nrCp
	}
	return &cp, true
}

// nodeEvent carries one finished node back to the scheduling loop.
type nodeEvent struct {
	nodeID string
	result *NodeResult
}

// Execute validates and runs one workflow to completion. The first node
// failure stops the workflow: in-flight nodes are cancelled, unstarted
// nodes are skipped, and completed results are returned alongside the
// failing node's error.
func (o *Orchestrator) Execute(ctx context.Context, wf *Workflow) (*Result, error) {
	g, err := buildGraph(wf)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res := &Result{
		ExecutionID: scheduler.NewWorkflowExecutionID(),
		WorkflowID:  wf.WorkflowID,
		Status:      "running",
		Results:     make(map[string]*NodeResult, len(wf.Nodes)),
	}
	o.mu.Lock()
	o.executions[res.ExecutionID] = res
	o.mu.Unlock()

	timeout := wf.TimeoutSeconds
	if timeout <= 0 {
		timeout = o.config.DefaultTimeoutSeconds
	}
	deadline := time.Now().Add(time.Duration(timeout) * time.Second)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	limit := o.config.MaxParallel
	if limit <= 0 {
		limit = o.invoker.MaxConcurrent()
	}
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))

	o.logger.Info("workflow started",
		zap.String("execution_id", res.ExecutionID),
		zap.String("workflow_id", wf.WorkflowID),
		zap.Int("nodes", len(wf.Nodes)),
		zap.Int("timeout_seconds", timeout))

	indegree := make(map[string]int, len(g.indegree))
	for id, d := range g.indegree {
		indegree[id] = d
	}

	// resultsByNode feeds placeholder resolution; a node's entry is
	// written before any successor is enqueued.
	resultsByNode := make(map[string]json.RawMessage, len(wf.Nodes))
	events := make(chan nodeEvent)

	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	launch := func(nodeID string) {
		node := g.nodes[nodeID]
		go func() {
			nr := o.runNode(runCtx, sem, node, resultsByNode, wf.GlobalInputs, deadline)
			select {
			case events <- nodeEvent{nodeID: nodeID, result: nr}:
			case <-ctx.Done():
			}
		}()
	}

	inFlight := 0
	finished := 0
	var failed *NodeResult

	for _, id := range ready {
		launch(id)
		inFlight++
	}
	ready = nil

	for inFlight > 0 {
		ev := <-events
		inFlight--
		finished++

		o.mu.Lock()
		res.Results[ev.nodeID] = ev.result
		o.mu.Unlock()

		if ev.result.State != scheduler.StateCompleted {
			if failed == nil {
				failed = ev.result
				cancel() // cascade: kill in-flight sandboxes
			}
			continue
		}
		if failed != nil {
			continue // stopping; do not schedule successors
		}

		resultsByNode[ev.nodeID] = ev.result.Result
		for _, next := range g.succ[ev.nodeID] {
			indegree[next]--
			if indegree[next] == 0 {
				launch(next)
				inFlight++
			}
		}
	}

	res.ElapsedSeconds = time.Since(start).Seconds()
	if failed != nil {
		res.Status = "error"
		res.FailedNode = failed.NodeID
		res.Error = failed.Error
		o.logger.Warn("workflow failed",
			zap.String("execution_id", res.ExecutionID),
			zap.String("failed_node", failed.NodeID),
			zap.Int("completed_nodes", finished-1))
	} else {
		res.Status = "success"
		o.logger.Info("workflow completed",
			zap.String("execution_id", res.ExecutionID),
			zap.Float64("elapsed_seconds", res.ElapsedSeconds))
	}

	if o.config.OnFinish != nil {
		o.config.OnFinish(res.Status, time.Since(start))
	}
	return res, nil
}

// runNode resolves one node's inputs and invokes its skill synchronously.
func (o *Orchestrator) runNode(ctx context.Context, sem *semaphore.Weighted, node *Node, results map[string]json.RawMessage, globals map[string]any, deadline time.Time) *NodeResult {
	nr := &NodeResult{NodeID: node.NodeID, SkillID: node.SkillID}

	if err := sem.Acquire(ctx, 1); err != nil {
		nr.State = scheduler.StateCancelled
		nr.Error = types.NewError(types.ErrExecutionFailed, "workflow stopped before node started").
			WithDetails("skipped")
		return nr
	}
	defer sem.Release(1)

	// Predecessors are terminally complete before this node is launched,
	// so the results map reads here are race-free.
	inputs, err := resolveInputs(node.Inputs, results, globals)
	if err != nil {
		var refErr *referenceError
		if errors.As(err, &refErr) {
			nr.State = scheduler.StateFailed
			nr.Error = types.NewError(types.ErrInvalidWorkflow, "unresolvable placeholder").
				WithDetails(refErr.Error())
			return nr
		}
		nr.State = scheduler.StateFailed
		nr.Error = types.NewError(types.ErrOrchestrationInternal, "failed to resolve node inputs").WithCause(err)
		return nr
	}

	// The remaining workflow budget caps the child's timeout.
	remaining := int(time.Until(deadline).Seconds())
	if remaining < 1 {
		nr.State = scheduler.StateTimedOut
		nr.Error = types.NewError(types.ErrExecutionTimeout, "workflow deadline exhausted")
		return nr
	}

	out, err := o.invoker.Invoke(ctx, scheduler.InvokeRequest{
		SkillID:        node.SkillID,
		Inputs:         inputs,
		TimeoutSeconds: remaining,
	})
	if err != nil {
		nr.State = scheduler.StateFailed
		nr.Error = types.AsError(err, types.ErrOrchestrationInternal)
		return nr
	}

	nr.ExecutionID = out.ExecutionID
	rec := out.Record
	if rec == nil {
		nr.State = scheduler.StateFailed
		nr.Error = types.NewError(types.ErrOrchestrationInternal, "scheduler returned no record")
		return nr
	}
	nr.State = rec.State
	nr.Result = rec.Result
	nr.Error = rec.Error
	return nr
}
