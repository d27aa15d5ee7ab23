package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Liozhang/wishub-skill/sandbox"
	"github.com/Liozhang/wishub-skill/schema"
	"github.com/Liozhang/wishub-skill/skill"
	"github.com/Liozhang/wishub-skill/types"
)

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrent caps simultaneously running sandboxes.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`

	// QueueSize bounds the async queue; 0 keeps it unbounded.
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// Workers drains the async queue; defaults to MaxConcurrent.
	Workers int `yaml:"workers" json:"workers"`
}

// DefaultConfig returns the standard scheduler settings.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 100}
}

// InvokeRequest is one invocation ask.
type InvokeRequest struct {
	SkillID        string
	Version        string
	Inputs         json.RawMessage
	TimeoutSeconds int
	Async          bool
}

// InvokeResult reports either a terminal record (sync) or the accepted
// execution id (async).
type InvokeResult struct {
	ExecutionID string
	Async       bool
	Record      *ExecutionRecord
}

// SkillSource resolves invocations to concrete skill versions with their
// code loaded. *skill.Registry satisfies it.
type SkillSource interface {
	Get(ctx context.Context, skillID, version string) (*skill.Skill, error)
}

// StatsSink receives terminal-invocation notifications. The registry's
// usage counters implement it.
type StatsSink interface {
	RecordInvocation(ctx context.Context, skillID string, success bool)
}

// PopularityCounter is the optional redis-backed popularity feed.
type PopularityCounter interface {
	IncrPopularity(ctx context.Context, skillID string) (int64, error)
}

// asyncJob is one queued asynchronous execution.
type asyncJob struct {
	executionID string
	sk          *skill.Skill
	inputs      json.RawMessage
	timeout     int
	outSchema   *schema.Schema
}

// Scheduler drives invocations through the sandbox under the concurrency
// cap and owns the execution-record table.
type Scheduler struct {
	source  SkillSource
	exec    *sandbox.Executor
	records *recordTable
	stats   StatsSink
	pop     PopularityCounter
	config  Config
	logger  *zap.Logger

	// running caps concurrent sandbox launches across sync and async work.
	running *semaphore.Weighted

	queueMu   sync.Mutex
	queue     []asyncJob
	queueCond *sync.Cond

	baseCtx  context.Context
	stop     context.CancelFunc
	workerWG sync.WaitGroup
}

// New creates a Scheduler and starts its async worker pool.
func New(source SkillSource, exec *sandbox.Executor, cache RecordCache, stats StatsSink, pop PopularityCounter, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.MaxConcurrent
	}

	baseCtx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		source:  source,
		exec:    exec,
		records: newRecordTable(cache),
		stats:   stats,
		pop:     pop,
		config:  cfg,
		logger:  logger.With(zap.String("component", "scheduler")),
		running: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		baseCtx: baseCtx,
		stop:    stop,
	}
	s.queueCond = sync.NewCond(&s.queueMu)

	for i := 0; i < cfg.Workers; i++ {
		s.workerWG.Add(1)
		go s.worker()
	}
	return s
}

// Close stops the worker pool. Queued jobs not yet claimed are abandoned;
// running jobs finish under their own deadlines.
func (s *Scheduler) Close() {
	s.stop()
	s.queueCond.Broadcast()
	s.workerWG.Wait()
}

// Invoke resolves, validates, and executes one invocation. Synchronous
// calls block to a terminal record; asynchronous calls return the
// execution id immediately and complete in the worker pool.
func (s *Scheduler) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	sk, err := s.source.Get(ctx, req.SkillID, req.Version)
	if err != nil {
		return nil, err
	}

	inSchema, err := schema.Compile(sk.InputSchema)
	if err != nil {
		return nil, types.NewError(types.ErrInvocationInternal, "stored input schema is corrupt").WithCause(err)
	}
	if violations := inSchema.ValidateRaw(req.Inputs); len(violations) > 0 {
		return nil, types.NewError(types.ErrInvalidInputs, "inputs do not satisfy the skill's input schema").
			WithDetails(violations.Error())
	}
	outSchema, err := schema.Compile(sk.OutputSchema)
	if err != nil {
		return nil, types.NewError(types.ErrInvocationInternal, "stored output schema is corrupt").WithCause(err)
	}

	timeout := effectiveTimeout(req.TimeoutSeconds, sk.TimeoutSeconds)

	rec := &ExecutionRecord{
		ExecutionID:  NewExecutionID(),
		SkillID:      sk.SkillID,
		SkillVersion: sk.Version,
		State:        StatePending,
		Inputs:       req.Inputs,
		CreatedAt:    time.Now().UTC(),
	}

	if req.Async {
		if s.config.QueueSize > 0 {
			s.queueMu.Lock()
			full := len(s.queue) >= s.config.QueueSize
			s.queueMu.Unlock()
			if full {
				return nil, types.NewError(types.ErrExecutionFailed, "execution queue is full").
					WithDetails("overloaded").WithRetryable(true)
			}
		}
		s.records.create(rec)
		s.enqueue(asyncJob{
			executionID: rec.ExecutionID,
			sk:          sk,
			inputs:      req.Inputs,
			timeout:     timeout,
			outSchema:   outSchema,
		})
		s.logger.Debug("execution queued",
			zap.String("execution_id", rec.ExecutionID),
			zap.String("skill_id", sk.SkillID))
		return &InvokeResult{ExecutionID: rec.ExecutionID, Async: true}, nil
	}

	// Synchronous admission: refuse immediately at the cap rather than
	// holding the caller's connection behind the queue.
	if !s.running.TryAcquire(1) {
		return nil, types.NewError(types.ErrExecutionFailed, "too many concurrent executions").
			WithDetails("overloaded").WithRetryable(true)
	}
	s.records.create(rec)
	s.execute(ctx, rec.ExecutionID, sk, req.Inputs, timeout, outSchema)
	s.running.Release(1)

	snap, _ := s.records.get(ctx, rec.ExecutionID)
	return &InvokeResult{ExecutionID: rec.ExecutionID, Record: snap}, nil
}

// Status returns a snapshot of one execution record.
func (s *Scheduler) Status(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	rec, ok := s.records.get(ctx, executionID)
	if !ok {
		return nil, types.NewError(types.ErrSkillNotFound,
			fmt.Sprintf("execution %s not found", executionID)).WithDetails("unknown execution_id")
	}
	return rec, nil
}

// Cancel requests cancellation of one execution. Pending work is cancelled
// in place; running work has its sandbox killed via context.
func (s *Scheduler) Cancel(ctx context.Context, executionID string) error {
	if cancel, ok := s.records.takeCancel(executionID); ok {
		cancel()
		return nil
	}
	// Not yet claimed by a worker: cancel the pending record directly.
	now := time.Now().UTC()
	return s.records.transition(executionID, StateCancelled, func(r *ExecutionRecord) {
		r.CompletedAt = &now
		r.Error = types.NewError(types.ErrExecutionFailed, "execution cancelled").WithDetails("cancelled")
	})
}

// Running reports currently-running executions.
func (s *Scheduler) Running() int {
	return s.records.runningCount()
}

// QueueDepth reports queued asynchronous executions not yet claimed.
func (s *Scheduler) QueueDepth() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

// MaxConcurrent exposes the configured cap (the orchestrator defaults its
// node parallelism to it).
func (s *Scheduler) MaxConcurrent() int {
	return s.config.MaxConcurrent
}

func (s *Scheduler) enqueue(job asyncJob) {
	s.queueMu.Lock()
	s.queue = append(s.queue, job)
	s.queueMu.Unlock()
	s.queueCond.Signal()
}

func (s *Scheduler) worker() {
	defer s.workerWG.Done()
	for {
		s.queueMu.Lock()
		for len(s.queue) == 0 && s.baseCtx.Err() == nil {
			s.queueCond.Wait()
		}
		if s.baseCtx.Err() != nil {
			s.queueMu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		if err := s.running.Acquire(s.baseCtx, 1); err != nil {
			return
		}
		s.execute(s.baseCtx, job.executionID, job.sk, job.inputs, job.timeout, job.outSchema)
		s.running.Release(1)
	}
}

// execute drives one record from pending through the sandbox to a terminal
// state. Only this method mutates a claimed record.
func (s *Scheduler) execute(ctx context.Context, executionID string, sk *skill.Skill, inputs json.RawMessage, timeoutSeconds int, outSchema *schema.Schema) {
	start := time.Now().UTC()
	if err := s.records.transition(executionID, StateRunning, func(r *ExecutionRecord) {
		r.StartedAt = &start
	}); err != nil {
		// Cancelled before the worker claimed it.
		s.logger.Debug("skipping execution", zap.String("execution_id", executionID), zap.Error(err))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.records.setCancel(executionID, cancel)
	defer func() {
		if c, ok := s.records.takeCancel(executionID); ok {
			c()
		}
	}()

	outcome := s.exec.Run(runCtx, sandbox.Job{
		ExecutionID: executionID,
		Language:    sandbox.Language(sk.Language),
		Code:        sk.Code,
		Inputs:      inputs,
		Caps:        sandbox.Caps{MaxWallSeconds: timeoutSeconds},
	})

	now := time.Now().UTC()
	elapsed := now.Sub(start).Seconds()
	finish := func(to State, mutate func(*ExecutionRecord)) {
		err := s.records.transition(executionID, to, func(r *ExecutionRecord) {
			r.CompletedAt = &now
			r.ElapsedSeconds = elapsed
			mutate(r)
		})
		if err != nil {
			s.logger.Warn("terminal transition rejected",
				zap.String("execution_id", executionID), zap.Error(err))
		}
	}

	var success bool
	switch {
	case outcome.OK:
		if violations := outSchema.ValidateRaw(outcome.Value); len(violations) > 0 {
			finish(StateFailed, func(r *ExecutionRecord) {
				r.Error = types.NewError(types.ErrExecutionFailed,
					"skill output does not satisfy its output schema").
					WithDetails("output_schema_violation: " + violations.Error())
			})
		} else {
			success = true
			finish(StateCompleted, func(r *ExecutionRecord) {
				r.Result = outcome.Value
			})
		}
	case outcome.Kind == sandbox.FailTimedOut:
		finish(StateTimedOut, func(r *ExecutionRecord) {
			r.Error = types.NewError(types.ErrExecutionTimeout,
				fmt.Sprintf("execution exceeded its %ds deadline", timeoutSeconds)).
				WithDetails(outcome.Detail)
		})
	case runCtx.Err() == context.Canceled && ctx.Err() == nil:
		finish(StateCancelled, func(r *ExecutionRecord) {
			r.Error = types.NewError(types.ErrExecutionFailed, "execution cancelled").
				WithDetails("cancelled")
		})
	default:
		finish(StateFailed, func(r *ExecutionRecord) {
			e := types.NewError(types.ErrExecutionFailed, "skill execution failed").
				WithDetails(string(outcome.Kind))
			if outcome.Traceback != "" {
				e.Details = e.Details + ": " + outcome.Traceback
			} else if outcome.Detail != "" {
				e.Details = e.Details + ": " + outcome.Detail
			}
			r.Error = e
		})
	}

	s.logger.Info("execution finished",
		zap.String("execution_id", executionID),
		zap.String("skill_id", sk.SkillID),
		zap.Bool("success", success),
		zap.Float64("elapsed_seconds", elapsed))

	if s.stats != nil {
		s.stats.RecordInvocation(context.WithoutCancel(ctx), sk.SkillID, success)
	}
	if s.pop != nil {
		if _, err := s.pop.IncrPopularity(context.WithoutCancel(ctx), sk.SkillID); err != nil {
			s.logger.Debug("popularity increment failed", zap.Error(err))
		}
	}
}

// effectiveTimeout picks min(caller, skill) when both are set.
func effectiveTimeout(caller, skillDefault int) int {
	switch {
	case caller <= 0:
		return skillDefault
	case skillDefault <= 0:
		return caller
	case caller < skillDefault:
		return caller
	default:
		return skillDefault
	}
}
