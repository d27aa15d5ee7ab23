// Package scheduler binds invocation requests to skill versions, drives
// them through the sandbox, and tracks execution records from pending to a
// terminal state.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Liozhang/wishub-skill/types"
)

// State is an execution record's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// legalTransition encodes the state machine:
// pending → running → {completed, failed, timed_out, cancelled},
// plus pending → cancelled for work cancelled before a worker claims it.
func legalTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to.Terminal()
	}
	return false
}

// ExecutionRecord tracks one invocation. Result and Error are mutually
// exclusive; both are nil until a terminal transition.
type ExecutionRecord struct {
	ExecutionID  string          `json:"execution_id"`
	SkillID      string          `json:"skill_id"`
	SkillVersion string          `json:"skill_version"`
	State        State           `json:"state"`
	Inputs       json.RawMessage `json:"inputs,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *types.Error    `json:"error,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ElapsedSeconds float64    `json:"elapsed_seconds,omitempty"`
}

// clone returns a deep-enough copy safe to hand to readers.
func (r *ExecutionRecord) clone() *ExecutionRecord {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// NewExecutionID mints an opaque execution identifier.
func NewExecutionID() string {
	return "exec_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewWorkflowExecutionID mints an identifier for a workflow execution.
func NewWorkflowExecutionID() string {
	return "exec_wf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RecordCache is the optional write-through keeping recently-terminal
// records queryable across in-process restarts of the HTTP layer. Snapshot
// durability is best effort; the in-memory table is authoritative.
type RecordCache interface {
	PutRecord(ctx context.Context, executionID string, record any) error
	GetRecord(ctx context.Context, executionID string, dest any) error
}

// recordTable is the single owner of all execution records. Mutation goes
// through create/transition so the state machine cannot be bypassed.
type recordTable struct {
	mu      sync.RWMutex
	records map[string]*ExecutionRecord
	cancels map[string]context.CancelFunc
	cache   RecordCache
}

func newRecordTable(cache RecordCache) *recordTable {
	return &recordTable{
		records: make(map[string]*ExecutionRecord),
		cancels: make(map[string]context.CancelFunc),
		cache:   cache,
	}
}

// create registers a new pending record.
func (t *recordTable) create(rec *ExecutionRecord) {
	t.mu.Lock()
	t.records[rec.ExecutionID] = rec
	t.mu.Unlock()
	t.writeThrough(rec)
}

// get returns a snapshot, falling back to the cache for records not in
// the in-memory table (such as those from before a restart).
func (t *recordTable) get(ctx context.Context, executionID string) (*ExecutionRecord, bool) {
	t.mu.RLock()
	rec, ok := t.records[executionID]
	t.mu.RUnlock()
	if ok {
		t.mu.RLock()
		snap := rec.clone()
		t.mu.RUnlock()
		return snap, true
	}
	if t.cache != nil {
		var cached ExecutionRecord
		if err := t.cache.GetRecord(ctx, executionID, &cached); err == nil {
			return &cached, true
		}
	}
	return nil, false
}

// transition applies mutate under the table lock iff from→to is legal.
func (t *recordTable) transition(executionID string, to State, mutate func(*ExecutionRecord)) error {
	t.mu.Lock()
	rec, ok := t.records[executionID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("execution %s not found", executionID)
	}
	if !legalTransition(rec.State, to) {
		from := rec.State
		t.mu.Unlock()
		return fmt.Errorf("illegal state transition %s → %s for %s", from, to, executionID)
	}
	rec.State = to
	if mutate != nil {
		mutate(rec)
	}
	snap := rec.clone()
	t.mu.Unlock()

	t.writeThrough(snap)
	return nil
}

// setCancel registers the cancel hook for a running execution.
func (t *recordTable) setCancel(executionID string, cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancels[executionID] = cancel
	t.mu.Unlock()
}

// takeCancel removes and returns the cancel hook, if any.
func (t *recordTable) takeCancel(executionID string) (context.CancelFunc, bool) {
	t.mu.Lock()
	cancel, ok := t.cancels[executionID]
	if ok {
		delete(t.cancels, executionID)
	}
	t.mu.Unlock()
	return cancel, ok
}

func (t *recordTable) writeThrough(rec *ExecutionRecord) {
	if t.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Best effort only; the in-memory table stays authoritative.
	_ = t.cache.PutRecord(ctx, rec.ExecutionID, rec)
}

// runningCount reports how many records are currently running.
func (t *recordTable) runningCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, rec := range t.records {
		if rec.State == StateRunning {
			n++
		}
	}
	return n
}
