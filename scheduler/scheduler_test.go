package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Liozhang/wishub-skill/sandbox"
	"github.com/Liozhang/wishub-skill/skill"
	"github.com/Liozhang/wishub-skill/types"
)

// stubRunner evaluates jobs in process, keyed by a marker in the code blob.
type stubRunner struct {
	mu    sync.Mutex
	runs  int
	block chan struct{} // when set, Run waits for ctx or release
}

func (r *stubRunner) Name() string                      { return "stub" }
func (r *stubRunner) Healthy(ctx context.Context) error { return nil }

func (r *stubRunner) Run(ctx context.Context, job sandbox.Job) sandbox.Outcome {
	r.mu.Lock()
	r.runs++
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return sandbox.Failure(sandbox.FailTimedOut, "deadline exceeded")
		}
	}

	switch string(job.Code) {
	case "square":
		var in map[string]any
		_ = json.Unmarshal(job.Inputs, &in)
		v, _ := in["value"].(float64)
		out, _ := json.Marshal(map[string]any{"result": v * v})
		return sandbox.Outcome{OK: true, Value: out}
	case "raise":
		return sandbox.Outcome{Kind: sandbox.FailExecutionFailed, Traceback: "Traceback: boom"}
	case "bad-output":
		return sandbox.Outcome{OK: true, Value: json.RawMessage(`{"unexpected":"shape"}`)}
	case "sleep":
		select {
		case <-ctx.Done():
			return sandbox.Failure(sandbox.FailTimedOut, "deadline exceeded")
		case <-time.After(10 * time.Second):
			return sandbox.Outcome{OK: true, Value: json.RawMessage(`{}`)}
		}
	default:
		return sandbox.Outcome{OK: true, Value: json.RawMessage(`{}`)}
	}
}

// fakeSource serves canned skills.
type fakeSource struct {
	mu     sync.Mutex
	skills map[string]*skill.Skill
}

func newFakeSource(skills ...*skill.Skill) *fakeSource {
	f := &fakeSource{skills: make(map[string]*skill.Skill)}
	for _, s := range skills {
		f.skills[s.SkillID] = s
	}
	return f
}

func (f *fakeSource) Get(ctx context.Context, skillID, version string) (*skill.Skill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.skills[skillID]
	if !ok {
		return nil, types.NewError(types.ErrSkillNotFound, fmt.Sprintf("skill %s not found", skillID))
	}
	cp := *s
	return &cp, nil
}

// statsRecorder counts RecordInvocation calls.
type statsRecorder struct {
	mu      sync.Mutex
	total   int
	success int
}

func (s *statsRecorder) RecordInvocation(ctx context.Context, skillID string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if success {
		s.success++
	}
}

func squareSkill() *skill.Skill {
	return &skill.Skill{
		SkillID:        "skill_square",
		SkillName:      "Square",
		Version:        "1.0.0",
		Language:       skill.LangPython,
		Code:           []byte("square"),
		TimeoutSeconds: 30,
		InputSchema:    json.RawMessage(`{"type":"object","required":["value"]}`),
		OutputSchema:   json.RawMessage(`{"type":"object","required":["result"]}`),
	}
}

func newTestScheduler(t *testing.T, runner sandbox.Runner, stats StatsSink, cfg Config, skills ...*skill.Skill) *Scheduler {
	t.Helper()
	exec := sandbox.NewExecutor(runner, sandbox.Caps{}, nil)
	s := New(newFakeSource(skills...), exec, nil, stats, nil, cfg, nil)
	t.Cleanup(s.Close)
	return s
}

func TestInvoke_SyncCompleted(t *testing.T) {
	stats := &statsRecorder{}
	s := newTestScheduler(t, &stubRunner{}, stats, Config{MaxConcurrent: 4}, squareSkill())

	res, err := s.Invoke(context.Background(), InvokeRequest{
		SkillID: "skill_square",
		Inputs:  json.RawMessage(`{"value": 5}`),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Record)

	assert.Equal(t, StateCompleted, res.Record.State)
	assert.JSONEq(t, `{"result": 25}`, string(res.Record.Result))
	assert.Nil(t, res.Record.Error)
	assert.NotNil(t, res.Record.StartedAt)
	assert.NotNil(t, res.Record.CompletedAt)
	assert.Regexp(t, `^exec_[A-Za-z0-9_]+$`, res.ExecutionID)

	// Invoke-then-status: the same terminal record is observable.
	snap, err := s.Status(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, res.Record.ExecutionID, snap.ExecutionID)

	assert.Equal(t, 1, stats.total)
	assert.Equal(t, 1, stats.success)
}

func TestInvoke_SkillNotFound(t *testing.T) {
	s := newTestScheduler(t, &stubRunner{}, nil, Config{MaxConcurrent: 1})

	_, err := s.Invoke(context.Background(), InvokeRequest{SkillID: "skill_foo"})
	require.Error(t, err)
	assert.Equal(t, types.ErrSkillNotFound, types.AsError(err, types.ErrInvocationInternal).Code)
}

func TestInvoke_InputSchemaViolation(t *testing.T) {
	s := newTestScheduler(t, &stubRunner{}, nil, Config{MaxConcurrent: 1}, squareSkill())

	_, err := s.Invoke(context.Background(), InvokeRequest{
		SkillID: "skill_square",
		Inputs:  json.RawMessage(`{}`),
	})
	require.Error(t, err)

	e := types.AsError(err, types.ErrInvocationInternal)
	assert.Equal(t, types.ErrInvalidInputs, e.Code)
	assert.Contains(t, e.Details, "value")

	// Validation fails fast: no record, no sandbox launch.
	runner := &stubRunner{}
	s2 := newTestScheduler(t, runner, nil, Config{MaxConcurrent: 1}, squareSkill())
	s2.Invoke(context.Background(), InvokeRequest{SkillID: "skill_square", Inputs: json.RawMessage(`{}`)})
	assert.Zero(t, runner.runs)
}

func TestInvoke_GuestFailure(t *testing.T) {
	raising := squareSkill()
	raising.SkillID = "skill_raise"
	raising.Code = []byte("raise")
	raising.InputSchema = nil
	raising.OutputSchema = nil

	stats := &statsRecorder{}
	s := newTestScheduler(t, &stubRunner{}, stats, Config{MaxConcurrent: 1}, raising)

	res, err := s.Invoke(context.Background(), InvokeRequest{SkillID: "skill_raise"})
	require.NoError(t, err)

	assert.Equal(t, StateFailed, res.Record.State)
	require.NotNil(t, res.Record.Error)
	assert.Equal(t, types.ErrExecutionFailed, res.Record.Error.Code)
	assert.Nil(t, res.Record.Result, "result and error are mutually exclusive")

	assert.Equal(t, 1, stats.total)
	assert.Zero(t, stats.success)
}

func TestInvoke_OutputSchemaViolation(t *testing.T) {
	bad := squareSkill()
	bad.SkillID = "skill_bad_output"
	bad.Code = []byte("bad-output")
	bad.InputSchema = nil

	s := newTestScheduler(t, &stubRunner{}, nil, Config{MaxConcurrent: 1}, bad)

	res, err := s.Invoke(context.Background(), InvokeRequest{SkillID: "skill_bad_output"})
	require.NoError(t, err)

	assert.Equal(t, StateFailed, res.Record.State)
	require.NotNil(t, res.Record.Error)
	assert.Contains(t, res.Record.Error.Details, "output_schema_violation")
}

func TestInvoke_Timeout(t *testing.T) {
	sleeper := squareSkill()
	sleeper.SkillID = "skill_sleep"
	sleeper.Code = []byte("sleep")
	sleeper.InputSchema = nil
	sleeper.OutputSchema = nil
	sleeper.TimeoutSeconds = 1

	s := newTestScheduler(t, &stubRunner{}, nil, Config{MaxConcurrent: 1}, sleeper)

	start := time.Now()
	res, err := s.Invoke(context.Background(), InvokeRequest{SkillID: "skill_sleep"})
	require.NoError(t, err)

	assert.Equal(t, StateTimedOut, res.Record.State)
	require.NotNil(t, res.Record.Error)
	assert.Equal(t, types.ErrExecutionTimeout, res.Record.Error.Code)
	assert.Less(t, time.Since(start), 2500*time.Millisecond)
}

func TestInvoke_EffectiveTimeoutIsMin(t *testing.T) {
	assert.Equal(t, 2, effectiveTimeout(2, 30))
	assert.Equal(t, 2, effectiveTimeout(30, 2))
	assert.Equal(t, 30, effectiveTimeout(0, 30))
	assert.Equal(t, 15, effectiveTimeout(15, 0))
}

func TestInvoke_SyncOverloaded(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	s := newTestScheduler(t, runner, nil, Config{MaxConcurrent: 1, Workers: 1}, squareSkill())

	// Occupy the only slot.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Invoke(context.Background(), InvokeRequest{
			SkillID: "skill_square",
			Inputs:  json.RawMessage(`{"value": 1}`),
		})
	}()

	require.Eventually(t, func() bool { return s.Running() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := s.Invoke(context.Background(), InvokeRequest{
		SkillID: "skill_square",
		Inputs:  json.RawMessage(`{"value": 2}`),
	})
	require.Error(t, err)
	e := types.AsError(err, types.ErrInvocationInternal)
	assert.Equal(t, types.ErrExecutionFailed, e.Code)
	assert.Equal(t, "overloaded", e.Details)
	assert.True(t, e.Retryable)

	close(runner.block)
	wg.Wait()
}

func TestInvoke_AsyncCompletes(t *testing.T) {
	s := newTestScheduler(t, &stubRunner{}, nil, Config{MaxConcurrent: 2, Workers: 2}, squareSkill())

	res, err := s.Invoke(context.Background(), InvokeRequest{
		SkillID: "skill_square",
		Inputs:  json.RawMessage(`{"value": 4}`),
		Async:   true,
	})
	require.NoError(t, err)
	assert.True(t, res.Async)
	assert.Nil(t, res.Record)

	require.Eventually(t, func() bool {
		rec, err := s.Status(context.Background(), res.ExecutionID)
		return err == nil && rec.State == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	rec, err := s.Status(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result": 16}`, string(rec.Result))
}

func TestInvoke_AsyncQueueBound(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	s := newTestScheduler(t, runner, nil, Config{MaxConcurrent: 1, Workers: 1, QueueSize: 1}, squareSkill())

	req := InvokeRequest{SkillID: "skill_square", Inputs: json.RawMessage(`{"value": 1}`), Async: true}

	_, err := s.Invoke(context.Background(), req)
	require.NoError(t, err)

	// Wait until the worker picks the first job so the queue is empty,
	// then fill it again and overflow.
	require.Eventually(t, func() bool { return s.Running() == 1 }, 2*time.Second, 5*time.Millisecond)
	_, err = s.Invoke(context.Background(), req)
	require.NoError(t, err)

	_, err = s.Invoke(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, "overloaded", types.AsError(err, types.ErrInvocationInternal).Details)

	close(runner.block)
}

func TestStatus_UnknownExecution(t *testing.T) {
	s := newTestScheduler(t, &stubRunner{}, nil, Config{MaxConcurrent: 1})

	_, err := s.Status(context.Background(), "exec_nope")
	require.Error(t, err)
}

func TestCancel_PendingRecord(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	s := newTestScheduler(t, runner, nil, Config{MaxConcurrent: 1, Workers: 1}, squareSkill())
	defer close(runner.block)

	// Saturate the single worker so the next async job stays pending.
	_, err := s.Invoke(context.Background(), InvokeRequest{
		SkillID: "skill_square", Inputs: json.RawMessage(`{"value": 1}`), Async: true,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Running() == 1 }, 2*time.Second, 5*time.Millisecond)

	res, err := s.Invoke(context.Background(), InvokeRequest{
		SkillID: "skill_square", Inputs: json.RawMessage(`{"value": 2}`), Async: true,
	})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), res.ExecutionID))

	rec, err := s.Status(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, rec.State)
}

func TestStateMachine_TerminalIsSticky(t *testing.T) {
	table := newRecordTable(nil)
	rec := &ExecutionRecord{ExecutionID: "exec_t", State: StatePending}
	table.create(rec)

	require.NoError(t, table.transition("exec_t", StateRunning, nil))
	require.NoError(t, table.transition("exec_t", StateCompleted, nil))

	for _, to := range []State{StateRunning, StateFailed, StateCancelled, StatePending} {
		assert.Error(t, table.transition("exec_t", to, nil), "completed → %s must be rejected", to)
	}
}

func TestStateMachine_IllegalFromPending(t *testing.T) {
	table := newRecordTable(nil)
	table.create(&ExecutionRecord{ExecutionID: "exec_p", State: StatePending})

	assert.Error(t, table.transition("exec_p", StateCompleted, nil))
	assert.Error(t, table.transition("exec_p", StateTimedOut, nil))
	assert.NoError(t, table.transition("exec_p", StateCancelled, nil))
}

func TestExecutionIDFormats(t *testing.T) {
	assert.Regexp(t, `^exec_[A-Za-z0-9_]+$`, NewExecutionID())
	assert.Regexp(t, `^exec_wf_[A-Za-z0-9_]+$`, NewWorkflowExecutionID())
}
