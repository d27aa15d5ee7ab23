// Package sandbox executes untrusted skill code in isolated, resource-capped
// environments. The host never links user code; every run is a subprocess
// speaking JSON over stdio.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Language enumerates the sandbox-supported source languages.
type Language string

const (
	LangPython     Language = "python"
	LangTypeScript Language = "typescript"
	LangGo         Language = "go"
)

// Supported reports whether the language has a sandbox runtime.
func Supported(lang Language) bool {
	switch lang {
	case LangPython, LangTypeScript, LangGo:
		return true
	}
	return false
}

// FailureKind classifies sandbox failures.
type FailureKind string

const (
	FailTimedOut           FailureKind = "timed_out"
	FailOversizeOutput     FailureKind = "oversize_output"
	FailExecutionFailed    FailureKind = "execution_failed"
	FailMarshallingFailed  FailureKind = "marshalling_failed"
	FailSandboxUnavailable FailureKind = "sandbox_unavailable"
)

// Caps bound the resources one run may consume.
type Caps struct {
	MaxWallSeconds int   `json:"max_wall_seconds"`
	MaxOutputBytes int64 `json:"max_output_bytes"`
	MaxMemoryBytes int64 `json:"max_memory_bytes"`
	NetworkEnabled bool  `json:"network_enabled"`
}

// DefaultCaps returns the standard resource limits.
func DefaultCaps() Caps {
	return Caps{
		MaxWallSeconds: 30,
		MaxOutputBytes: 10 << 20,
		MaxMemoryBytes: 512 << 20,
		NetworkEnabled: false,
	}
}

// Job is one unit of sandbox work: a skill blob plus an inputs document.
type Job struct {
	ExecutionID string
	Language    Language
	Code        []byte
	Inputs      json.RawMessage
	Caps        Caps
}

// Outcome is the result of one sandbox run. Exactly one of Value (when OK)
// or Kind/Detail (when not) is meaningful.
type Outcome struct {
	OK        bool            `json:"ok"`
	Value     json.RawMessage `json:"value,omitempty"`
	Kind      FailureKind     `json:"kind,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
	Elapsed   time.Duration   `json:"elapsed"`
}

// Failure builds a failed Outcome.
func Failure(kind FailureKind, detail string) Outcome {
	return Outcome{Kind: kind, Detail: detail}
}

// Runner launches one isolated run and reports its outcome. Implementations
// must honor ctx cancellation by killing the guest.
type Runner interface {
	Run(ctx context.Context, job Job) Outcome
	Name() string
	Healthy(ctx context.Context) error
}

// Stats tracks aggregate sandbox activity.
type Stats struct {
	TotalRuns     int64         `json:"total_runs"`
	CompletedRuns int64         `json:"completed_runs"`
	FailedRuns    int64         `json:"failed_runs"`
	TimedOutRuns  int64         `json:"timed_out_runs"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Executor wraps a Runner with deadline enforcement, default caps, and
// run statistics.
type Executor struct {
	runner Runner
	caps   Caps
	logger *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// NewExecutor creates an Executor over the given runner. Zero fields in
// caps fall back to DefaultCaps.
func NewExecutor(runner Runner, caps Caps, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultCaps()
	if caps.MaxWallSeconds <= 0 {
		caps.MaxWallSeconds = def.MaxWallSeconds
	}
	if caps.MaxOutputBytes <= 0 {
		caps.MaxOutputBytes = def.MaxOutputBytes
	}
	if caps.MaxMemoryBytes <= 0 {
		caps.MaxMemoryBytes = def.MaxMemoryBytes
	}
	return &Executor{
		runner: runner,
		caps:   caps,
		logger: logger.With(zap.String("component", "sandbox")),
	}
}

// Run executes one job. The effective wall-clock limit is the smaller of
// the job's cap and the executor default; the context may tighten it
// further but never extend it.
func (e *Executor) Run(ctx context.Context, job Job) Outcome {
	start := time.Now()

	if len(job.Code) == 0 {
		return Failure(FailSandboxUnavailable, "empty code blob")
	}
	if !Supported(job.Language) {
		return Failure(FailSandboxUnavailable, fmt.Sprintf("unsupported language %q", job.Language))
	}

	caps := e.caps
	if job.Caps.MaxWallSeconds > 0 && job.Caps.MaxWallSeconds < caps.MaxWallSeconds {
		caps.MaxWallSeconds = job.Caps.MaxWallSeconds
	}
	if job.Caps.MaxOutputBytes > 0 && job.Caps.MaxOutputBytes < caps.MaxOutputBytes {
		caps.MaxOutputBytes = job.Caps.MaxOutputBytes
	}
	if job.Caps.MaxMemoryBytes > 0 && job.Caps.MaxMemoryBytes < caps.MaxMemoryBytes {
		caps.MaxMemoryBytes = job.Caps.MaxMemoryBytes
	}
	job.Caps = caps

	// Null inputs are legal and pass through as an empty object.
	if len(job.Inputs) == 0 || string(job.Inputs) == "null" {
		job.Inputs = json.RawMessage(`{}`)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(caps.MaxWallSeconds)*time.Second)
	defer cancel()

	e.logger.Debug("launching sandbox",
		zap.String("execution_id", job.ExecutionID),
		zap.String("language", string(job.Language)),
		zap.String("runner", e.runner.Name()),
		zap.Int("max_wall_seconds", caps.MaxWallSeconds))

	outcome := e.runner.Run(ctx, job)
	if ctx.Err() == context.DeadlineExceeded && outcome.Kind != FailTimedOut {
		outcome = Failure(FailTimedOut, fmt.Sprintf("deadline of %ds exceeded", caps.MaxWallSeconds))
	}
	outcome.Elapsed = time.Since(start)

	e.mu.Lock()
	e.stats.TotalRuns++
	e.stats.TotalDuration += outcome.Elapsed
	switch {
	case outcome.OK:
		e.stats.CompletedRuns++
	case outcome.Kind == FailTimedOut:
		e.stats.TimedOutRuns++
		e.stats.FailedRuns++
	default:
		e.stats.FailedRuns++
	}
	e.mu.Unlock()

	return outcome
}

// Stats returns a snapshot of run statistics.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Healthy reports whether the underlying runner can launch isolates.
func (e *Executor) Healthy(ctx context.Context) error {
	return e.runner.Healthy(ctx)
}
