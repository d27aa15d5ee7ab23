package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

// ProcessRunner executes jobs as plain host subprocesses with the same
// stdio harness contract as DockerRunner. It provides no OS isolation and
// must be enabled explicitly; intended for development and tests.
type ProcessRunner struct {
	enabled bool
	logger  *zap.Logger
}

// NewProcessRunner creates a ProcessRunner. The enabled flag must be set
// deliberately by the operator.
func NewProcessRunner(enabled bool, logger *zap.Logger) *ProcessRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessRunner{
		enabled: enabled,
		logger:  logger.With(zap.String("component", "process_runner")),
	}
}

func (p *ProcessRunner) Name() string { return "process" }

// Healthy reports whether the runner may launch anything at all.
func (p *ProcessRunner) Healthy(ctx context.Context) error {
	if !p.enabled {
		return errors.New("process runner disabled")
	}
	return nil
}

// Run executes one job as a subprocess rooted in a throwaway directory.
func (p *ProcessRunner) Run(ctx context.Context, job Job) Outcome {
	if !p.enabled {
		return Failure(FailSandboxUnavailable, "process runner disabled")
	}

	tempDir, err := os.MkdirTemp("", "wishub_sandbox_proc_")
	if err != nil {
		return Failure(FailSandboxUnavailable, fmt.Sprintf("failed to create work dir: %v", err))
	}
	defer os.RemoveAll(tempDir)

	files, command, err := guestFiles(job.Language, job.Code)
	if err != nil {
		return Failure(FailSandboxUnavailable, err.Error())
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(tempDir, name), content, 0o644); err != nil {
			return Failure(FailSandboxUnavailable, fmt.Sprintf("failed to write %s: %v", name, err))
		}
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = tempDir
	cmd.Stdin = bytes.NewReader(job.Inputs)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("process run",
		zap.String("execution_id", job.ExecutionID),
		zap.String("language", string(job.Language)))

	runErr := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Failure(FailTimedOut, "deadline exceeded")
	}
	if ctx.Err() != nil {
		return Failure(FailExecutionFailed, "execution cancelled")
	}
	if runErr != nil {
		if errors.Is(runErr, exec.ErrNotFound) {
			return Failure(FailSandboxUnavailable, fmt.Sprintf("interpreter not found: %v", runErr))
		}
		// A non-zero exit still carries an envelope when the harness ran.
	}

	return parseGuestOutput(stdout.String(), stderr.String(), job.Caps.MaxOutputBytes)
}
