package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DockerRunner launches each job in a one-shot docker container with the
// network disabled, all capabilities dropped, and the code mounted
// read-only. It drives the docker CLI through os/exec.
type DockerRunner struct {
	images          map[Language]string
	containerPrefix string
	logger          *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewDockerRunner creates a DockerRunner with the standard per-language
// images.
func NewDockerRunner(logger *zap.Logger) *DockerRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerRunner{
		images: map[Language]string{
			LangPython:     "python:3.11-slim",
			LangTypeScript: "node:20-slim",
			LangGo:         "golang:1.21-alpine",
		},
		containerPrefix: "wishub_skill_",
		logger:          logger.With(zap.String("component", "docker_runner")),
		active:          make(map[string]struct{}),
	}
}

func (d *DockerRunner) Name() string { return "docker" }

// Healthy pings the docker daemon.
func (d *DockerRunner) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").Run(); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Run executes one job in a container. Deadline expiry stops the container
// with a 1s SIGTERM grace window before SIGKILL.
func (d *DockerRunner) Run(ctx context.Context, job Job) Outcome {
	image, ok := d.images[job.Language]
	if !ok {
		return Failure(FailSandboxUnavailable, fmt.Sprintf("no image configured for language %q", job.Language))
	}

	containerName := fmt.Sprintf("%s%s_%d", d.containerPrefix, sanitizeID(job.ExecutionID), time.Now().UnixNano())

	tempDir, err := os.MkdirTemp("", "wishub_sandbox_")
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

	args := d.buildArgs(containerName, image, tempDir, job.Caps, command)

	d.mu.Lock()
	d.active[containerName] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, containerName)
		d.mu.Unlock()
		d.forceRemove(containerName)
	}()

	d.logger.Debug("docker run",
		zap.String("container", containerName),
		zap.String("image", image),
		zap.String("execution_id", job.ExecutionID))

	cmd := exec.Command("docker", args...)
	cmd.Stdin = bytes.NewReader(job.Inputs)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Failure(FailSandboxUnavailable, "docker binary not found on host")
		}
		return Failure(FailSandboxUnavailable, fmt.Sprintf("failed to launch container: %v", err))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		// SIGTERM with a 1s grace window, then SIGKILL.
		d.stop(containerName)
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Failure(FailTimedOut, "deadline exceeded")
		}
		return Failure(FailExecutionFailed, "execution cancelled")
	case err = <-done:
	}

	if err != nil {
		if isDaemonError(stderr.String()) {
			return Failure(FailSandboxUnavailable, tailOf(stderr.String(), 512))
		}
		// Non-zero guest exit: the envelope, if present, still decides.
	}

	return parseGuestOutput(stdout.String(), stderr.String(), job.Caps.MaxOutputBytes)
}

func (d *DockerRunner) buildArgs(containerName, image, tempDir string, caps Caps, command []string) []string {
	args := []string{
		"run", "-i",
		"--name", containerName,
		"--rm",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--pids-limit", "128",
	}
	if caps.MaxMemoryBytes > 0 {
		mem := fmt.Sprintf("%dm", caps.MaxMemoryBytes>>20)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if !caps.NetworkEnabled {
		args = append(args, "--network", "none")
	}
	args = append(args,
		"-v", fmt.Sprintf("%s:/code:ro", tempDir),
		"-w", "/code",
		"-e", "WISHUB_SKILL=true",
		image,
	)
	return append(args, command...)
}

// stop asks the container to terminate, allowing 1s before the kill.
func (d *DockerRunner) stop(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "stop", "-t", "1", name).Run(); err != nil {
		exec.CommandContext(ctx, "docker", "kill", name).Run()
	}
}

func (d *DockerRunner) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec.CommandContext(ctx, "docker", "rm", "-f", name).Run()
}

// Cleanup kills every container still tracked as active.
func (d *DockerRunner) Cleanup() {
	d.mu.Lock()
	names := make([]string, 0, len(d.active))
	for name := range d.active {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		d.stop(name)
		d.forceRemove(name)
	}
	if len(names) > 0 {
		d.logger.Info("cleaned up containers", zap.Int("count", len(names)))
	}
}

func isDaemonError(stderr string) bool {
	return strings.Contains(stderr, "Cannot connect to the Docker daemon") ||
		strings.Contains(stderr, "docker daemon") ||
		strings.Contains(stderr, "No such image")
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, c := range id {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			b.WriteRune(c)
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}
