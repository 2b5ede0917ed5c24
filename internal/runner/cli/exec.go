package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/models"
)

const healthCheckTimeout = 10 * time.Second

// execAdapter invokes a CLI binary with the input document on stdin. Each
// supported program has a non-interactive invocation mode that reads the
// prompt from standard input.
type execAdapter struct {
	kind   models.CLIType
	binary string
	args   []string
	logger *logger.Logger
}

func newExecAdapter(kind models.CLIType, log *logger.Logger) *execAdapter {
	a := &execAdapter{kind: kind, binary: string(kind), logger: log}
	switch kind {
	case models.CLIClaude:
		a.args = []string{"-p"}
	case models.CLIGemini:
		a.args = nil
	case models.CLICodex:
		a.args = []string{"exec", "-"}
	case models.CLIOpenCode:
		a.args = []string{"run"}
	}
	return a
}

func (a *execAdapter) Kind() models.CLIType {
	return a.kind
}

func (a *execAdapter) Available() bool {
	_, err := exec.LookPath(a.binary)
	return err == nil
}

// Invoke starts the CLI with the input file streamed to stdin. The returned
// invocation owns the process; the caller must Wait exactly once.
func (a *execAdapter) Invoke(ctx context.Context, req Request) (Invocation, error) {
	input, err := os.Open(req.InputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}

	cmd := exec.Command(a.binary, a.args...)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = input
	cmd.Stdout = io.Discard

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		_ = input.Close()
		return nil, fmt.Errorf("failed to start %s: %w", a.binary, err)
	}

	a.logger.Debug("CLI started",
		zap.String("cli", a.binary),
		zap.String("kind", string(req.Kind)),
		zap.Int("pid", cmd.Process.Pid),
	)

	return &execInvocation{cmd: cmd, stderr: &stderr, input: input}, nil
}

// HealthCheck resolves the binary and probes it with --version.
func (a *execAdapter) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()

	if _, err := exec.LookPath(a.binary); err != nil {
		return HealthStatus{
			Status:     HealthNotFound,
			Error:      fmt.Sprintf("%s not found in PATH", a.binary),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, a.binary, "--version").Output()
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return HealthStatus{
			Status:     HealthUnhealthy,
			Error:      err.Error(),
			DurationMs: duration,
		}
	}

	return HealthStatus{
		Status:     HealthHealthy,
		Version:    strings.TrimSpace(string(out)),
		DurationMs: duration,
	}
}

// execInvocation wraps a started subprocess.
type execInvocation struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	input  *os.File
}

// Kill terminates the subprocess. Errors from an already-exited process are
// returned as-is; callers treat kill as best-effort.
func (i *execInvocation) Kill() error {
	if i.cmd.Process == nil {
		return errors.New("process not started")
	}
	return i.cmd.Process.Kill()
}

// Wait blocks until the process exits.
func (i *execInvocation) Wait() Result {
	err := i.cmd.Wait()
	_ = i.input.Close()

	if err == nil {
		return Result{Success: true, ExitCode: 0, Stderr: i.stderr.String()}
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return Result{Success: false, ExitCode: exitCode, Stderr: i.stderr.String()}
}
