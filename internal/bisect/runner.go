package bisect

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// TestRunner runs the caller's test command and returns its exit status.
type TestRunner interface {
	RunTest(ctx context.Context, command []string, env []string) (int, error)
}

// killedExitCode is reported for a test that was killed or timed out; it
// maps to Skipped.
const killedExitCode = 128

// ShellCommand wraps a command line for the platform shell.
func ShellCommand(line, goos string) []string {
	if goos == "windows" {
		return []string{"cmd", "/C", line}
	}
	return []string{"sh", "-c", line}
}

type ExecRunner struct {
	Dir     string
	Timeout time.Duration
	Stdout  io.Writer
	Stderr  io.Writer
	logger  *zap.Logger
}

func NewExecRunner(dir string, timeout time.Duration, logger *zap.Logger) *ExecRunner {
	return &ExecRunner{
		Dir:     dir,
		Timeout: timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		logger:  logger.Named("test_runner"),
	}
}

func (r *ExecRunner) RunTest(ctx context.Context, command []string, env []string) (int, error) {
	if len(command) == 0 {
		return 0, errors.New("no test command")
	}
	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Dir = r.Dir
	cmd.Env = env
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if runCtx.Err() != nil {
		r.logger.Warn("test command timed out", zap.Duration("timeout", r.Timeout))
		return killedExitCode, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		r.logger.Debug("test command passed", zap.Duration("elapsed", time.Since(start)))
		return 0, nil
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		if code < 0 {
			code = killedExitCode
		}
		r.logger.Debug("test command failed", zap.Int("exit_code", code), zap.Duration("elapsed", time.Since(start)))
		return code, nil
	}
	// The command could not be started at all.
	return 0, err
}
