package pipeline

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandRunner executes an external command and reports its exit status.
type CommandRunner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) CommandResult
}

type CommandResult struct {
	ExitCode int
	Output   string // combined stdout/stderr, tail only
	Err      error  // non-nil when the command could not be started
}

// Failed reports whether the command either failed to start or exited
// nonzero.
func (r CommandResult) Failed() bool {
	return r.Err != nil || r.ExitCode != 0
}

// outputTailLimit bounds how much command output is kept for diagnostics.
const outputTailLimit = 4096

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) CommandResult {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}

	out, err := cmd.CombinedOutput()
	result := CommandResult{Output: tail(string(out))}

	if err == nil {
		return result
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// The command ran and exited nonzero: that is an outcome, not an
		// execution error.
		result.ExitCode = exitErr.ExitCode()
		return result
	}

	result.ExitCode = -1
	result.Err = err
	return result
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= outputTailLimit {
		return s
	}
	return s[len(s)-outputTailLimit:]
}
