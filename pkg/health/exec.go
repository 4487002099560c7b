package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecChecker probes a data source by running a client tool, such as
// pg_isready, and scoring its exit code. Exit 0 means reachable.
type ExecChecker struct {
	// Command is argv form, e.g. ["pg_isready", "-h", "pg-main"].
	Command []string

	Timeout time.Duration
}

// NewExecChecker runs command with a 10 second timeout.
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check runs the command once. The message carries stderr on failure
// and the first line worth of stdout on success, so probe output shows
// up in status listings without log digging.
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return resultAt(start, false, "no command specified")
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("%s: %v", e.Command[0], err)
		if s := strings.TrimSpace(stderr.String()); s != "" {
			message += ": " + s
		}
		return resultAt(start, false, message)
	}

	message := e.Command[0] + " exited 0"
	if out := strings.TrimSpace(stdout.String()); out != "" {
		if len(out) > 100 {
			out = out[:100] + "..."
		}
		message += ": " + out
	}
	return resultAt(start, true, message)
}

func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout overrides the execution timeout.
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}
