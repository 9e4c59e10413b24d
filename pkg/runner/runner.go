// Package runner invokes external tools with a hard wall-clock deadline.
//
// Every call either returns a normal result, a ToolError for a nonzero
// exit, or a TimeoutError after the process has been terminated. Callers
// never block indefinitely on a wedged tool.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultGrace is how long a timed-out process gets between SIGTERM and
// SIGKILL.
const DefaultGrace = 5 * time.Second

// Result holds the captured output of a completed tool invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns stderr if present, otherwise stdout. Tool diagnostics on
// macOS developer tools land on either stream depending on the tool.
func (r *Result) Output() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// ToolError reports a tool that ran to completion with a nonzero exit.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Tool, e.ExitCode, msg)
}

// TimeoutError reports a tool that exceeded its deadline and was killed.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not finish within %s and was terminated", e.Tool, e.Timeout)
}

// Runner executes external tools. The interface exists so pipeline
// components can be exercised against a stub in tests.
type Runner interface {
	// Run executes name with args, enforcing timeout. A timeout of zero
	// means no per-call deadline beyond ctx.
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*Result, error)
}

// ExecRunner runs tools as real OS processes.
type ExecRunner struct {
	// Grace is the delay between graceful termination and SIGKILL.
	// Zero means DefaultGrace.
	Grace time.Duration
	// Dir, when set, is the working directory for every invocation.
	Dir string
}

// Run executes the tool. On deadline the process receives SIGTERM, then
// SIGKILL after the grace period.
func (r *ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*Result, error) {
	grace := r.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = r.Dir
	cmd.Cancel = func() error {
		// Ask nicely first; WaitDelay escalates to SIGKILL.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, &TimeoutError{Tool: name, Timeout: timeout}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ToolError{Tool: name, ExitCode: res.ExitCode, Stderr: res.Output()}
		}
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	return res, nil
}
