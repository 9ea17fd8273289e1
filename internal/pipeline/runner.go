package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec and logs each invocation.
type ExecRunner struct {
	Logger *slog.Logger
	Env    []string // appended to the parent environment
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	dur := time.Since(start)

	if err != nil {
		logger.Error("exec failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", dur.Milliseconds(),
			"error", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
	} else {
		logger.Debug("exec ok",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", dur.Milliseconds(),
			"stdout_bytes", out.Len(),
			"stderr_bytes", errb.Len(),
		)
	}

	return out.Bytes(), errb.Bytes(), err
}

// ToolError is a failed external command.
type ToolError struct {
	Tool     string
	ExitCode int // -1 when the process never ran or was killed
	Message  string
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if s := lastLine(e.Stderr); s != "" {
		msg += ": " + s
	}
	return e.Tool + ": " + msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// newToolError classifies a Run error. describe maps exit codes to text.
// A killed process reports a plain exit error, so ctx is checked first.
func newToolError(ctx context.Context, tool string, err error, stderr []byte, describe func(int) string) error {
	te := &ToolError{Tool: tool, ExitCode: -1, Stderr: truncate(string(stderr), 4<<10), Err: err}
	if ctxErr := ctx.Err(); ctxErr != nil {
		te.Err = ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(te.Err, context.DeadlineExceeded):
		te.Message = "timed out"
	case errors.Is(te.Err, context.Canceled):
		te.Message = "cancelled"
	case errors.Is(err, exec.ErrNotFound):
		te.Message = "not installed or not on PATH"
	case errors.As(err, &exitErr):
		te.ExitCode = exitErr.ExitCode()
		if describe != nil {
			te.Message = describe(te.ExitCode)
		}
		if te.Message == "" {
			te.Message = "command failed"
		}
	}
	return te
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return truncate(l, 300)
		}
	}
	return ""
}

// Available reports whether a program can be found.
func Available(name string) bool {
	if name == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
