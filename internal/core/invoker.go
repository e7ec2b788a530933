package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Invoker launches one task invocation and reports its outcome. The
// engine never crashes on a per-task failure; everything is folded into
// the returned TaskOutcome.
type Invoker interface {
	Invoke(ctx context.Context, inv TaskInvocation) TaskOutcome
}

// ScriptInvoker runs automation scripts as independent OS processes.
// Context passed to the child is explicit: working directory, resolved
// arguments, and RUNBOOK_* environment variables scoped to the child's
// lifetime.
type ScriptInvoker struct {
	// WorkingDir is the child process working directory. Empty means
	// inherit.
	WorkingDir string
	// LogDir receives one combined stdout/stderr file per invocation.
	// Empty discards output.
	LogDir string
	// GracePeriod is how long a timed-out or canceled process gets
	// between SIGTERM and SIGKILL.
	GracePeriod time.Duration
	Logger      *slog.Logger
}

const defaultGracePeriod = 5 * time.Second

// Invoke launches the script behind the invocation and classifies the
// result: LaunchFailure when the process never started, RuntimeFailure
// on non-zero exit, Timeout when the watchdog fired.
func (s *ScriptInvoker) Invoke(ctx context.Context, inv TaskInvocation) TaskOutcome {
	outcome := TaskOutcome{
		Number:          inv.Task.Number,
		Position:        inv.Position,
		ContinueOnError: inv.ContinueOnError != nil && *inv.ContinueOnError,
	}

	out, closeOut, err := s.outputWriter(inv)
	if err != nil {
		return failOutcome(outcome, FailureLaunch, fmt.Sprintf("open invocation log: %v", err))
	}
	defer closeOut()

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, inv.Task.Path, inv.Args...) // #nosec G204
	cmd.Dir = s.WorkingDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(),
		"RUNBOOK_TASK_NUMBER="+string(inv.Task.Number),
		"RUNBOOK_TASK_FEATURE="+inv.Task.Feature,
	)

	grace := s.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	// Termination is two-staged: SIGTERM on cancellation, SIGKILL once
	// the grace period passes. WaitDelay also unblocks Wait when a
	// descendant of an exited script keeps the output pipe open.
	cmd.Cancel = func() error {
		return sendTermination(cmd.Process)
	}
	cmd.WaitDelay = grace

	var timedOut atomic.Bool
	var watchdog *time.Timer
	if inv.Timeout > 0 {
		watchdog = time.AfterFunc(inv.Timeout, func() {
			timedOut.Store(true)
			s.Logger.Warn("task exceeded timeout, sending termination",
				"task", inv.Task.Number, "timeout", inv.Timeout)
			_ = sendTermination(cmd.Process)
			time.AfterFunc(grace, func() {
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			})
		})
	}

	startedAt := time.Now().UTC()
	outcome.StartedAt = &startedAt

	if err := cmd.Start(); err != nil {
		return failOutcome(outcome, FailureLaunch, fmt.Sprintf("start %s: %v", inv.Task.Path, err))
	}
	waitErr := cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}

	endedAt := time.Now().UTC()
	outcome.EndedAt = &endedAt

	switch {
	case timedOut.Load():
		outcome.Status = OutcomeTimedOut
		outcome.FailureKind = FailureTimeout
		outcome.Error = ptrString(fmt.Sprintf("task %s exceeded timeout of %s", inv.Task.Number, inv.Timeout))
	case waitErr == nil:
		outcome.Status = OutcomeSucceeded
		outcome.ExitCode = ptrInt(0)
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			outcome.ExitCode = ptrInt(exitErr.ExitCode())
		}
		outcome.Status = OutcomeFailed
		outcome.FailureKind = FailureRuntime
		outcome.Error = ptrString(waitErr.Error())
	}
	return outcome
}

func (s *ScriptInvoker) outputWriter(inv TaskInvocation) (io.Writer, func(), error) {
	if s.LogDir == "" {
		return io.Discard, func() {}, nil
	}
	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		return nil, nil, err
	}
	name := fmt.Sprintf("%03d_%s.log", inv.Position, inv.Task.Number)
	f, err := os.OpenFile(filepath.Join(s.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return &syncWriter{w: f}, func() { _ = f.Close() }, nil
}

func failOutcome(o TaskOutcome, kind FailureKind, msg string) TaskOutcome {
	if o.StartedAt == nil {
		now := time.Now().UTC()
		o.StartedAt = &now
	}
	now := time.Now().UTC()
	o.EndedAt = &now
	o.Status = OutcomeFailed
	o.FailureKind = kind
	o.Error = ptrString(msg)
	return o
}

func sendTermination(process *os.Process) error {
	if process == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return process.Kill()
	}
	return process.Signal(syscall.SIGTERM)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
