package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// RunRecorder persists sealed run results and writes the
// machine-readable report consumed by downstream tooling.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *RunResult) error
	WriteReport(run *RunResult) (string, error)
}

// Notifier pushes a run summary to an external channel. Failures are
// logged, never fatal.
type Notifier interface {
	RunCompleted(ctx context.Context, run *RunResult) error
}

// Service is the engine's front door: every caller (CLI, HTTP, MCP,
// scheduler) goes through the same load -> resolve -> execute ->
// record path, so a dry run and a real run share identical resolution.
type Service struct {
	Registry  *Registry
	Playbooks *Loader
	Engine    *Engine
	Runs      RunRecorder
	Notifier  Notifier
	Logger    *slog.Logger
}

// Plan loads and resolves the named playbook without executing it.
func (s *Service) Plan(name string, overrides map[string]string) (*Plan, error) {
	pb, err := s.Playbooks.Load(name, overrides)
	if err != nil {
		return nil, err
	}
	return Resolve(pb, s.Registry)
}

// RunPlaybook executes the named playbook. A returned error is fatal
// (nothing ran, exit code 2); per-task failures are inside the result.
func (s *Service) RunPlaybook(ctx context.Context, name string, overrides map[string]string, opts Options) (*RunResult, error) {
	plan, err := s.Plan(name, overrides)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, plan, opts), nil
}

// StartPlaybook resolves the named playbook synchronously, then
// executes it in the background. The pre-assigned run ID is returned
// immediately; resolution errors still surface to the caller before
// anything runs.
func (s *Service) StartPlaybook(ctx context.Context, name string, overrides map[string]string, opts Options) (string, error) {
	plan, err := s.Plan(name, overrides)
	if err != nil {
		return "", err
	}
	opts.RunID = uuid.NewString()
	go s.execute(context.WithoutCancel(ctx), plan, opts)
	return opts.RunID, nil
}

// RunTasks executes an ad hoc list of task numbers through the same
// resolution path as a playbook, so dependency staging still applies.
func (s *Service) RunTasks(ctx context.Context, numbers []TaskNumber, opts Options) (*RunResult, error) {
	pb := &Playbook{Name: "ad-hoc"}
	for _, n := range numbers {
		pb.Sequence = append(pb.Sequence, SequenceEntry{Number: n})
	}
	plan, err := Resolve(pb, s.Registry)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, plan, opts), nil
}

func (s *Service) execute(ctx context.Context, plan *Plan, opts Options) *RunResult {
	run := s.Engine.Execute(ctx, plan, opts)

	if s.Runs != nil {
		if err := s.Runs.RecordRun(ctx, run); err != nil {
			s.Logger.Error("record run", "run_id", run.ID, "err", err)
		}
		if path, err := s.Runs.WriteReport(run); err != nil {
			s.Logger.Error("write report", "run_id", run.ID, "err", err)
		} else {
			s.Logger.Debug("report written", "run_id", run.ID, "path", path)
		}
	}
	if s.Notifier != nil && !run.DryRun {
		if err := s.Notifier.RunCompleted(ctx, run); err != nil {
			s.Logger.Warn("run notification", "run_id", run.ID, "err", err)
		}
	}
	return run
}

// ParseTaskNumbers validates a comma-separated ad hoc task list.
func ParseTaskNumbers(list []string) ([]TaskNumber, error) {
	out := make([]TaskNumber, 0, len(list))
	for _, s := range list {
		if !taskNumberPattern.MatchString(s) {
			return nil, fmt.Errorf("invalid task number %q: want four digits", s)
		}
		out = append(out, TaskNumber(s))
	}
	return out, nil
}
