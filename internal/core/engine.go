package core

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultConcurrency bounds the worker pool when the caller does not
// supply a limit.
const DefaultConcurrency = 4

// Options control one engine execution.
type Options struct {
	Strategy Strategy
	// DryRun records a synthetic Planned outcome for every invocation
	// instead of launching anything. Resolution and plan walking are
	// identical to a real run.
	DryRun bool
	// Concurrency bounds the worker pool for parallel-eligible stages.
	// A value of 1 degenerates to sequential execution.
	Concurrency int
	// ContinueOnError is the run-level default; per-task playbook
	// overrides win.
	ContinueOnError bool
	// TaskTimeout applies to every invocation without its own timeout.
	// Zero means no limit.
	TaskTimeout time.Duration
	// RunID pre-assigns the run identifier so async callers can hand it
	// out before execution finishes. Empty means generate one.
	RunID string
}

// Engine consumes a Plan and produces a sealed RunResult. Per-task
// failures are recovered into outcomes and never crash the engine.
type Engine struct {
	invoker Invoker
	logger  *slog.Logger
}

func NewEngine(invoker Invoker, logger *slog.Logger) *Engine {
	return &Engine{invoker: invoker, logger: logger}
}

// Execute runs the plan with the selected strategy. Stage boundaries
// are hard barriers: stage N+1 never starts before every invocation in
// stage N has completed. When a task fails without continue-on-error,
// or the context is canceled, all not-yet-run invocations are marked
// Skipped and the run is Aborted; already-completed outcomes are
// preserved.
func (e *Engine) Execute(ctx context.Context, plan *Plan, opts Options) *RunResult {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategySequential
	}

	invoker := e.invoker
	if opts.DryRun {
		invoker = plannedInvoker{}
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	now := time.Now().UTC()
	run := &RunResult{
		ID:        runID,
		Playbook:  plan.Playbook,
		Strategy:  opts.Strategy,
		DryRun:    opts.DryRun,
		StartedAt: now,
		CreatedAt: now,
	}

	aborted := false
	for _, stage := range plan.Stages {
		if aborted || ctx.Err() != nil {
			if ctx.Err() != nil {
				aborted = true
			}
			for _, inv := range stage.Invocations {
				run.Outcomes = append(run.Outcomes, e.skipped(inv, stage.Name, opts))
			}
			continue
		}

		var outcomes []TaskOutcome
		var stageAborted bool
		if opts.Strategy == StrategyParallel && stage.Parallel && len(stage.Invocations) > 1 {
			outcomes, stageAborted = e.runStageParallel(ctx, stage, opts, invoker)
		} else {
			outcomes, stageAborted = e.runStageSequential(ctx, stage, opts, invoker)
		}
		run.Outcomes = append(run.Outcomes, outcomes...)
		if stageAborted {
			aborted = true
		}
	}

	sort.Slice(run.Outcomes, func(i, j int) bool {
		return run.Outcomes[i].Position < run.Outcomes[j].Position
	})
	run.EndedAt = time.Now().UTC()
	run.OverallStatus = Aggregate(run.Outcomes, aborted)

	e.logger.Info("run finished",
		"run_id", run.ID, "playbook", run.Playbook, "status", run.OverallStatus,
		"tasks", len(run.Outcomes), "dry_run", run.DryRun)
	return run
}

func (e *Engine) runStageSequential(ctx context.Context, stage Stage, opts Options, invoker Invoker) ([]TaskOutcome, bool) {
	outcomes := make([]TaskOutcome, 0, len(stage.Invocations))
	aborted := false
	for _, inv := range stage.Invocations {
		if aborted || ctx.Err() != nil {
			if ctx.Err() != nil {
				aborted = true
			}
			outcomes = append(outcomes, e.skipped(inv, stage.Name, opts))
			continue
		}
		o := invoker.Invoke(ctx, e.effective(inv, opts))
		o.Stage = stage.Name
		outcomes = append(outcomes, o)
		if isFailure(o) && !o.ContinueOnError {
			aborted = true
		}
	}
	return outcomes, aborted
}

// runStageParallel dispatches the stage through a bounded worker pool.
// Completions flow back over a single channel read by this coordinator,
// which is the only writer of the outcome slice. When a failure without
// continue-on-error (or cancellation) is observed, dispatch stops,
// in-flight invocations are awaited, and the rest of the stage is
// marked Skipped.
func (e *Engine) runStageParallel(ctx context.Context, stage Stage, opts Options, invoker Invoker) ([]TaskOutcome, bool) {
	n := len(stage.Invocations)
	workers := opts.Concurrency
	if workers > n {
		workers = n
	}

	workCh := make(chan TaskInvocation)
	doneCh := make(chan TaskOutcome, n)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for inv := range workCh {
				doneCh <- invoker.Invoke(ctx, inv)
			}
		}()
	}

	outcomes := make([]TaskOutcome, 0, n)
	aborted := false
	next, dispatched, completed := 0, 0, 0

	handle := func(o TaskOutcome) {
		o.Stage = stage.Name
		outcomes = append(outcomes, o)
		completed++
		if isFailure(o) && !o.ContinueOnError {
			aborted = true
		}
	}

	for next < n && !aborted && ctx.Err() == nil {
		select {
		case workCh <- e.effective(stage.Invocations[next], opts):
			dispatched++
			next++
		case o := <-doneCh:
			handle(o)
		}
	}
	close(workCh)

	for completed < dispatched {
		handle(<-doneCh)
	}
	wg.Wait()

	if ctx.Err() != nil {
		aborted = true
	}
	for ; next < n; next++ {
		outcomes = append(outcomes, e.skipped(stage.Invocations[next], stage.Name, opts))
	}
	return outcomes, aborted
}

// effective applies run-level defaults to an invocation.
func (e *Engine) effective(inv TaskInvocation, opts Options) TaskInvocation {
	if inv.ContinueOnError == nil {
		v := opts.ContinueOnError
		inv.ContinueOnError = &v
	}
	if inv.Timeout == 0 {
		inv.Timeout = opts.TaskTimeout
	}
	return inv
}

func (e *Engine) skipped(inv TaskInvocation, stageName string, opts Options) TaskOutcome {
	eff := e.effective(inv, opts)
	return TaskOutcome{
		Number:          eff.Task.Number,
		Stage:           stageName,
		Position:        eff.Position,
		Status:          OutcomeSkipped,
		ContinueOnError: *eff.ContinueOnError,
	}
}

func isFailure(o TaskOutcome) bool {
	return o.Status == OutcomeFailed || o.Status == OutcomeTimedOut
}

// plannedInvoker short-circuits execution for dry runs.
type plannedInvoker struct{}

func (plannedInvoker) Invoke(_ context.Context, inv TaskInvocation) TaskOutcome {
	now := time.Now().UTC()
	return TaskOutcome{
		Number:          inv.Task.Number,
		Position:        inv.Position,
		Status:          OutcomePlanned,
		ExitCode:        ptrInt(0),
		ContinueOnError: inv.ContinueOnError != nil && *inv.ContinueOnError,
		StartedAt:       &now,
		EndedAt:         &now,
	}
}
