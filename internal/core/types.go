package core

import (
	"time"
)

// TaskNumber is the four-digit, zero-padded identity of an automation
// script (0000-9999).
type TaskNumber string

// Task is a registry record for one discovered automation script.
// Tasks are immutable once the registry is built.
type Task struct {
	Number        TaskNumber
	Path          string
	Feature       string
	Stage         string
	DependsOn     []TaskNumber
	ParallelSafe  bool
	Tags          []string
	RequiresAdmin bool
	// Registered is false for scripts discovered on disk without a
	// manifest entry. They remain runnable but carry no inferred
	// feature-level dependencies.
	Registered bool
}

// SequenceEntry is one entry of a playbook sequence: either a bare task
// number or an inline definition with its own arguments and overrides.
type SequenceEntry struct {
	Number          TaskNumber
	Args            []string
	ContinueOnError *bool
	Timeout         time.Duration
}

// PlaybookStage is an explicitly authored group of tasks.
type PlaybookStage struct {
	Name     string
	Parallel bool
	Tasks    []TaskNumber
}

// Playbook is a named, validated run definition. It is never mutated
// after load; resolution produces a new Plan.
type Playbook struct {
	Name            string
	Description     string
	Version         string
	Author          string
	Sequence        []SequenceEntry
	Stages          []PlaybookStage
	Variables       map[string]string
	ContinueOnError *bool
}

// TaskInvocation is a task scheduled into a Plan with its resolved
// arguments. ContinueOnError and Timeout are nil/zero when the playbook
// declared no override; the engine then applies its run-level defaults.
type TaskInvocation struct {
	Task            Task
	Args            []string
	Position        int
	ContinueOnError *bool
	Timeout         time.Duration
}

// Stage is a synchronization boundary in a Plan: every invocation in a
// stage completes before the next stage starts.
type Stage struct {
	Name        string
	Parallel    bool
	Invocations []TaskInvocation
}

// Plan is the resolved execution schedule for one playbook.
type Plan struct {
	Playbook string
	Stages   []Stage
}

// Tasks returns the invocations of every stage in plan order.
func (p *Plan) Tasks() []TaskInvocation {
	var out []TaskInvocation
	for _, st := range p.Stages {
		out = append(out, st.Invocations...)
	}
	return out
}

// OutcomeStatus is the terminal state of a single task invocation.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeTimedOut  OutcomeStatus = "timed_out"
	OutcomeSkipped   OutcomeStatus = "skipped"
	// OutcomePlanned marks a synthetic dry-run outcome: the invocation
	// was validated and scheduled but never launched.
	OutcomePlanned OutcomeStatus = "planned"
)

// FailureKind distinguishes why an invocation failed.
type FailureKind string

const (
	FailureNone FailureKind = ""
	// FailureLaunch: the script could not be started at all.
	FailureLaunch FailureKind = "launch"
	// FailureRuntime: the script started and returned non-zero.
	FailureRuntime FailureKind = "runtime"
	// FailureTimeout: the script exceeded its allotted time and was
	// forcibly terminated.
	FailureTimeout FailureKind = "timeout"
)

// TaskOutcome captures the result of one invocation.
type TaskOutcome struct {
	Number          TaskNumber
	Stage           string
	Position        int
	Status          OutcomeStatus
	ExitCode        *int
	FailureKind     FailureKind
	Error           *string
	ContinueOnError bool
	StartedAt       *time.Time
	EndedAt         *time.Time
}

// Duration returns the wall time of the invocation, zero if it never ran.
func (o TaskOutcome) Duration() time.Duration {
	if o.StartedAt == nil || o.EndedAt == nil {
		return 0
	}
	return o.EndedAt.Sub(*o.StartedAt)
}

// OverallStatus is the aggregate state of one engine run.
type OverallStatus string

const (
	StatusSucceeded      OverallStatus = "succeeded"
	StatusPartialFailure OverallStatus = "partial_failure"
	StatusFailed         OverallStatus = "failed"
	StatusAborted        OverallStatus = "aborted"
)

// Strategy selects how the engine walks a Plan.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

// RunResult is the sealed aggregate of one engine execution.
type RunResult struct {
	ID            string
	Playbook      string
	Strategy      Strategy
	DryRun        bool
	OverallStatus OverallStatus
	Outcomes      []TaskOutcome
	StartedAt     time.Time
	EndedAt       time.Time
	CreatedAt     time.Time
}

// Schedule binds a cron expression to a recurring playbook run.
type Schedule struct {
	ID              string
	Playbook        string
	Cron            string
	Strategy        Strategy
	Concurrency     int
	ContinueOnError bool
	Enabled         bool
	LastRunAt       *time.Time
	NextRunAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
