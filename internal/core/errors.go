package core

import (
	"errors"
	"fmt"
	"strings"
)

// Fatal resolution-phase errors. All of them prevent any task from
// running and map to process exit code 2; every message names the
// offending playbook, task, or cycle members.
var (
	ErrDuplicateTaskNumber = errors.New("duplicate task number")
	ErrDanglingReference   = errors.New("manifest references unknown task")
	ErrPlaybookNotFound    = errors.New("playbook not found")
	ErrMalformedPlaybook   = errors.New("malformed playbook")
	ErrUnresolvedVariable  = errors.New("unresolved variable")
	ErrUnknownTask         = errors.New("unknown task")
	ErrCycleDetected       = errors.New("dependency cycle detected")
	ErrOrderViolation      = errors.New("declared order violates dependency")
)

// CycleError reports the unresolved task subset left when the Kahn
// queue empties. Members are sorted for deterministic messages.
type CycleError struct {
	Playbook string
	Members  []TaskNumber
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Members))
	for i, n := range e.Members {
		parts[i] = string(n)
	}
	return fmt.Sprintf("%s in playbook %q: %s", ErrCycleDetected, e.Playbook, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// OrderViolationError reports a declared ordering that places a task
// before one of its own dependencies.
type OrderViolationError struct {
	Playbook string
	Task     TaskNumber
	Dep      TaskNumber
}

func (e *OrderViolationError) Error() string {
	return fmt.Sprintf("%s in playbook %q: task %s is declared before its dependency %s",
		ErrOrderViolation, e.Playbook, e.Task, e.Dep)
}

func (e *OrderViolationError) Unwrap() error { return ErrOrderViolation }

func malformedf(playbook, format string, args ...any) error {
	return fmt.Errorf("%w %q: %s", ErrMalformedPlaybook, playbook, fmt.Sprintf(format, args...))
}
