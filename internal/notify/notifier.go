package notify

import (
	"context"

	"runbook/internal/core"
)

// Notifier pushes a run summary to an external channel.
type Notifier interface {
	RunCompleted(ctx context.Context, run *core.RunResult) error
}

// MultiNotifier fans a summary out to several notifiers, returning the
// last error.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) RunCompleted(ctx context.Context, run *core.RunResult) error {
	var last error
	for _, n := range m.notifiers {
		if err := n.RunCompleted(ctx, run); err != nil {
			last = err
		}
	}
	return last
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (NoOpNotifier) RunCompleted(context.Context, *core.RunResult) error { return nil }
