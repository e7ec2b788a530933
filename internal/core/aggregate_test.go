package core

import "testing"

func outcome(status OutcomeStatus, kind FailureKind, continueOnError bool) TaskOutcome {
	return TaskOutcome{Status: status, FailureKind: kind, ContinueOnError: continueOnError}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name         string
		outcomes     []TaskOutcome
		stoppedEarly bool
		want         OverallStatus
	}{
		{
			name: "all succeeded",
			outcomes: []TaskOutcome{
				outcome(OutcomeSucceeded, FailureNone, false),
				outcome(OutcomeSucceeded, FailureNone, false),
			},
			want: StatusSucceeded,
		},
		{
			name:     "no outcomes",
			outcomes: nil,
			want:     StatusSucceeded,
		},
		{
			name: "dry run planned outcomes",
			outcomes: []TaskOutcome{
				outcome(OutcomePlanned, FailureNone, false),
			},
			want: StatusSucceeded,
		},
		{
			name: "hard failure",
			outcomes: []TaskOutcome{
				outcome(OutcomeSucceeded, FailureNone, false),
				outcome(OutcomeFailed, FailureRuntime, false),
			},
			want: StatusFailed,
		},
		{
			name: "soft failure only",
			outcomes: []TaskOutcome{
				outcome(OutcomeFailed, FailureRuntime, true),
				outcome(OutcomeSucceeded, FailureNone, false),
			},
			want: StatusPartialFailure,
		},
		{
			name: "timeout counts as failure",
			outcomes: []TaskOutcome{
				outcome(OutcomeTimedOut, FailureTimeout, false),
			},
			want: StatusFailed,
		},
		{
			name: "stopped early",
			outcomes: []TaskOutcome{
				outcome(OutcomeSucceeded, FailureNone, false),
				outcome(OutcomeSkipped, FailureNone, false),
			},
			stoppedEarly: true,
			want:         StatusAborted,
		},
		{
			name: "launch failure outranks aborted",
			outcomes: []TaskOutcome{
				outcome(OutcomeFailed, FailureLaunch, false),
				outcome(OutcomeSkipped, FailureNone, false),
			},
			stoppedEarly: true,
			want:         StatusFailed,
		},
		{
			name: "launch failure outranks continue on error",
			outcomes: []TaskOutcome{
				outcome(OutcomeFailed, FailureLaunch, true),
			},
			want: StatusFailed,
		},
		{
			name: "skipped alone does not fail",
			outcomes: []TaskOutcome{
				outcome(OutcomeSucceeded, FailureNone, false),
				outcome(OutcomeSkipped, FailureNone, false),
			},
			want: StatusSucceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Aggregate(tt.outcomes, tt.stoppedEarly); got != tt.want {
				t.Errorf("Aggregate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		status OverallStatus
		want   int
	}{
		{StatusSucceeded, ExitSucceeded},
		{StatusPartialFailure, ExitFailed},
		{StatusFailed, ExitFailed},
		{StatusAborted, ExitFailed},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.status); got != tt.want {
			t.Errorf("ExitCode(%s) = %d, want %d", tt.status, got, tt.want)
		}
	}
}
