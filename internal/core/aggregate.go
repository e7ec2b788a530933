package core

// Process exit codes consumed by CI callers. No other component decides
// exit codes.
const (
	ExitSucceeded = 0
	ExitFailed    = 1
	// ExitInternal signals a fatal engine error (registry build,
	// playbook load, resolution) that prevented any task from running.
	ExitInternal = 2
)

// Aggregate merges per-task outcomes into an overall status. Precedence:
//
//  1. any launch failure                                => Failed
//  2. engine stopped early (failure or cancellation)    => Aborted
//  3. any failure without continue-on-error             => Failed
//  4. failures only under continue-on-error             => PartialFailure
//  5. otherwise (incl. zero outcomes, dry-run Planned)  => Succeeded
func Aggregate(outcomes []TaskOutcome, stoppedEarly bool) OverallStatus {
	anyLaunchFailure := false
	anyHardFailure := false
	anySoftFailure := false
	for _, o := range outcomes {
		if o.FailureKind == FailureLaunch {
			anyLaunchFailure = true
		}
		if isFailure(o) {
			if o.ContinueOnError {
				anySoftFailure = true
			} else {
				anyHardFailure = true
			}
		}
	}

	switch {
	case anyLaunchFailure:
		return StatusFailed
	case stoppedEarly:
		return StatusAborted
	case anyHardFailure:
		return StatusFailed
	case anySoftFailure:
		return StatusPartialFailure
	default:
		return StatusSucceeded
	}
}

// ExitCode maps an overall status to the process exit code contract.
func ExitCode(status OverallStatus) int {
	if status == StatusSucceeded {
		return ExitSucceeded
	}
	return ExitFailed
}
