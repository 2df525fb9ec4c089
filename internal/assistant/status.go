package assistant

import "fmt"

// RunStatus is the lifecycle state of a hosted assistant run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
	RunRequiresAction RunStatus = "requires_action"
)

// UnknownStatusError reports a run status outside the known set.
type UnknownStatusError struct {
	Status string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("unrecognized run status %q", e.Status)
}

// ParseRunStatus validates a status string reported by the vendor.
func ParseRunStatus(s string) (RunStatus, error) {
	switch st := RunStatus(s); st {
	case RunQueued, RunInProgress, RunCancelling, RunCompleted, RunFailed,
		RunCancelled, RunExpired, RunIncomplete, RunRequiresAction:
		return st, nil
	default:
		return "", &UnknownStatusError{Status: s}
	}
}

// Pending reports whether the run may still change state on its own.
func (s RunStatus) Pending() bool {
	switch s {
	case RunQueued, RunInProgress, RunCancelling:
		return true
	}
	return false
}

// Terminal reports whether the run has finished, successfully or not.
func (s RunStatus) Terminal() bool {
	return !s.Pending()
}
