package wizard

// SubmissionStatus tracks the submission overlay on the payment step.
type SubmissionStatus string

const (
	StatusIdle       SubmissionStatus = "idle"
	StatusSubmitting SubmissionStatus = "submitting"
	StatusSucceeded  SubmissionStatus = "succeeded"
	StatusFailed     SubmissionStatus = "failed"
)

// validTransitions defines the state machine for submission status transitions.
// Any status may return to idle through cancel or back navigation. Idle and
// failed reach succeeded when a payment is reconciled out of band.
var validTransitions = map[SubmissionStatus][]SubmissionStatus{
	StatusIdle:       {StatusSubmitting, StatusSucceeded},
	StatusSubmitting: {StatusSucceeded, StatusFailed, StatusIdle},
	StatusFailed:     {StatusSubmitting, StatusSucceeded, StatusIdle},
	StatusSucceeded:  {StatusIdle},
}

// IsValid returns true if the status is a recognized submission status.
func (s SubmissionStatus) IsValid() bool {
	_, exists := validTransitions[s]
	return exists
}

// CanTransitionTo returns true if a transition from this status to the target is allowed.
func (s SubmissionStatus) CanTransitionTo(target SubmissionStatus) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// InFlight returns true while a Booking API call is outstanding.
func (s SubmissionStatus) InFlight() bool {
	return s == StatusSubmitting
}

// String returns the string representation of the status.
func (s SubmissionStatus) String() string {
	return string(s)
}
