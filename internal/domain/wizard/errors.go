package wizard

import (
	"errors"
	"fmt"
)

// Event rejections. They leave the wizard state untouched.
var (
	ErrSubmissionInFlight = errors.New("submission in flight")
	ErrAtStart            = errors.New("already at the first step")
	ErrTerminal           = errors.New("wizard is on its terminal step")
	ErrNotSubmissionStep  = errors.New("submit is only allowed on the submission step")
	ErrSubmitRequired     = errors.New("the submission step is left through submit")
	ErrJumpAhead          = errors.New("cannot jump past the current step")
	ErrStaleResponse      = errors.New("wizard was reset while the request was in flight")
	ErrClosed             = errors.New("wizard is closed")
	ErrUnknownBooking     = errors.New("booking does not match the pending submission")
	ErrInvalidTransition  = errors.New("invalid submission status transition")
)

// SchemaIntegrityError reports a misconfigured registry or a request for a step
// that does not exist. It is a programming error, never a user-facing one.
type SchemaIntegrityError struct {
	Reason string
}

func (e *SchemaIntegrityError) Error() string {
	return fmt.Sprintf("schema integrity: %s", e.Reason)
}

func schemaErrorf(format string, args ...any) *SchemaIntegrityError {
	return &SchemaIntegrityError{Reason: fmt.Sprintf(format, args...)}
}

// ErrorCategory is the user-facing reason a submission failed.
type ErrorCategory string

const (
	CategoryNone               ErrorCategory = ""
	CategorySlotUnavailable    ErrorCategory = "slot-no-longer-available"
	CategoryValidationRejected ErrorCategory = "validation-rejected-server-side"
	CategoryNetworkUnreachable ErrorCategory = "network-unreachable"
	CategoryPaymentDeclined    ErrorCategory = "payment-declined"
	CategoryServiceUnavailable ErrorCategory = "service-unavailable"
	CategoryUnknown            ErrorCategory = "unknown"
)
