package wizard

import "context"

// DraftPayload is the body of a booking submission: the draft grouped by section.
type DraftPayload struct {
	SessionID string                        `json:"session_id"`
	Locale    string                        `json:"locale,omitempty"`
	Fields    map[Section]map[string]string `json:"fields"`
}

// SubmitResult is the outcome of SubmitDraft. BookingID is set only on success.
type SubmitResult struct {
	Success       bool          `json:"success"`
	BookingID     string        `json:"booking_id,omitempty"`
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
}

// PaymentResult is the outcome of ConfirmPayment.
type PaymentResult struct {
	Success       bool          `json:"success"`
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`
}

// BookingAPI is the external booking backend. Implementations report business
// rejections through the result and reserve the error for failures they could not
// classify; the controller treats such an error as CategoryUnknown.
type BookingAPI interface {
	SubmitDraft(ctx context.Context, payload DraftPayload) (SubmitResult, error)
	ConfirmPayment(ctx context.Context, bookingID, paymentToken string) (PaymentResult, error)
}
