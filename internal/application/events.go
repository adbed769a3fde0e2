package application

import (
	"time"

	"github.com/google/uuid"
)

// EventSource is the CloudEvents source of everything this service publishes.
const EventSource = "service-booking-wizard"

// TopicWizardEvents carries wizard lifecycle events.
const TopicWizardEvents = "wizard.events"

// Wizard lifecycle event types.
const (
	WizardStepCompleted    = "wizard.step_completed"
	WizardBookingConfirmed = "wizard.booking_confirmed"
	WizardCancelled        = "wizard.cancelled"
)

// StepCompletedEvent is published when a session leaves a step forward.
type StepCompletedEvent struct {
	SessionID  uuid.UUID `json:"session_id"`
	Step       string    `json:"step"`
	StepIndex  int       `json:"step_index"`
	OccurredAt time.Time `json:"occurred_at"`
}

// BookingConfirmedEvent is published when a session reaches confirmation.
type BookingConfirmedEvent struct {
	SessionID    uuid.UUID `json:"session_id"`
	BookingID    string    `json:"booking_id"`
	ConsultantID string    `json:"consultant_id"`
	Date         string    `json:"date"`
	TimeSlot     string    `json:"time_slot"`
	Reconciled   bool      `json:"reconciled"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// CancelledEvent is published when a user abandons the wizard.
type CancelledEvent struct {
	SessionID  uuid.UUID `json:"session_id"`
	FromStep   string    `json:"from_step"`
	OccurredAt time.Time `json:"occurred_at"`
}
