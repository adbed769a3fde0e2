package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
	"github.com/magnetiq/service-booking-wizard/internal/platform/apperr"
	"github.com/magnetiq/service-booking-wizard/internal/platform/kafka"
)

type reconcileCall struct {
	sessionID uuid.UUID
	bookingID string
}

type fakeReconciler struct {
	calls []reconcileCall
	err   error
}

func (f *fakeReconciler) ReconcilePayment(_ context.Context, sessionID uuid.UUID, bookingID string) (*wizard.Snapshot, error) {
	f.calls = append(f.calls, reconcileCall{sessionID, bookingID})
	if f.err != nil {
		return nil, f.err
	}
	return &wizard.Snapshot{CurrentStep: wizard.StepConfirmation, BookingID: bookingID}, nil
}

func message(t *testing.T, eventType string, data interface{}) kafkago.Message {
	t.Helper()
	ce, err := kafka.NewCloudEvent("booking-backend", eventType, data)
	require.NoError(t, err)
	value, err := json.Marshal(ce)
	require.NoError(t, err)
	return kafkago.Message{Value: value}
}

func newTestConsumer(r PaymentReconciler) *PaymentEventConsumer {
	return &PaymentEventConsumer{service: r, logger: zap.NewNop()}
}

func TestHandleMessage_PaymentConfirmed(t *testing.T) {
	r := &fakeReconciler{}
	c := newTestConsumer(r)
	evt := PaymentConfirmedEvent{BookingID: uuid.New(), SessionID: uuid.New()}

	require.NoError(t, c.handleMessage(context.Background(), message(t, PaymentConfirmed, evt)))

	require.Len(t, r.calls, 1)
	assert.Equal(t, evt.SessionID, r.calls[0].sessionID)
	assert.Equal(t, evt.BookingID.String(), r.calls[0].bookingID)
}

func TestHandleMessage_SkipsWithoutRetry(t *testing.T) {
	tests := []struct {
		name string
		msg  func(t *testing.T) kafkago.Message
	}{
		{"malformed", func(*testing.T) kafkago.Message { return kafkago.Message{Value: []byte("{")} }},
		{"other type", func(t *testing.T) kafkago.Message { return message(t, "payment.refunded", map[string]string{}) }},
		{"bad payload", func(t *testing.T) kafkago.Message { return message(t, PaymentConfirmed, "nope") }},
		{"missing ids", func(t *testing.T) kafkago.Message {
			return message(t, PaymentConfirmed, PaymentConfirmedEvent{BookingID: uuid.New()})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeReconciler{}
			c := newTestConsumer(r)
			assert.NoError(t, c.handleMessage(context.Background(), tt.msg(t)))
			assert.Empty(t, r.calls)
		})
	}
}

func TestHandleMessage_ReconcileErrors(t *testing.T) {
	evt := PaymentConfirmedEvent{BookingID: uuid.New(), SessionID: uuid.New()}

	notFound := &fakeReconciler{err: apperr.NewNotFoundError("Session", evt.SessionID.String())}
	assert.NoError(t, newTestConsumer(notFound).handleMessage(context.Background(), message(t, PaymentConfirmed, evt)))

	conflict := &fakeReconciler{err: apperr.NewConflictError("unknown booking", wizard.ErrUnknownBooking)}
	assert.NoError(t, newTestConsumer(conflict).handleMessage(context.Background(), message(t, PaymentConfirmed, evt)))

	internal := &fakeReconciler{err: apperr.NewInternalError("storage down", errors.New("boom"))}
	assert.Error(t, newTestConsumer(internal).handleMessage(context.Background(), message(t, PaymentConfirmed, evt)))
}
