package events

import (
	"context"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
	"github.com/magnetiq/service-booking-wizard/internal/platform/apperr"
	"github.com/magnetiq/service-booking-wizard/internal/platform/kafka"
)

// TopicPaymentEvents carries payment outcomes reported by the booking backend.
const TopicPaymentEvents = "payment.events"

// PaymentConfirmed is the event type for a payment the backend settled.
const PaymentConfirmed = "payment.confirmed"

// PaymentConfirmedEvent is the payload of a payment.confirmed event.
type PaymentConfirmedEvent struct {
	BookingID uuid.UUID `json:"booking_id"`
	SessionID uuid.UUID `json:"session_id"`
}

// PaymentReconciler completes sessions whose payment was confirmed out of band.
type PaymentReconciler interface {
	ReconcilePayment(ctx context.Context, sessionID uuid.UUID, bookingID string) (*wizard.Snapshot, error)
}

// PaymentEventConsumer listens to payment events and reconciles wizard sessions
// whose confirmation response was lost.
type PaymentEventConsumer struct {
	consumer *kafka.Consumer
	service  PaymentReconciler
	logger   *zap.Logger
}

// NewPaymentEventConsumer creates a new PaymentEventConsumer.
func NewPaymentEventConsumer(
	brokers []string,
	groupID string,
	service PaymentReconciler,
	logger *zap.Logger,
) *PaymentEventConsumer {
	consumer := kafka.NewConsumer(brokers, groupID, TopicPaymentEvents, logger)
	return &PaymentEventConsumer{
		consumer: consumer,
		service:  service,
		logger:   logger.Named("payment-consumer"),
	}
}

// Start begins consuming payment events. This blocks until the context is cancelled.
func (c *PaymentEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Consume(ctx, c.handleMessage)
}

// Close closes the underlying Kafka consumer.
func (c *PaymentEventConsumer) Close() error {
	return c.consumer.Close()
}

func (c *PaymentEventConsumer) handleMessage(ctx context.Context, msg kafkago.Message) error {
	cloudEvent, err := kafka.ParseCloudEvent(msg.Value)
	if err != nil {
		c.logger.Error("failed to parse cloud event from payment topic",
			zap.Error(err),
			zap.String("raw", string(msg.Value)),
		)
		return nil // Don't retry malformed messages
	}

	switch cloudEvent.Type {
	case PaymentConfirmed:
		return c.handlePaymentConfirmed(ctx, cloudEvent)
	default:
		c.logger.Debug("ignoring unhandled payment event type",
			zap.String("type", cloudEvent.Type),
		)
		return nil
	}
}

func (c *PaymentEventConsumer) handlePaymentConfirmed(ctx context.Context, cloudEvent kafka.CloudEvent) error {
	var evt PaymentConfirmedEvent
	if err := cloudEvent.ParseData(&evt); err != nil {
		c.logger.Error("failed to parse PaymentConfirmedEvent data", zap.Error(err))
		return nil
	}
	if evt.SessionID == uuid.Nil || evt.BookingID == uuid.Nil {
		c.logger.Warn("payment confirmation without session or booking id",
			zap.String("session_id", evt.SessionID.String()),
			zap.String("booking_id", evt.BookingID.String()),
		)
		return nil
	}

	_, err := c.service.ReconcilePayment(ctx, evt.SessionID, evt.BookingID.String())
	if err != nil {
		// Sessions that are gone or never created this booking cannot be helped by a retry.
		if appErr, ok := apperr.As(err); ok && appErr.Kind != apperr.KindInternal {
			c.logger.Info("payment confirmation not applicable",
				zap.String("session_id", evt.SessionID.String()),
				zap.String("booking_id", evt.BookingID.String()),
				zap.String("reason", appErr.Message),
			)
			return nil
		}
		c.logger.Error("failed to reconcile payment",
			zap.String("session_id", evt.SessionID.String()),
			zap.Error(err),
		)
		return err
	}

	c.logger.Info("payment reconciled from event",
		zap.String("session_id", evt.SessionID.String()),
		zap.String("booking_id", evt.BookingID.String()),
	)
	return nil
}
