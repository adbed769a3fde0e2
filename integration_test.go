//go:build integration

package main_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/magnetiq/service-booking-wizard/internal/application"
	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
	wizardEvents "github.com/magnetiq/service-booking-wizard/internal/events"
	"github.com/magnetiq/service-booking-wizard/internal/platform/kafka"
	"github.com/magnetiq/service-booking-wizard/internal/repository"
)

// TestSessionStorage_Backends runs the same storage contract against every
// persistent backend.
func TestSessionStorage_Backends(t *testing.T) {
	backends := map[string]func(t *testing.T) wizard.SessionStorage{
		"redis": func(t *testing.T) wizard.SessionStorage {
			return repository.NewRedisSessionStorage(startRedis(t), "test:")
		},
		"postgres": func(t *testing.T) wizard.SessionStorage {
			s := repository.NewGormSessionStorage(startPostgres(t))
			require.NoError(t, s.AutoMigrate())
			return s
		},
		"mongo": func(t *testing.T) wizard.SessionStorage {
			s := repository.NewMongoSessionStorage(startMongo(t))
			require.NoError(t, s.EnsureIndexes(context.Background()))
			return s
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			storage := open(t)
			ctx := context.Background()

			_, err := storage.Read(ctx, "missing")
			assert.True(t, errors.Is(err, wizard.ErrSessionNotFound), "got %v", err)

			require.NoError(t, storage.Write(ctx, "k", []byte(`{"version":1}`), time.Hour))
			require.NoError(t, storage.Write(ctx, "k", []byte(`{"version":1,"step_index":2}`), time.Hour))
			got, err := storage.Read(ctx, "k")
			require.NoError(t, err)
			assert.JSONEq(t, `{"version":1,"step_index":2}`, string(got))

			require.NoError(t, storage.Write(ctx, "short", []byte(`{}`), time.Second))
			require.Eventually(t, func() bool {
				_, err := storage.Read(ctx, "short")
				return errors.Is(err, wizard.ErrSessionNotFound)
			}, 10*time.Second, 200*time.Millisecond, "expired entry still readable")

			require.NoError(t, storage.Remove(ctx, "k"))
			require.NoError(t, storage.Remove(ctx, "k"))
			_, err = storage.Read(ctx, "k")
			assert.True(t, errors.Is(err, wizard.ErrSessionNotFound))

			if pinger, ok := storage.(interface{ Ping(context.Context) error }); ok {
				assert.NoError(t, pinger.Ping(ctx))
			}
		})
	}
}

// TestSession_SurvivesRestart verifies that a session written through one
// service instance resumes in another sharing the same Redis.
func TestSession_SurvivesRestart(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	first := newService(t, repository.NewRedisSessionStorage(client, "wizard:"), bookingBackend(t, uuid.New()), nil)
	snap, err := first.OpenSession(ctx, application.OpenSessionRequest{})
	require.NoError(t, err)
	id := uuid.MustParse(snap.SessionID)
	fillWizard(t, first, id)
	first.Shutdown()

	second := newService(t, repository.NewRedisSessionStorage(client, "wizard:"), bookingBackend(t, uuid.New()), nil)
	resumed, err := second.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wizard.StepPayment, resumed.CurrentStep)

	_, err = second.Cancel(ctx, id)
	require.NoError(t, err)
	second.Shutdown()

	third := newService(t, repository.NewRedisSessionStorage(client, "wizard:"), bookingBackend(t, uuid.New()), nil)
	_, err = third.GetSession(ctx, id)
	assert.Error(t, err, "cancelled session must not resume")
}

// TestPaymentConfirmed_ReconcilesSession verifies that a payment.confirmed event
// completes a session whose confirmation response reported the payment pending,
// and that the confirmation is published on wizard.events.
func TestPaymentConfirmed_ReconcilesSession(t *testing.T) {
	brokers := startKafka(t)
	storage := repository.NewGormSessionStorage(startPostgres(t))
	require.NoError(t, storage.AutoMigrate())

	bookingID := uuid.New()
	producer := kafka.NewProducer(brokers, zap.NewNop())
	defer func() { _ = producer.Close() }()
	svc := newService(t, storage, bookingBackend(t, bookingID), producer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap, err := svc.OpenSession(ctx, application.OpenSessionRequest{})
	require.NoError(t, err)
	sessionID := uuid.MustParse(snap.SessionID)
	fillWizard(t, svc, sessionID)

	snap, err = svc.Submit(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, wizard.StatusFailed, snap.SubmissionStatus)
	require.Equal(t, wizard.CategoryServiceUnavailable, snap.ErrorCategory)

	// Drop the live session so reconciliation has to resume it from Postgres.
	svc.Shutdown()

	consumer := wizardEvents.NewPaymentEventConsumer(brokers, fmt.Sprintf("test-wizard-%s", uuid.New().String()[:8]), svc, zap.NewNop())
	defer func() { _ = consumer.Close() }()
	go func() { _ = consumer.Start(ctx) }()
	time.Sleep(3 * time.Second) // Wait for consumer group join.

	publishTestEvent(t, brokers, wizardEvents.TopicPaymentEvents, bookingID.String(), "booking-backend",
		wizardEvents.PaymentConfirmed, wizardEvents.PaymentConfirmedEvent{BookingID: bookingID, SessionID: sessionID})

	require.Eventually(t, func() bool {
		snap, err := svc.GetSession(ctx, sessionID)
		return err == nil && snap.CurrentStep == wizard.StepConfirmation
	}, 15*time.Second, 200*time.Millisecond, "session was not reconciled")

	ce := consumeOneEvent(t, brokers, application.TopicWizardEvents, application.WizardBookingConfirmed, 15*time.Second)
	var confirmed application.BookingConfirmedEvent
	require.NoError(t, ce.ParseData(&confirmed))
	assert.Equal(t, sessionID, confirmed.SessionID)
	assert.Equal(t, bookingID.String(), confirmed.BookingID)
	assert.True(t, confirmed.Reconciled)
	assert.Equal(t, "14:00", confirmed.TimeSlot)
}
