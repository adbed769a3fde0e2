package application

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
	"github.com/magnetiq/service-booking-wizard/internal/platform/apperr"
	"github.com/magnetiq/service-booking-wizard/internal/platform/kafka"
	"github.com/magnetiq/service-booking-wizard/internal/repository"
)

var epoch = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

const bookingID = "0f8fad5b-d9cb-469f-a165-70867728950e"

type stubAPI struct {
	mu     sync.Mutex
	submit wizard.SubmitResult
	pay    wizard.PaymentResult
}

func (a *stubAPI) SubmitDraft(context.Context, wizard.DraftPayload) (wizard.SubmitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submit, nil
}

func (a *stubAPI) ConfirmPayment(context.Context, string, string) (wizard.PaymentResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pay, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.CloudEvent
	keys   []string
	fail   error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, topic, key string, event kafka.CloudEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	if topic != TopicWizardEvents {
		return errors.New("unexpected topic " + topic)
	}
	p.events = append(p.events, event)
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	svc       *WizardService
	storage   *repository.MemorySessionStorage
	api       *stubAPI
	publisher *recordingPublisher
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	policy := wizard.DefaultPolicy()
	policy.Debounce = 0

	reg, err := wizard.NewRegistry(wizard.DefaultSteps(policy), true)
	require.NoError(t, err)

	f := &fixture{
		storage:   repository.NewMemorySessionStorage(),
		api:       &stubAPI{submit: wizard.SubmitResult{Success: true, BookingID: bookingID}, pay: wizard.PaymentResult{Success: true}},
		publisher: &recordingPublisher{},
		now:       epoch,
	}
	f.svc = NewWizardService(reg, f.storage, f.api, f.publisher, ServiceConfig{
		Policy:      policy,
		Preferences: wizard.Preferences{Locale: "de-DE", Theme: "light"},
		Strict:      true,
		IdleTimeout: 10 * time.Minute,
	}, zap.NewNop())
	f.svc.now = func() time.Time { return f.now }
	t.Cleanup(f.svc.Shutdown)
	return f
}

var input = []map[string]string{
	{"selection.consultantId": "c-42"},
	{"schedule.date": "2026-03-10", "schedule.timeSlot": "10:00"},
	{"contact.firstName": "Anna", "contact.lastName": "Berg", "contact.email": "anna@example.com"},
	{
		"billing.name": "Berg GmbH", "billing.street": "Hauptstr. 1", "billing.city": "Berlin",
		"billing.postalCode": "10115", "billing.country": "DE",
	},
	{"payment.method": "card", "payment.acceptTerms": "true", "payment.token": "tok_1"},
}

func (f *fixture) open(t *testing.T) uuid.UUID {
	t.Helper()
	snap, err := f.svc.OpenSession(context.Background(), OpenSessionRequest{})
	require.NoError(t, err)
	id, err := uuid.Parse(snap.SessionID)
	require.NoError(t, err)
	return id
}

// complete fills and advances every step up to payment, then fills payment.
func (f *fixture) complete(t *testing.T, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	for i, fields := range input {
		_, err := f.svc.ChangeFields(ctx, id, ChangeFieldsRequest{Fields: fields})
		require.NoError(t, err)
		if i == len(input)-1 {
			break
		}
		snap, err := f.svc.Next(ctx, id)
		require.NoError(t, err)
		require.Equal(t, i+1, snap.StepIndex, "errors: %v", snap.Errors)
	}
}

func fieldValue(snap *wizard.Snapshot, key wizard.FieldKey) string {
	for _, f := range snap.Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

func kindOf(t *testing.T, err error) apperr.Kind {
	t.Helper()
	appErr, ok := apperr.As(err)
	require.True(t, ok, "not an application error: %v", err)
	return appErr.Kind
}

func TestOpenSession_AppliesPreferenceOverrides(t *testing.T) {
	f := newFixture(t)

	snap, err := f.svc.OpenSession(context.Background(), OpenSessionRequest{Theme: "dark"})
	require.NoError(t, err)

	assert.Equal(t, wizard.StepConsultantSelection, snap.CurrentStep)
	assert.Equal(t, "dark", snap.Preferences.Theme)
	assert.Equal(t, "de-DE", snap.Preferences.Locale)
	assert.Len(t, f.svc.ActiveSessionIDs(), 1)
}

func TestGetSession_UnknownIsNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetSession(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, kindOf(t, err))
	assert.Empty(t, f.svc.ActiveSessionIDs())
}

func TestNext_PublishesStepCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.open(t)

	snap, err := f.svc.Next(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.StepIndex)
	assert.Empty(t, f.publisher.types(), "blocked next publishes nothing")

	_, err = f.svc.ChangeFields(ctx, id, ChangeFieldsRequest{Fields: input[0]})
	require.NoError(t, err)
	snap, err = f.svc.Next(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.StepIndex)

	require.Equal(t, []string{WizardStepCompleted}, f.publisher.types())
	var ev StepCompletedEvent
	require.NoError(t, f.publisher.events[0].ParseData(&ev))
	assert.Equal(t, id, ev.SessionID)
	assert.Equal(t, string(wizard.StepConsultantSelection), ev.Step)
	assert.Equal(t, id.String(), f.publisher.keys[0])
}

func TestSubmit_ConfirmsAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.open(t)
	f.complete(t, id)

	snap, err := f.svc.Submit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wizard.StepConfirmation, snap.CurrentStep)
	assert.Equal(t, bookingID, snap.BookingID)

	types := f.publisher.types()
	require.NotEmpty(t, types)
	assert.Equal(t, WizardBookingConfirmed, types[len(types)-1])

	var ev BookingConfirmedEvent
	require.NoError(t, f.publisher.events[len(types)-1].ParseData(&ev))
	assert.Equal(t, "c-42", ev.ConsultantID)
	assert.Equal(t, "2026-03-10", ev.Date)
	assert.Equal(t, "10:00", ev.TimeSlot)
	assert.False(t, ev.Reconciled)

	funnel := f.svc.Funnel()
	assert.Equal(t, 1, funnel.Confirmed)
	assert.Equal(t, 1, funnel.ByStep[string(wizard.StepConfirmation)])
}

func TestSubmit_OffPaymentStepIsConflict(t *testing.T) {
	f := newFixture(t)
	id := f.open(t)

	_, err := f.svc.Submit(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, kindOf(t, err))
	assert.Equal(t, http.StatusConflict, err.(*apperr.Error).StatusCode())
}

func TestSubmit_PublishFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	f.publisher.fail = errors.New("broker down")
	id := f.open(t)
	f.complete(t, id)

	snap, err := f.svc.Submit(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusSucceeded, snap.SubmissionStatus)
}

func TestReconcilePayment_AfterDeclinedConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.pay = wizard.PaymentResult{ErrorCategory: wizard.CategoryServiceUnavailable}
	id := f.open(t)
	f.complete(t, id)

	snap, err := f.svc.Submit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wizard.StatusFailed, snap.SubmissionStatus)

	_, err = f.svc.ReconcilePayment(ctx, id, uuid.NewString())
	assert.Equal(t, apperr.KindConflict, kindOf(t, err))

	snap, err = f.svc.ReconcilePayment(ctx, id, bookingID)
	require.NoError(t, err)
	assert.Equal(t, wizard.StepConfirmation, snap.CurrentStep)

	// Redelivery is idempotent and publishes nothing new.
	before := len(f.publisher.types())
	_, err = f.svc.ReconcilePayment(ctx, id, bookingID)
	require.NoError(t, err)
	assert.Len(t, f.publisher.types(), before)

	var ev BookingConfirmedEvent
	require.NoError(t, f.publisher.events[before-1].ParseData(&ev))
	assert.True(t, ev.Reconciled)
}

func TestCancel_ResetsAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.open(t)
	f.complete(t, id)

	snap, err := f.svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.StepIndex)
	assert.Empty(t, fieldValue(snap, wizard.FieldConsultantID))

	types := f.publisher.types()
	assert.Equal(t, WizardCancelled, types[len(types)-1])
}

func TestEvictIdle_ResumesFromStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.open(t)

	_, err := f.svc.ChangeFields(ctx, id, ChangeFieldsRequest{Fields: input[0]})
	require.NoError(t, err)
	_, err = f.svc.Next(ctx, id)
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)
	assert.Equal(t, 1, f.svc.EvictIdle(ctx))
	assert.Empty(t, f.svc.ActiveSessionIDs())

	snap, err := f.svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wizard.StepDateTimeSelection, snap.CurrentStep)
	assert.Equal(t, []uuid.UUID{id}, f.svc.ActiveSessionIDs())

	snap, err = f.svc.Back(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "c-42", fieldValue(snap, wizard.FieldConsultantID))
}

func TestEvictIdle_KeepsActiveSessions(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	f.now = f.now.Add(5 * time.Minute)
	assert.Zero(t, f.svc.EvictIdle(context.Background()))
	assert.Len(t, f.svc.ActiveSessionIDs(), 1)
}

func TestJumpTo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.open(t)
	f.complete(t, id)

	snap, err := f.svc.JumpTo(ctx, id, JumpRequest{Step: string(wizard.StepContactInformation)})
	require.NoError(t, err)
	assert.Equal(t, wizard.StepContactInformation, snap.CurrentStep)

	_, err = f.svc.JumpTo(ctx, id, JumpRequest{Step: string(wizard.StepPayment)})
	assert.Equal(t, apperr.KindConflict, kindOf(t, err))

	snap, err = f.svc.Back(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wizard.StepDateTimeSelection, snap.CurrentStep)
}

func TestChangeFields_RejectsEmptyKey(t *testing.T) {
	f := newFixture(t)
	id := f.open(t)

	_, err := f.svc.ChangeFields(context.Background(), id, ChangeFieldsRequest{Fields: map[string]string{"": "x"}})
	assert.Equal(t, apperr.KindValidation, kindOf(t, err))
}

func TestAvailability(t *testing.T) {
	f := newFixture(t)

	a := f.svc.Availability()
	assert.Equal(t, []string{"10:00", "14:00"}, a.Slots)
	assert.Equal(t, 21, a.WindowDays)
	assert.True(t, a.WeekdaysOnly)
	require.NotEmpty(t, a.Dates)
	assert.Equal(t, "2026-03-05", a.Dates[0])
}

func TestSteps(t *testing.T) {
	f := newFixture(t)

	steps := f.svc.Steps()
	require.Len(t, steps, 6)
	assert.Equal(t, wizard.StepConsultantSelection, steps[0].Name)
	assert.True(t, steps[len(steps)-1].Terminal)
}
