package application

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
	"github.com/magnetiq/service-booking-wizard/internal/platform/apperr"
	"github.com/magnetiq/service-booking-wizard/internal/platform/kafka"
)

// EventPublisher publishes CloudEvents. *kafka.Producer satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, key string, event kafka.CloudEvent) error
}

// ExpirySweeper is implemented by session storages that need expired entries purged.
type ExpirySweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// ServiceConfig holds the wizard service settings.
type ServiceConfig struct {
	Policy      wizard.Policy
	Preferences wizard.Preferences
	Strict      bool
	IdleTimeout time.Duration
	KeyPrefix   string
}

// OpenSessionRequest optionally overrides the default presentation preferences.
type OpenSessionRequest struct {
	Locale string `json:"locale" binding:"omitempty,max=35"`
	Theme  string `json:"theme" binding:"omitempty,oneof=light dark system"`
}

// ChangeFieldsRequest carries edits keyed by "<section>.<name>".
type ChangeFieldsRequest struct {
	Fields map[string]string `json:"fields" binding:"required"`
}

// JumpRequest names the step to navigate back to.
type JumpRequest struct {
	Step string `json:"step" binding:"required"`
}

// AvailabilityDTO lists bookable dates and slots.
type AvailabilityDTO struct {
	Dates        []string `json:"dates"`
	Slots        []string `json:"slots"`
	WindowDays   int      `json:"window_days"`
	WeekdaysOnly bool     `json:"weekdays_only"`
}

// FunnelDTO summarizes the live sessions held by this instance.
type FunnelDTO struct {
	ActiveSessions int            `json:"active_sessions"`
	ByStep         map[string]int `json:"by_step"`
	Submitting     int            `json:"submitting"`
	Failed         int            `json:"failed"`
	Confirmed      int            `json:"confirmed"`
}

// WizardService owns the live wizard sessions and translates HTTP and Kafka
// input into controller events.
type WizardService struct {
	registry  *wizard.Registry
	storage   wizard.SessionStorage
	api       wizard.BookingAPI
	publisher EventPublisher
	cfg       ServiceConfig
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*wizard.Controller
}

// NewWizardService creates a new WizardService. publisher may be nil.
func NewWizardService(
	registry *wizard.Registry,
	storage wizard.SessionStorage,
	api wizard.BookingAPI,
	publisher EventPublisher,
	cfg ServiceConfig,
	logger *zap.Logger,
) *WizardService {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "wizard:session:"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &WizardService{
		registry:  registry,
		storage:   storage,
		api:       api,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("wizard-service"),
		now:       time.Now,
		sessions:  make(map[uuid.UUID]*wizard.Controller),
	}
}

// OpenSession starts a fresh wizard session.
func (s *WizardService) OpenSession(ctx context.Context, req OpenSessionRequest) (*wizard.Snapshot, error) {
	prefs := s.cfg.Preferences
	if req.Locale != "" {
		prefs.Locale = req.Locale
	}
	if req.Theme != "" {
		prefs.Theme = req.Theme
	}

	id := uuid.New()
	ctrl, err := s.newController(id, prefs)
	if err != nil {
		return nil, apperr.NewInternalError("failed to open session", err)
	}
	snap, _ := ctrl.Open(ctx)

	s.mu.Lock()
	s.sessions[id] = ctrl
	s.mu.Unlock()

	s.logger.Info("session opened", zap.String("session_id", id.String()), zap.String("locale", prefs.Locale))
	return &snap, nil
}

// GetSession returns the snapshot of a session, resuming it from storage if needed.
func (s *WizardService) GetSession(ctx context.Context, id uuid.UUID) (*wizard.Snapshot, error) {
	return s.dispatch(ctx, id, func(c *wizard.Controller) (wizard.Snapshot, error) {
		return c.Snapshot(), nil
	})
}

// ChangeFields applies field edits.
func (s *WizardService) ChangeFields(ctx context.Context, id uuid.UUID, req ChangeFieldsRequest) (*wizard.Snapshot, error) {
	fields := make(map[wizard.FieldKey]string, len(req.Fields))
	for k, v := range req.Fields {
		if k == "" {
			return nil, apperr.NewValidationError("field keys must not be empty")
		}
		fields[wizard.FieldKey(k)] = v
	}
	return s.dispatch(ctx, id, func(c *wizard.Controller) (wizard.Snapshot, error) {
		return c.ChangeFields(fields)
	})
}

// Next advances the session when its current step validates.
func (s *WizardService) Next(ctx context.Context, id uuid.UUID) (*wizard.Snapshot, error) {
	return s.dispatch(ctx, id, func(c *wizard.Controller) (wizard.Snapshot, error) {
		before := c.Snapshot()
		snap, err := c.Next()
		if err == nil && snap.StepIndex > before.StepIndex {
			s.publishEvent(ctx, WizardStepCompleted, id, StepCompletedEvent{
				SessionID:  id,
				Step:       string(before.CurrentStep),
				StepIndex:  before.StepIndex,
				OccurredAt: s.now().UTC(),
			})
		}
		return snap, err
	})
}

// Back moves the session one step back.
func (s *WizardService) Back(ctx context.Context, id uuid.UUID) (*wizard.Snapshot, error) {
	return s.dispatch(ctx, id, func(c *wizard.Controller) (wizard.Snapshot, error) {
		return c.Back()
	})
}

// JumpTo moves the session back to a named step.
func (s *WizardService) JumpTo(ctx context.Context, id uuid.UUID, req JumpRequest) (*wizard.Snapshot, error) {
	return s.dispatch(ctx, id, func(c *wizard.Controller) (wizard.Snapshot, error) {
		return c.JumpTo(wizard.StepName(req.Step))
	})
}

// Submit books the session's draft. The Booking API call is detached from the
// caller's cancellation so a dropped connection cannot orphan a created booking.
func (s *WizardService) Submit(ctx context.Context, id uuid.UUID) (*wizard.Snapshot, error) {
	return s.dispatch(ctx, id, func(c *wizard.Controller) (wizard.Snapshot, error) {
		snap, err := c.Submit(context.WithoutCancel(ctx))
		if err == nil && snap.SubmissionStatus == wizard.StatusSucceeded {
			s.publishConfirmed(ctx, id, c, snap.BookingID, false)
		}
		return snap, err
	})
}

// Cancel abandons the session's booking attempt.
func (s *WizardService) Cancel(ctx context.Context, id uuid.UUID) (*wizard.Snapshot, error) {
	return s.dispatch(ctx, id, func(c *wizard.Controller) (wizard.Snapshot, error) {
		from := c.Snapshot().CurrentStep
		snap, err := c.Cancel()
		if err == nil {
			s.publishEvent(ctx, WizardCancelled, id, CancelledEvent{
				SessionID:  id,
				FromStep:   string(from),
				OccurredAt: s.now().UTC(),
			})
		}
		return snap, err
	})
}

// ReconcilePayment completes a session whose payment was confirmed out of band.
func (s *WizardService) ReconcilePayment(ctx context.Context, id uuid.UUID, bookingID string) (*wizard.Snapshot, error) {
	return s.dispatch(ctx, id, func(c *wizard.Controller) (wizard.Snapshot, error) {
		wasTerminal := s.registry.IsTerminal(c.Snapshot().StepIndex)
		snap, err := c.ReconcilePayment(bookingID)
		if err == nil && !wasTerminal {
			s.publishConfirmed(ctx, id, c, bookingID, true)
		}
		return snap, err
	})
}

// Steps returns the step sequence.
func (s *WizardService) Steps() []wizard.Step {
	return s.registry.Steps()
}

// Availability returns the bookable dates and slots as of now.
func (s *WizardService) Availability() AvailabilityDTO {
	p := s.cfg.Policy
	return AvailabilityDTO{
		Dates:        p.AvailableDates(s.now()),
		Slots:        append([]string(nil), p.Slots...),
		WindowDays:   p.WindowDays,
		WeekdaysOnly: p.WeekdaysOnly,
	}
}

// Funnel counts live sessions per step.
func (s *WizardService) Funnel() FunnelDTO {
	s.mu.Lock()
	ctrls := make([]*wizard.Controller, 0, len(s.sessions))
	for _, c := range s.sessions {
		ctrls = append(ctrls, c)
	}
	s.mu.Unlock()

	dto := FunnelDTO{ByStep: make(map[string]int, s.registry.TotalSteps())}
	for _, step := range s.registry.Steps() {
		dto.ByStep[string(step.Name)] = 0
	}
	for _, c := range ctrls {
		snap := c.Snapshot()
		dto.ActiveSessions++
		dto.ByStep[string(snap.CurrentStep)]++
		switch snap.SubmissionStatus {
		case wizard.StatusSubmitting:
			dto.Submitting++
		case wizard.StatusFailed:
			dto.Failed++
		case wizard.StatusSucceeded:
			dto.Confirmed++
		}
	}
	return dto
}

// EvictIdle closes sessions idle for longer than the configured timeout and purges
// expired entries from storages that need it. It returns the number of evicted sessions.
func (s *WizardService) EvictIdle(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.IdleTimeout)

	s.mu.Lock()
	var idle []*wizard.Controller
	for id, c := range s.sessions {
		if c.LastActive().Before(cutoff) {
			idle = append(idle, c)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	if len(idle) > 0 {
		s.logger.Info("evicted idle sessions", zap.Int("count", len(idle)))
	}

	if sweeper, ok := s.storage.(ExpirySweeper); ok {
		n, err := sweeper.DeleteExpired(ctx)
		if err != nil {
			s.logger.Warn("failed to purge expired sessions", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("purged expired sessions", zap.Int64("count", n))
		}
	}
	return len(idle)
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (s *WizardService) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EvictIdle(ctx)
		}
	}
}

// Shutdown closes every live session, flushing pending persistence.
func (s *WizardService) Shutdown() {
	s.mu.Lock()
	ctrls := s.sessions
	s.sessions = make(map[uuid.UUID]*wizard.Controller)
	s.mu.Unlock()

	for _, c := range ctrls {
		c.Close()
	}
	s.logger.Info("wizard sessions closed", zap.Int("count", len(ctrls)))
}

// ActiveSessionIDs returns the ids of the sessions held in memory, sorted.
func (s *WizardService) ActiveSessionIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// --- Helpers ---

// dispatch runs fn against the session's controller. A controller closed by a
// concurrent eviction is reloaded once.
func (s *WizardService) dispatch(ctx context.Context, id uuid.UUID, fn func(*wizard.Controller) (wizard.Snapshot, error)) (*wizard.Snapshot, error) {
	for attempt := 0; ; attempt++ {
		ctrl, err := s.controller(ctx, id)
		if err != nil {
			return nil, err
		}

		snap, err := fn(ctrl)
		if errors.Is(err, wizard.ErrClosed) && attempt == 0 {
			s.forget(id, ctrl)
			continue
		}
		if err != nil {
			return nil, s.translate(err)
		}
		return &snap, nil
	}
}

// controller returns the live controller for id, resuming it from storage.
func (s *WizardService) controller(ctx context.Context, id uuid.UUID) (*wizard.Controller, error) {
	s.mu.Lock()
	ctrl, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		return ctrl, nil
	}

	loaded, err := s.newController(id, s.cfg.Preferences)
	if err != nil {
		return nil, apperr.NewInternalError("failed to load session", err)
	}
	if _, resumed := loaded.Open(ctx); !resumed {
		loaded.Close()
		return nil, apperr.NewNotFoundError("Session", id.String())
	}

	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		loaded.Close()
		return existing, nil
	}
	s.sessions[id] = loaded
	s.mu.Unlock()
	return loaded, nil
}

func (s *WizardService) forget(id uuid.UUID, ctrl *wizard.Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[id] == ctrl {
		delete(s.sessions, id)
	}
}

func (s *WizardService) newController(id uuid.UUID, prefs wizard.Preferences) (*wizard.Controller, error) {
	store := wizard.NewDraftStore(s.cfg.KeyPrefix+id.String(), s.storage, wizard.StoreOptions{
		TTL:      s.cfg.Policy.SessionTTL,
		Debounce: s.cfg.Policy.Debounce,
		Now:      s.now,
	}, s.logger)

	return wizard.NewController(wizard.Config{
		SessionID:   id.String(),
		Registry:    s.registry,
		Store:       store,
		API:         s.api,
		Preferences: prefs,
		Strict:      s.cfg.Strict,
		Now:         s.now,
		Logger:      s.logger,
	})
}

// translate maps controller rejections onto application errors.
func (s *WizardService) translate(err error) error {
	var schemaErr *wizard.SchemaIntegrityError
	switch {
	case errors.As(err, &schemaErr):
		s.logger.Error("schema integrity violation", zap.Error(err))
		return apperr.NewInternalError("wizard misconfigured", err)
	case errors.Is(err, wizard.ErrSubmissionInFlight),
		errors.Is(err, wizard.ErrAtStart),
		errors.Is(err, wizard.ErrTerminal),
		errors.Is(err, wizard.ErrNotSubmissionStep),
		errors.Is(err, wizard.ErrSubmitRequired),
		errors.Is(err, wizard.ErrJumpAhead),
		errors.Is(err, wizard.ErrStaleResponse),
		errors.Is(err, wizard.ErrUnknownBooking),
		errors.Is(err, wizard.ErrInvalidTransition),
		errors.Is(err, wizard.ErrClosed):
		return apperr.NewConflictError(err.Error(), err)
	default:
		return apperr.NewInternalError("wizard event failed", err)
	}
}

func (s *WizardService) publishConfirmed(ctx context.Context, id uuid.UUID, c *wizard.Controller, bookingID string, reconciled bool) {
	draft := c.Draft()
	consultant, _ := draft.Get(wizard.FieldConsultantID)
	date, _ := draft.Get(wizard.FieldDate)
	slot, _ := draft.Get(wizard.FieldTimeSlot)

	s.publishEvent(ctx, WizardBookingConfirmed, id, BookingConfirmedEvent{
		SessionID:    id,
		BookingID:    bookingID,
		ConsultantID: consultant,
		Date:         date,
		TimeSlot:     slot,
		Reconciled:   reconciled,
		OccurredAt:   s.now().UTC(),
	})
}

func (s *WizardService) publishEvent(ctx context.Context, eventType string, id uuid.UUID, data interface{}) {
	if s.publisher == nil {
		return
	}

	cloudEvent, err := kafka.NewCloudEvent(EventSource, eventType, data)
	if err != nil {
		s.logger.Error("failed to create cloud event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return
	}

	if err := s.publisher.PublishEvent(ctx, TopicWizardEvents, id.String(), cloudEvent); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("topic", TopicWizardEvents),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

