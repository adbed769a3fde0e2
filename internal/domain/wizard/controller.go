package wizard

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config wires a Controller.
type Config struct {
	SessionID   string
	Registry    *Registry
	Store       *DraftStore
	API         BookingAPI
	Preferences Preferences

	// Strict turns schema integrity problems into returned errors instead of
	// logged no-ops.
	Strict bool

	Now    func() time.Time
	Logger *zap.Logger
}

// FieldState is one field of the current step as exposed to the presentation layer.
type FieldState struct {
	Key      FieldKey `json:"key"`
	Value    string   `json:"value"`
	Required bool     `json:"required"`
	Error    string   `json:"error,omitempty"`
}

// Snapshot is the read-only view of the wizard after an event.
type Snapshot struct {
	SessionID        string                        `json:"session_id"`
	CurrentStep      StepName                      `json:"current_step"`
	StepIndex        int                           `json:"step_index"`
	TotalSteps       int                           `json:"total_steps"`
	Fields           []FieldState                  `json:"fields"`
	Errors           map[FieldKey]ValidationResult `json:"errors,omitempty"`
	SubmissionStatus SubmissionStatus              `json:"submission_status"`
	ErrorCategory    ErrorCategory                 `json:"error_category,omitempty"`
	CanGoBack        bool                          `json:"can_go_back"`
	CanGoNext        bool                          `json:"can_go_next"`
	CanSubmit        bool                          `json:"can_submit"`
	BookingID        string                        `json:"booking_id,omitempty"`
	Preferences      Preferences                   `json:"preferences"`
}

// Controller is the booking wizard state machine for one session. Events are
// serialized; only Submit waits on the Booking API, and it does so without
// holding the state lock.
type Controller struct {
	id       string
	registry *Registry
	store    *DraftStore
	api      BookingAPI
	prefs    Preferences
	strict   bool
	now      func() time.Time
	logger   *zap.Logger

	mu         sync.Mutex
	index      int
	errors     map[FieldKey]ValidationResult
	status     SubmissionStatus
	category   ErrorCategory
	pendingID  string
	generation uint64
	closed     bool
	lastActive time.Time
}

// NewController creates a controller positioned on the first step. Call Open to
// resume a persisted session.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Registry == nil || cfg.Store == nil || cfg.API == nil {
		return nil, errors.New("wizard: registry, store and booking api are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{
		id:         cfg.SessionID,
		registry:   cfg.Registry,
		store:      cfg.Store,
		api:        cfg.API,
		prefs:      cfg.Preferences,
		strict:     cfg.Strict,
		now:        cfg.Now,
		logger:     cfg.Logger.Named("wizard").With(zap.String("session_id", cfg.SessionID)),
		errors:     make(map[FieldKey]ValidationResult),
		status:     StatusIdle,
		lastActive: cfg.Now(),
	}, nil
}

// Open restores the persisted session, if any, and reports whether one was found.
// A stored step index the registry cannot resume from is clamped to the
// submission step.
func (c *Controller) Open(ctx context.Context) (Snapshot, bool) {
	cursor, ok := c.store.Restore(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !ok {
		return c.snapshotLocked(), false
	}

	idx := cursor.StepIndex
	last := c.registry.SubmissionIndex()
	switch {
	case idx < 0:
		idx = 0
	case idx > last:
		c.logger.Warn("clamping restored step index",
			zap.Int("stored", idx),
			zap.Int("clamped", last),
		)
		idx = last
	}
	c.index = idx
	c.pendingID = cursor.PendingBookingID

	c.logger.Info("session resumed", zap.Int("step_index", idx))
	return c.snapshotLocked(), true
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// LastActive returns the time of the most recent event.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Snapshot returns the current view without dispatching an event.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Draft returns a copy of the draft.
func (c *Controller) Draft() *Draft {
	return c.store.Draft()
}

// FieldChanged applies a single field edit.
func (c *Controller) FieldChanged(key FieldKey, value string) (Snapshot, error) {
	return c.ChangeFields(map[FieldKey]string{key: value})
}

// ChangeFields merges edits into the draft and revalidates the known fields that
// changed. Keys outside the registry are stored without validation; read-only keys
// are ignored.
func (c *Controller) ChangeFields(fields map[FieldKey]string) (Snapshot, error) {
	if err := c.begin(); err != nil {
		return Snapshot{}, err
	}
	defer c.mu.Unlock()

	if c.status.InFlight() {
		return c.snapshotLocked(), ErrSubmissionInFlight
	}
	if c.registry.IsTerminal(c.index) {
		return c.snapshotLocked(), ErrTerminal
	}

	accepted := make(map[FieldKey]string, len(fields))
	for k, v := range fields {
		if k.ReadOnly() {
			c.logger.Debug("ignoring write to read-only field", zap.String("field", string(k)))
			continue
		}
		if old, ok := c.store.Get(k); ok && old == v {
			continue
		}
		accepted[k] = v
	}
	if len(accepted) == 0 {
		return c.snapshotLocked(), nil
	}
	c.store.Merge(accepted)
	c.dropPendingLocked(accepted)

	for k := range c.affectedFields(accepted) {
		spec, ok := c.registry.FieldSpec(k)
		if !ok {
			continue
		}
		value, _ := c.store.Get(k)
		res := c.validateField(spec, value)
		if res.Valid || strings.TrimSpace(value) == "" {
			delete(c.errors, k)
			continue
		}
		c.errors[k] = res
	}
	return c.snapshotLocked(), nil
}

// Next advances when every required field of the current step validates. On
// failure the step stays and every failing required field gets an error.
func (c *Controller) Next() (Snapshot, error) {
	if err := c.begin(); err != nil {
		return Snapshot{}, err
	}
	defer c.mu.Unlock()

	if c.status.InFlight() {
		return c.snapshotLocked(), ErrSubmissionInFlight
	}
	if c.registry.IsTerminal(c.index) {
		return c.snapshotLocked(), ErrTerminal
	}
	if c.index == c.registry.SubmissionIndex() {
		return c.snapshotLocked(), ErrSubmitRequired
	}

	step, _ := c.registry.Step(c.index)
	if !c.checkStepLocked(step) {
		c.logger.Debug("step incomplete", zap.String("step", string(step.Name)))
		return c.snapshotLocked(), nil
	}

	c.index++
	c.store.Checkpoint(c.cursorLocked())
	c.logger.Debug("step completed", zap.String("step", string(step.Name)))
	return c.snapshotLocked(), nil
}

// Back moves to the previous step. Entered data is kept.
func (c *Controller) Back() (Snapshot, error) {
	if err := c.begin(); err != nil {
		return Snapshot{}, err
	}
	defer c.mu.Unlock()

	if c.status.InFlight() {
		return c.snapshotLocked(), ErrSubmissionInFlight
	}
	if c.registry.IsTerminal(c.index) {
		return c.snapshotLocked(), ErrTerminal
	}
	if c.index == 0 {
		return c.snapshotLocked(), ErrAtStart
	}

	c.moveLocked(c.index - 1)
	return c.snapshotLocked(), nil
}

// JumpTo moves to a step at or before the current one. Nothing is revalidated.
func (c *Controller) JumpTo(name StepName) (Snapshot, error) {
	if err := c.begin(); err != nil {
		return Snapshot{}, err
	}
	defer c.mu.Unlock()

	if c.status.InFlight() {
		return c.snapshotLocked(), ErrSubmissionInFlight
	}
	if c.registry.IsTerminal(c.index) {
		return c.snapshotLocked(), ErrTerminal
	}

	step, ok := c.registry.StepByName(name)
	if !ok {
		err := schemaErrorf("jump to unknown step %q", name)
		if c.strict {
			return c.snapshotLocked(), err
		}
		c.logger.Warn("ignoring jump", zap.Error(err))
		return c.snapshotLocked(), nil
	}
	if step.Index > c.index {
		return c.snapshotLocked(), ErrJumpAhead
	}
	if step.Index != c.index {
		c.moveLocked(step.Index)
	}
	return c.snapshotLocked(), nil
}

// Submit books the draft and confirms payment. It is only accepted on the
// submission step and while no other submission is in flight. A booking created by
// an earlier attempt is reused so a payment retry never books twice.
func (c *Controller) Submit(ctx context.Context) (Snapshot, error) {
	if err := c.begin(); err != nil {
		return Snapshot{}, err
	}

	if c.status.InFlight() {
		defer c.mu.Unlock()
		return c.snapshotLocked(), ErrSubmissionInFlight
	}
	if c.registry.IsTerminal(c.index) {
		defer c.mu.Unlock()
		return c.snapshotLocked(), ErrTerminal
	}
	if c.index != c.registry.SubmissionIndex() {
		defer c.mu.Unlock()
		return c.snapshotLocked(), ErrNotSubmissionStep
	}

	for i := 0; i <= c.index; i++ {
		step, _ := c.registry.Step(i)
		if !c.checkStepLocked(step) {
			if i != c.index {
				c.logger.Info("submission blocked by earlier step", zap.String("step", string(step.Name)))
				c.moveLocked(i)
			}
			defer c.mu.Unlock()
			return c.snapshotLocked(), nil
		}
	}

	if err := c.transitionLocked(StatusSubmitting); err != nil {
		defer c.mu.Unlock()
		return c.snapshotLocked(), err
	}
	c.category = CategoryNone
	gen := c.generation
	bookingID := c.pendingID
	payload := c.payloadLocked()
	token, _ := c.store.Get(FieldPaymentToken)
	c.mu.Unlock()

	category := CategoryNone
	if bookingID == "" {
		res, err := c.api.SubmitDraft(ctx, payload)
		switch {
		case err != nil:
			c.logger.Warn("booking submission failed", zap.Error(err))
			category = categoryFor(err)
		case !res.Success:
			category = orUnknown(res.ErrorCategory)
		default:
			bookingID = res.BookingID
			if stale := c.recordPending(gen, bookingID); stale {
				return c.discardLate(bookingID)
			}
		}
	}

	if category == CategoryNone {
		res, err := c.api.ConfirmPayment(ctx, bookingID, token)
		switch {
		case err != nil:
			c.logger.Warn("payment confirmation failed", zap.Error(err), zap.String("booking_id", bookingID))
			category = categoryFor(err)
		case !res.Success:
			category = orUnknown(res.ErrorCategory)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.closed {
		c.logger.Info("discarding late booking response", zap.String("booking_id", bookingID))
		return c.snapshotLocked(), ErrStaleResponse
	}

	if category != CategoryNone {
		if err := c.transitionLocked(StatusFailed); err != nil {
			return c.snapshotLocked(), err
		}
		c.category = category
		c.logger.Info("submission failed", zap.String("category", string(category)))
		return c.snapshotLocked(), nil
	}

	if err := c.succeedLocked(bookingID); err != nil {
		return c.snapshotLocked(), err
	}
	return c.snapshotLocked(), nil
}

// ReconcilePayment completes a submission whose payment was confirmed out of band,
// for example when the confirmation response never reached the client. It only
// applies to the booking created by this session.
func (c *Controller) ReconcilePayment(bookingID string) (Snapshot, error) {
	if err := c.begin(); err != nil {
		return Snapshot{}, err
	}
	defer c.mu.Unlock()

	if c.registry.IsTerminal(c.index) {
		if current, _ := c.store.Get(FieldBookingID); current == bookingID {
			return c.snapshotLocked(), nil
		}
		return c.snapshotLocked(), ErrTerminal
	}
	if bookingID == "" || c.pendingID != bookingID {
		return c.snapshotLocked(), ErrUnknownBooking
	}

	if err := c.succeedLocked(bookingID); err != nil {
		return c.snapshotLocked(), err
	}
	// An in-flight submit for the same booking must not overwrite this outcome.
	c.generation++
	c.logger.Info("payment reconciled", zap.String("booking_id", bookingID))
	return c.snapshotLocked(), nil
}

// Cancel abandons the booking attempt from any state: the draft is cleared and the
// wizard returns to the first step. A submission in flight is orphaned.
func (c *Controller) Cancel() (Snapshot, error) {
	if err := c.begin(); err != nil {
		return Snapshot{}, err
	}
	defer c.mu.Unlock()

	c.resetLocked()
	c.logger.Info("wizard cancelled")
	return c.snapshotLocked(), nil
}

// Close tears the controller down. Pending persistence is flushed; a submission in
// flight will be discarded when it returns.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	c.mu.Unlock()

	c.store.Close()
}

// begin locks the controller for an event. On success the caller owns c.mu.
func (c *Controller) begin() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.lastActive = c.now()
	if !c.status.InFlight() && c.store.Expired() {
		c.logger.Info("draft expired, restarting")
		c.resetLocked()
	}
	return nil
}

func (c *Controller) resetLocked() {
	c.generation++
	c.store.Clear()
	c.index = 0
	c.errors = make(map[FieldKey]ValidationResult)
	c.idleLocked()
	c.pendingID = ""
}

// moveLocked changes step backwards. Leaving the submission step drops the failed
// state and any unpaid booking, since earlier answers may change.
func (c *Controller) moveLocked(index int) {
	if c.index == c.registry.SubmissionIndex() && index != c.index {
		c.idleLocked()
		c.pendingID = ""
	}
	c.index = index
	c.store.Checkpoint(c.cursorLocked())
}

// dropPendingLocked forgets an unpaid booking once an edit changes what was
// booked. Only the payment token travels outside the booking payload.
func (c *Controller) dropPendingLocked(accepted map[FieldKey]string) {
	if c.pendingID == "" {
		return
	}
	for k := range accepted {
		if k == FieldPaymentToken {
			continue
		}
		c.logger.Info("booked field changed, dropping pending booking",
			zap.String("field", string(k)), zap.String("booking_id", c.pendingID))
		c.pendingID = ""
		c.store.Checkpoint(c.cursorLocked())
		return
	}
}

// transitionLocked moves the submission status along validTransitions.
func (c *Controller) transitionLocked(target SubmissionStatus) error {
	if c.status == target {
		return nil
	}
	if !c.status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.status, target)
	}
	c.status = target
	return nil
}

// idleLocked clears the submission overlay. Every status may return to idle.
func (c *Controller) idleLocked() {
	if err := c.transitionLocked(StatusIdle); err != nil {
		c.logger.Error("resetting submission status", zap.Error(err))
		c.status = StatusIdle
	}
	c.category = CategoryNone
}

func (c *Controller) succeedLocked(bookingID string) error {
	if err := c.transitionLocked(StatusSucceeded); err != nil {
		return err
	}
	c.index = c.registry.TotalSteps() - 1
	c.category = CategoryNone
	c.pendingID = ""
	c.errors = make(map[FieldKey]ValidationResult)
	c.store.stamp(FieldBookingID, bookingID)
	c.store.Discard()
	c.logger.Info("booking confirmed", zap.String("booking_id", bookingID))
	return nil
}

func (c *Controller) recordPending(gen uint64, bookingID string) (stale bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.closed {
		return true
	}
	c.pendingID = bookingID
	c.store.Checkpoint(c.cursorLocked())
	return false
}

func (c *Controller) discardLate(bookingID string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Info("discarding late booking response", zap.String("booking_id", bookingID))
	return c.snapshotLocked(), ErrStaleResponse
}

func (c *Controller) cursorLocked() Cursor {
	return Cursor{StepIndex: c.index, PendingBookingID: c.pendingID}
}

// checkStepLocked validates the required fields of step, records the outcome in
// c.errors and reports whether all of them passed.
func (c *Controller) checkStepLocked(step Step) bool {
	ok := true
	for _, spec := range step.Fields {
		if !spec.Required {
			continue
		}
		value, _ := c.store.Get(spec.Key)
		res := c.validateField(spec, value)
		if res.Valid {
			delete(c.errors, spec.Key)
			continue
		}
		c.errors[spec.Key] = res
		ok = false
	}
	return ok
}

// stepValidLocked is checkStepLocked without recording errors.
func (c *Controller) stepValidLocked(step Step) bool {
	for _, spec := range step.Fields {
		if !spec.Required {
			continue
		}
		value, _ := c.store.Get(spec.Key)
		if !c.validateField(spec, value).Valid {
			return false
		}
	}
	return true
}

// validateField runs spec's rules in order and returns the first failure. Empty
// optional fields pass.
func (c *Controller) validateField(spec FieldSpec, value string) ValidationResult {
	if strings.TrimSpace(value) == "" {
		if spec.Required {
			return fail(ErrKeyRequired)
		}
		return pass()
	}
	for _, rule := range spec.Rules {
		if res := Validate(value, c.bind(rule)); !res.Valid {
			return res
		}
	}
	return pass()
}

// bind fills the per-evaluation parameters of a rule.
func (c *Controller) bind(rule Rule) Rule {
	switch rule.Kind {
	case RuleBookingDate:
		if rule.Now.IsZero() {
			rule.Now = c.now()
		}
	case RulePostalCode:
		if rule.Country == "" && rule.CountryField != "" {
			rule.Country, _ = c.store.Get(rule.CountryField)
		}
		if rule.Country == "" {
			rule.Country = c.prefs.Region()
		}
	}
	return rule
}

// affectedFields returns the changed keys plus the fields whose rules read one of them.
func (c *Controller) affectedFields(changed map[FieldKey]string) map[FieldKey]struct{} {
	out := make(map[FieldKey]struct{}, len(changed))
	for k := range changed {
		out[k] = struct{}{}
	}
	for _, step := range c.registry.Steps() {
		for _, spec := range step.Fields {
			for _, rule := range spec.Rules {
				if _, ok := changed[rule.CountryField]; ok && rule.CountryField != "" {
					if v, set := c.store.Get(spec.Key); set && v != "" {
						out[spec.Key] = struct{}{}
					}
				}
			}
		}
	}
	return out
}

func (c *Controller) payloadLocked() DraftPayload {
	fields := c.store.Draft().Sections()
	if pay, ok := fields[SectionPayment]; ok {
		delete(pay, FieldPaymentToken.Name())
	}
	delete(fields, SectionBooking)
	return DraftPayload{
		SessionID: c.id,
		Locale:    c.prefs.Locale,
		Fields:    fields,
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	step, _ := c.registry.Step(c.index)
	values := c.store.All()

	fields := make([]FieldState, 0, len(step.Fields))
	for _, spec := range step.Fields {
		fs := FieldState{Key: spec.Key, Value: values[spec.Key], Required: spec.Required}
		if res, ok := c.errors[spec.Key]; ok {
			fs.Error = res.ErrorKey
		}
		fields = append(fields, fs)
	}

	terminal := c.registry.IsTerminal(c.index)
	submission := c.index == c.registry.SubmissionIndex()
	inFlight := c.status.InFlight()

	return Snapshot{
		SessionID:        c.id,
		CurrentStep:      step.Name,
		StepIndex:        c.index,
		TotalSteps:       c.registry.TotalSteps(),
		Fields:           fields,
		Errors:           maps.Clone(c.errors),
		SubmissionStatus: c.status,
		ErrorCategory:    c.category,
		CanGoBack:        c.index > 0 && !terminal && !inFlight,
		CanGoNext:        !terminal && !submission && !inFlight && c.stepValidLocked(step),
		CanSubmit:        submission && !inFlight,
		BookingID:        values[FieldBookingID],
		Preferences:      c.prefs,
	}
}

func categoryFor(err error) ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryNetworkUnreachable
	}
	return CategoryUnknown
}

func orUnknown(cat ErrorCategory) ErrorCategory {
	if cat == CategoryNone {
		return CategoryUnknown
	}
	return cat
}
