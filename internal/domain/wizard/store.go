package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSessionNotFound is returned by SessionStorage.Read for a missing or expired key.
var ErrSessionNotFound = errors.New("session not found")

// SessionStorage is the persistence capability behind the draft store.
// Write must drop the entry once ttl has elapsed.
type SessionStorage interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// StoreOptions tunes a DraftStore. Zero values fall back to defaults.
type StoreOptions struct {
	TTL          time.Duration
	Debounce     time.Duration
	WriteTimeout time.Duration
	Now          func() time.Time
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.TTL <= 0 {
		o.TTL = 4 * time.Hour
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Cursor is the controller position persisted alongside the draft.
type Cursor struct {
	StepIndex        int
	PendingBookingID string
}

const envelopeVersion = 1

type envelope struct {
	Version          int    `json:"version"`
	StepIndex        int    `json:"step_index"`
	PendingBookingID string `json:"pending_booking_id,omitempty"`
	Draft            *Draft `json:"draft"`
}

// DraftStore owns the in-memory draft of one wizard session and mirrors it to
// SessionStorage. Persistence runs in the background, in the order operations were
// issued, and never fails the caller.
type DraftStore struct {
	key     string
	storage SessionStorage
	opts    StoreOptions
	logger  *zap.Logger

	mu       sync.Mutex
	draft    *Draft
	cursor   Cursor
	timer    *time.Timer
	timerGen uint64
	seq      uint64
	closed   bool

	ioMu    sync.Mutex
	written uint64
	wg      sync.WaitGroup
}

// NewDraftStore creates a store holding an empty draft for key.
func NewDraftStore(key string, storage SessionStorage, opts StoreOptions, logger *zap.Logger) *DraftStore {
	opts = opts.withDefaults()
	return &DraftStore{
		key:     key,
		storage: storage,
		opts:    opts,
		logger:  logger.Named("draft-store").With(zap.String("session_key", key)),
		draft:   NewDraft(opts.Now(), opts.TTL),
	}
}

// Key returns the storage key of the session.
func (s *DraftStore) Key() string { return s.key }

// Merge shallow-merges fields into the draft and schedules a debounced persist.
func (s *DraftStore) Merge(fields map[FieldKey]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.draft.merge(fields, s.opts.Now()) {
		return
	}
	s.debounceLocked()
}

// Get returns the value stored for key.
func (s *DraftStore) Get(key FieldKey) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.Get(key)
}

// All returns a copy of every stored field.
func (s *DraftStore) All() map[FieldKey]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.Values()
}

// Draft returns a copy of the current draft.
func (s *DraftStore) Draft() *Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.clone()
}

// Expired reports whether the draft's window has passed.
func (s *DraftStore) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.Expired(s.opts.Now())
}

// Clear replaces the draft with an empty one and removes the persisted entry.
func (s *DraftStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked()
	s.draft = NewDraft(s.opts.Now(), s.opts.TTL)
	s.cursor = Cursor{}
	s.scheduleLocked(s.removeOp())
}

// Restore loads the persisted session. It reports false and keeps an empty draft
// when nothing usable is stored; expired or unreadable entries are removed.
func (s *DraftStore) Restore(ctx context.Context) (Cursor, bool) {
	raw, err := s.storage.Read(ctx, s.key)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			s.logger.Warn("failed to read persisted session", zap.Error(err))
		}
		return Cursor{}, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Draft == nil || env.Version != envelopeVersion {
		s.logger.Warn("discarding unreadable persisted session",
			zap.Int("version", env.Version),
			zap.Error(err),
		)
		s.mu.Lock()
		s.scheduleLocked(s.removeOp())
		s.mu.Unlock()
		return Cursor{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	if env.Draft.Expired(now) {
		s.logger.Info("persisted session expired",
			zap.Time("expires_at", env.Draft.ExpiresAt()),
		)
		s.draft = NewDraft(now, s.opts.TTL)
		s.cursor = Cursor{}
		s.scheduleLocked(s.removeOp())
		return Cursor{}, false
	}

	s.stopTimerLocked()
	s.draft = env.Draft
	s.cursor = Cursor{StepIndex: env.StepIndex, PendingBookingID: env.PendingBookingID}
	return s.cursor, true
}

// Checkpoint records the controller cursor and persists immediately.
func (s *DraftStore) Checkpoint(c Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor = c
	s.stopTimerLocked()
	s.persistLocked()
}

// Discard removes the persisted entry but keeps the in-memory draft.
func (s *DraftStore) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked()
	s.scheduleLocked(s.removeOp())
}

// stamp sets a value without scheduling a persist.
func (s *DraftStore) stamp(key FieldKey, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft.merge(map[FieldKey]string{key: value}, s.opts.Now())
}

// Flush forces a pending debounced persist and waits for all writes to finish.
func (s *DraftStore) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.stopTimerLocked()
		s.persistLocked()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Close flushes and stops accepting persistence work. The in-memory draft stays readable.
func (s *DraftStore) Close() {
	s.Flush()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *DraftStore) debounceLocked() {
	if s.opts.Debounce <= 0 {
		s.persistLocked()
		return
	}

	s.stopTimerLocked()
	gen := s.timerGen
	s.timer = time.AfterFunc(s.opts.Debounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.timerGen {
			return
		}
		s.timer = nil
		s.persistLocked()
	})
}

func (s *DraftStore) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *DraftStore) persistLocked() {
	now := s.opts.Now()
	ttl := s.draft.ExpiresAt().Sub(now)
	if ttl <= 0 {
		s.scheduleLocked(s.removeOp())
		return
	}

	value, err := json.Marshal(envelope{
		Version:          envelopeVersion,
		StepIndex:        s.cursor.StepIndex,
		PendingBookingID: s.cursor.PendingBookingID,
		Draft:            s.draft,
	})
	if err != nil {
		s.logger.Error("failed to encode session", zap.Error(err))
		return
	}

	s.scheduleLocked(func(ctx context.Context) error {
		if err := s.storage.Write(ctx, s.key, value, ttl); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		return nil
	})
}

func (s *DraftStore) removeOp() func(context.Context) error {
	return func(ctx context.Context) error {
		if err := s.storage.Remove(ctx, s.key); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return fmt.Errorf("remove: %w", err)
		}
		return nil
	}
}

// scheduleLocked runs op in the background. Operations apply in issue order; one
// overtaken by a later operation is skipped.
func (s *DraftStore) scheduleLocked(op func(context.Context) error) {
	if s.closed {
		return
	}
	s.seq++
	seq := s.seq

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.ioMu.Lock()
		defer s.ioMu.Unlock()
		if seq <= s.written {
			return
		}
		s.written = seq

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
		defer cancel()
		if err := op(ctx); err != nil {
			s.logger.Warn("session persistence failed", zap.Uint64("seq", seq), zap.Error(err))
		}
	}()
}
