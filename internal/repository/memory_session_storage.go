package repository

import (
	"context"
	"sync"
	"time"

	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemorySessionStorage keeps sessions in process memory. Entries vanish on restart.
type MemorySessionStorage struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemorySessionStorage creates an empty in-memory session storage.
func NewMemorySessionStorage() *MemorySessionStorage {
	return &MemorySessionStorage{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Read returns the stored value unless it is missing or expired.
func (s *MemorySessionStorage) Read(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, wizard.ErrSessionNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Write stores value until ttl elapses.
func (s *MemorySessionStorage) Write(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *MemorySessionStorage) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// DeleteExpired drops every expired entry and returns how many were removed.
func (s *MemorySessionStorage) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemorySessionStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
