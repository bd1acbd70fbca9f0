package liveness

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a thread-safe, process-local Store. It is the default for a
// single-process router and for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	beats map[string]time.Time
}

// NewMemoryStore creates an empty in-memory heartbeat store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		beats: make(map[string]time.Time),
	}
}

// Beat records a heartbeat. An older timestamp never overwrites a newer one.
func (s *MemoryStore) Beat(_ context.Context, consumerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.beats[consumerID]; ok && prev.After(at) {
		return nil
	}
	s.beats[consumerID] = at
	return nil
}

// LastBeat returns the latest heartbeat for consumerID.
func (s *MemoryStore) LastBeat(_ context.Context, consumerID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.beats[consumerID]
	if !ok {
		return time.Time{}, fmt.Errorf("consumer %q: %w", consumerID, ErrNoHeartbeat)
	}
	return at, nil
}

// Forget removes consumerID.
func (s *MemoryStore) Forget(_ context.Context, consumerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.beats, consumerID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
