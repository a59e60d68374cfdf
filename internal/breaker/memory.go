package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/SirClappington/orgsync/internal/domain"
)

// MemoryStore is the single-node fallback: same atomicity contract as the
// Redis store, enforced with a mutex instead of server-side scripts.
type MemoryStore struct {
	mu       sync.Mutex
	circuits map[string]domain.Circuit
	trips    map[string]int
	windows  map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		circuits: make(map[string]domain.Circuit),
		trips:    make(map[string]int),
		windows:  make(map[string][]time.Time),
	}
}

func (s *MemoryStore) Get(ctx context.Context, scope Scope, key string) (domain.Circuit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := circuitKey(scope, key)
	c, ok := s.circuits[k]
	if !ok {
		return domain.Circuit{State: domain.CircuitClosed}, nil
	}
	if c.OpenUntil != nil && !time.Now().Before(*c.OpenUntil) {
		delete(s.circuits, k)
		return domain.Circuit{State: domain.CircuitClosed}, nil
	}
	return c, nil
}

func (s *MemoryStore) Open(ctx context.Context, scope Scope, key string, event Event, openFor time.Duration, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := circuitKey(scope, key)
	s.trips[k]++
	until := time.Now().UTC().Add(openFor)
	s.circuits[k] = domain.Circuit{
		State:     domain.CircuitOpen,
		OpenUntil: &until,
		TripCount: s.trips[k],
		Reason:    reason,
	}
	return s.trips[k], nil
}

// RecordError appends a timestamp and counts those inside the trailing
// window, same contract as the zset script.
func (s *MemoryStore) RecordError(ctx context.Context, tenant string, method domain.Method) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := "errwin:" + MethodKey(tenant, method)
	cutoff := time.Now().Add(-ErrorWindow)
	kept := s.windows[key][:0]
	for _, ts := range s.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, time.Now())
	s.windows[key] = kept
	return int64(len(kept)), nil
}

func (s *MemoryStore) Clear(ctx context.Context, scope Scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.circuits, circuitKey(scope, key))
	return nil
}
