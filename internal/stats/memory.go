// Package stats counts admission decisions per limiter.
//
// Recording is best-effort: callers log a failed Record and carry on, the
// decision itself is never affected by the stats backend.
package stats

import (
	"context"
	"sync"

	"agentgate/pkg/types"
)

// Counters is an allowed/denied pair
type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
	} else {
		c.Denied++
	}
}

// MemoryStore keeps counters in process. Nothing expires.
type MemoryStore struct {
	mu        sync.Mutex
	total     Counters
	byLimiter map[string]Counters
	byKey     map[string]Counters

	trackKeys bool
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryTrackKeys also counts per limiter key. Keys carry client IPs.
func WithMemoryTrackKeys(track bool) MemoryOption {
	return func(s *MemoryStore) { s.trackKeys = track }
}

// NewMemoryStore creates an empty store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byLimiter: make(map[string]Counters),
		byKey:     make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record counts one decision
func (s *MemoryStore) Record(_ context.Context, d types.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(d.Allowed)

	c := s.byLimiter[d.Limiter]
	c.add(d.Allowed)
	s.byLimiter[d.Limiter] = c

	if s.trackKeys && d.Key != "" {
		k := s.byKey[d.Key]
		k.add(d.Allowed)
		s.byKey[d.Key] = k
	}
	return nil
}

// Total returns counters across all limiters
func (s *MemoryStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// ByLimiter returns a copy of the per-limiter counters
func (s *MemoryStore) ByLimiter() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byLimiter))
	for k, v := range s.byLimiter {
		out[k] = v
	}
	return out
}

// ByKey returns a copy of the per-key counters; empty unless key tracking is on
func (s *MemoryStore) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byKey))
	for k, v := range s.byKey {
		out[k] = v
	}
	return out
}
