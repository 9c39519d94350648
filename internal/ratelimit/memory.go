package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery bounds how often expired keys are purged.
const sweepEvery = 1024

// MemoryCounterStore keeps counters in process. Use it for a single instance.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*Counter
	hits     int
}

// NewMemoryCounterStore creates an empty store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]*Counter)}
}

// Hit implements CounterStore.
func (m *MemoryCounterStore) Hit(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits++
	if m.hits%sweepEvery == 0 {
		m.sweep(now)
	}

	c, ok := m.counters[key]
	if !ok || !now.Before(c.ResetAt) {
		c = &Counter{Key: key, WindowStart: now, ResetAt: now.Add(window)}
		m.counters[key] = c
	}
	if c.Count <= limit {
		c.Count++
	}
	return *c, nil
}

// Len returns the number of tracked keys.
func (m *MemoryCounterStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

func (m *MemoryCounterStore) sweep(now time.Time) {
	for k, c := range m.counters {
		if !now.Before(c.ResetAt) {
			delete(m.counters, k)
		}
	}
}
