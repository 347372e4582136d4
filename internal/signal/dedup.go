package signal

import (
	"context"
	"sync"
	"time"
)

// Deduper records interaction keys. FirstSeen returns true exactly once per
// key within the retention window.
type Deduper interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// MemoryDeduper is an in-process Deduper with a retention window.
type MemoryDeduper struct {
	ttl   time.Duration
	clock func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time
	lastPurge time.Time
}

// NewMemoryDeduper creates a MemoryDeduper that forgets keys after ttl.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDeduper{
		ttl:   ttl,
		clock: time.Now,
		seen:  make(map[string]time.Time),
	}
}

// FirstSeen implements Deduper.
func (m *MemoryDeduper) FirstSeen(_ context.Context, key string) (bool, error) {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastPurge) > m.ttl/4 {
		for k, exp := range m.seen {
			if now.After(exp) {
				delete(m.seen, k)
			}
		}
		m.lastPurge = now
	}

	if exp, ok := m.seen[key]; ok && !now.After(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(m.ttl)
	return true, nil
}

// Len returns the number of retained keys.
func (m *MemoryDeduper) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
