package cache

import (
	"context"
	"sync"
	"time"

	"github.com/stocklend/locatesvc/internal/clock"
)

// entry is one L1 slot. storedAt is the origin write time carried over from
// L2, not the local refresh time, so age checks survive the L1 hop.
type entry struct {
	payload    []byte
	version    int64
	storedAt   time.Time
	expiresAt  time.Time
	accessedAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// age reports how old the origin write is.
func (e entry) age(now time.Time) time.Duration {
	return now.Sub(e.storedAt)
}

// Memory is the process-local L1: a TTL map with a soft entry bound and
// oldest-access eviction. Reads take the write lock only when they touch
// access times, which Get does; the janitor sweeps expired slots so the map
// stays bounded even without traffic.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	clock      clock.Clock
}

// NewMemory builds an empty L1 bounded to maxEntries slots.
func NewMemory(maxEntries int, clk clock.Clock) *Memory {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Memory{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		clock:      clk,
	}
}

// get returns the live entry for key, expiring lazily.
func (m *Memory) get(key string) (entry, bool) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return entry{}, false
	}
	e.accessedAt = now
	m.entries[key] = e
	return e, true
}

// set stores an entry, evicting the least recently touched slot when full.
func (m *Memory) set(key string, e entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictOldestLocked()
	}
	m.entries[key] = e
}

// drop removes key if its version is not newer than version. Version zero
// drops unconditionally.
func (m *Memory) drop(key string, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return
	}
	if version == 0 || e.version <= version {
		delete(m.entries, key)
	}
}

func (m *Memory) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) evictOldestLocked() {
	var oldestKey string
	var oldestAccess time.Time
	first := true
	for k, e := range m.entries {
		if first || e.accessedAt.Before(oldestAccess) {
			oldestKey = k
			oldestAccess = e.accessedAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

// Janitor sweeps expired entries until ctx is done.
func (m *Memory) Janitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}
