package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stocklend/locatesvc/internal/clock"
)

// Item is one shared-layer slot: the encoded value, its monotonic version
// and the origin write time used for freshness and stale-window checks.
type Item struct {
	Payload  []byte
	Version  int64
	StoredAt time.Time
}

// Level2 is the shared cache backend behind every replica's L1. Redis is the
// production implementation; MemoryLevel2 keeps single-replica deployments
// and tests honest when no shared store is configured.
type Level2 interface {
	Ping(ctx context.Context) error

	// Get returns the live item for key; ok is false when absent or expired.
	Get(ctx context.Context, key string) (Item, bool, error)

	// Set writes key with the given physical TTL and returns the new version,
	// strictly greater than any version previously returned for the key while
	// it lived.
	Set(ctx context.Context, key string, payload []byte, storedAt time.Time, ttl time.Duration) (int64, error)

	// PublishInvalidation tells other replicas to drop their L1 copy of key.
	PublishInvalidation(ctx context.Context, channel, key string, version int64) error
}

// MemoryLevel2 is a process-local Level2 for deployments without Redis. It
// honors physical TTLs and version counters but has no replicas to notify,
// so PublishInvalidation is a no-op.
type MemoryLevel2 struct {
	mu    sync.Mutex
	slots map[string]l2slot
	clock clock.Clock
}

type l2slot struct {
	item      Item
	expiresAt time.Time
}

// NewMemoryLevel2 builds an empty in-process shared layer.
func NewMemoryLevel2(clk clock.Clock) *MemoryLevel2 {
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryLevel2{slots: make(map[string]l2slot), clock: clk}
}

func (m *MemoryLevel2) Ping(ctx context.Context) error { return nil }

func (m *MemoryLevel2) Get(ctx context.Context, key string) (Item, bool, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok {
		return Item{}, false, nil
	}
	if now.After(s.expiresAt) {
		delete(m.slots, key)
		return Item{}, false, nil
	}
	return s.item, true, nil
}

func (m *MemoryLevel2) Set(ctx context.Context, key string, payload []byte, storedAt time.Time, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("cache: non-positive ttl for %s", key)
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	version := int64(1)
	if s, ok := m.slots[key]; ok && !now.After(s.expiresAt) {
		version = s.item.Version + 1
	}
	m.slots[key] = l2slot{
		item:      Item{Payload: payload, Version: version, StoredAt: storedAt},
		expiresAt: now.Add(ttl),
	}
	return version, nil
}

func (m *MemoryLevel2) PublishInvalidation(ctx context.Context, channel, key string, version int64) error {
	return nil
}
