package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stocklend/locatesvc/internal/clock"
	"github.com/stocklend/locatesvc/internal/metrics"
)

// Origin describes where a value came from and how old it is.
type Origin struct {
	Layer   string // l1, l2, loader or flight
	Age     time.Duration
	Version int64
}

// flight is one in-progress load; concurrent misses for the same key wait
// on it instead of invoking the loader again. Fields other than done are
// written only by the leader before done closes.
type flight struct {
	done     chan struct{}
	layer    string
	payload  []byte
	version  int64
	storedAt time.Time
	err      error
}

// Layered is the read-through facade over L1 and L2. A nil L2 degrades to a
// process-local cache, which is how the loader path is exercised in tests
// and how the service behaves when Redis is unreachable.
type Layered struct {
	l1      *Memory
	l2      Level2
	channel string
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	flights map[string]*flight
}

// NewLayered assembles the cache facade. channel names the pub/sub topic
// used for cross-replica invalidations.
func NewLayered(l1 *Memory, l2 Level2, channel string, clk clock.Clock, m *metrics.Registry, logger zerolog.Logger) *Layered {
	if clk == nil {
		clk = clock.System()
	}
	if l1 == nil {
		l1 = NewMemory(0, clk)
	}
	return &Layered{
		l1:      l1,
		l2:      l2,
		channel: channel,
		clock:   clk,
		log:     logger.With().Str("component", "cache").Logger(),
		metrics: m,
		flights: make(map[string]*flight),
	}
}

// Ping reports whether the shared layer is reachable.
func (c *Layered) Ping(ctx context.Context) error {
	if c.l2 == nil {
		return fmt.Errorf("cache: no shared layer configured")
	}
	return c.l2.Ping(ctx)
}

// GetOrLoad returns the cached value for (ns, key), consulting L1, then L2,
// then running loader exactly once per process per in-flight miss. Loaded
// values are written back to L2 then L1; cache writes are best-effort and
// never fail the caller.
func GetOrLoad[T any](ctx context.Context, c *Layered, ns Namespace, key string, loader func(context.Context) (T, error)) (T, Origin, error) {
	var zero T
	full := ns.Key(key)
	now := c.clock.Now()

	if ns.L1TTL > 0 {
		if e, ok := c.l1.get(full); ok && e.age(now) <= ns.TTL {
			var v T
			if err := json.Unmarshal(e.payload, &v); err == nil {
				c.recordHit(ns, "l1")
				return v, Origin{Layer: "l1", Age: e.age(now), Version: e.version}, nil
			}
			c.l1.drop(full, 0)
		}
	}

	c.mu.Lock()
	if f, ok := c.flights[full]; ok {
		c.mu.Unlock()
		return awaitFlight[T](ctx, c, f)
	}
	f := &flight{done: make(chan struct{})}
	c.flights[full] = f
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.flights, full)
		c.mu.Unlock()
	}()

	c.lead(ctx, ns, full, f, func(ctx context.Context) ([]byte, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cache: encode %s: %w", ns.Name, err)
		}
		return payload, nil
	})

	if f.err != nil {
		return zero, Origin{}, f.err
	}
	var v T
	if err := json.Unmarshal(f.payload, &v); err != nil {
		return zero, Origin{}, fmt.Errorf("cache: decode %s: %w", ns.Name, err)
	}
	return v, Origin{Layer: f.layer, Age: c.clock.Now().Sub(f.storedAt), Version: f.version}, nil
}

// lead runs the leader side of a flight: L2 lookup, then the loader, then
// the write-backs. It always closes f.done, including on loader panic; a
// panicking loader leaves the entry absent and surfaces as an error to
// every waiter.
func (c *Layered) lead(ctx context.Context, ns Namespace, full string, f *flight, load func(context.Context) ([]byte, error)) {
	now := c.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("cache: loader for %s panicked: %v", ns.Name, r)
			c.log.Error().Str("key", full).Interface("panic", r).Msg("Cache loader panicked")
		}
		close(f.done)
	}()

	if c.l2 != nil {
		it, ok, err := c.l2.Get(ctx, full)
		switch {
		case err != nil:
			c.log.Warn().Err(err).Str("key", full).Msg("L2 read failed, bypassing to source")
		case ok && now.Sub(it.StoredAt) <= ns.TTL:
			f.layer = "l2"
			f.payload = it.Payload
			f.version = it.Version
			f.storedAt = it.StoredAt
			c.recordHit(ns, "l2")
			if ns.L1TTL > 0 {
				c.l1.set(full, entry{
					payload:    it.Payload,
					version:    it.Version,
					storedAt:   it.StoredAt,
					expiresAt:  now.Add(ns.L1TTL),
					accessedAt: now,
				})
			}
			return
		}
	}

	c.recordMiss(ns)

	payload, err := load(ctx)
	if err != nil {
		f.err = err
		return
	}

	f.layer = "loader"
	f.payload = payload
	f.storedAt = c.clock.Now()

	if c.l2 != nil {
		version, err := c.l2.Set(ctx, full, payload, f.storedAt, ns.PhysicalTTL())
		if err != nil {
			c.log.Warn().Err(err).Str("key", full).Msg("L2 cache write failed")
		} else {
			f.version = version
		}
	}
	if ns.L1TTL > 0 {
		c.l1.set(full, entry{
			payload:    payload,
			version:    f.version,
			storedAt:   f.storedAt,
			expiresAt:  now.Add(ns.L1TTL),
			accessedAt: now,
		})
	}
}

// awaitFlight parks a duplicate miss on the leader's flight. The waiter's
// own context still applies: a cancelled waiter leaves without disturbing
// the flight.
func awaitFlight[T any](ctx context.Context, c *Layered, f *flight) (T, Origin, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, Origin{}, ctx.Err()
	case <-f.done:
	}
	if f.err != nil {
		return zero, Origin{}, f.err
	}
	var v T
	if err := json.Unmarshal(f.payload, &v); err != nil {
		return zero, Origin{}, err
	}
	return v, Origin{Layer: "flight", Age: c.clock.Now().Sub(f.storedAt), Version: f.version}, nil
}

// GetStale serves the fallback read path: any entry younger than the
// namespace stale window qualifies, fresh or not. L2 is authoritative; L1
// answers only when L2 is unreachable.
func GetStale[T any](ctx context.Context, c *Layered, ns Namespace, key string) (T, time.Duration, bool) {
	var zero T
	full := ns.Key(key)
	now := c.clock.Now()

	if c.l2 != nil {
		it, ok, err := c.l2.Get(ctx, full)
		if err != nil {
			c.log.Warn().Err(err).Str("key", full).Msg("L2 stale read failed")
		} else if ok && now.Sub(it.StoredAt) <= ns.StaleWindow() {
			var v T
			if json.Unmarshal(it.Payload, &v) == nil {
				return v, now.Sub(it.StoredAt), true
			}
		}
	}

	if ns.L1TTL > 0 {
		if e, ok := c.l1.get(full); ok && e.age(now) <= ns.StaleWindow() {
			var v T
			if json.Unmarshal(e.payload, &v) == nil {
				return v, e.age(now), true
			}
		}
	}
	return zero, 0, false
}

// Put writes a value through both layers and, for pub/sub namespaces,
// notifies other replicas. Failures log and proceed; Put never fails the
// caller.
func Put[T any](ctx context.Context, c *Layered, ns Namespace, key string, value T) {
	full := ns.Key(key)
	now := c.clock.Now()

	payload, err := json.Marshal(value)
	if err != nil {
		c.log.Warn().Err(err).Str("key", full).Msg("Cache encode failed")
		return
	}

	var version int64
	if c.l2 != nil {
		version, err = c.l2.Set(ctx, full, payload, now, ns.PhysicalTTL())
		if err != nil {
			c.log.Warn().Err(err).Str("key", full).Msg("L2 cache write failed")
			version = 0
		}
	}

	if ns.L1TTL > 0 {
		c.l1.set(full, entry{
			payload:    payload,
			version:    version,
			storedAt:   now,
			expiresAt:  now.Add(ns.L1TTL),
			accessedAt: now,
		})
	}

	if ns.PubSub && c.l2 != nil {
		if err := c.l2.PublishInvalidation(ctx, c.channel, full, version); err != nil {
			c.log.Warn().Err(err).Str("key", full).Msg("Invalidation publish failed")
		}
	}
}

// Listen consumes invalidation messages until ctx is done. Entries are
// dropped only when the message's version is at least the local one, so a
// straggling invalidate never removes a newer write. Only the Redis backend
// carries a pub/sub channel; with any other Level2 there is nothing to hear.
func (c *Layered) Listen(ctx context.Context) {
	r, ok := c.l2.(*Redis)
	if !ok || c.channel == "" {
		return
	}

	pubsub := r.subscribe(ctx, c.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var inv invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				c.log.Debug().Str("payload", msg.Payload).Msg("Ignoring malformed invalidation")
				continue
			}
			c.l1.drop(inv.Key, inv.Version)
		}
	}
}

func (c *Layered) recordHit(ns Namespace, layer string) {
	if c.metrics != nil {
		c.metrics.RecordCacheHit(ns.Name, layer)
	}
}

func (c *Layered) recordMiss(ns Namespace) {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(ns.Name)
	}
}
