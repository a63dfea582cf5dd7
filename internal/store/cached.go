package store

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/stocklend/locatesvc/internal/cache"
	"github.com/stocklend/locatesvc/internal/domain"
)

// Cached layers the shared cache over a Store. Reads go through the typed
// namespaces; when the database fails mid-request, identity-bearing rows
// (stocks, brokers, api keys) may still be served from the stale window.
// ErrNotFound is a real answer and never triggers the stale path: a missing
// row must not be papered over with an old one.
type Cached struct {
	inner Store
	cache *cache.Layered
	ns    cache.Namespaces
	log   zerolog.Logger
}

// NewCached wraps inner with the read-through layer.
func NewCached(inner Store, c *cache.Layered, ns cache.Namespaces, logger zerolog.Logger) *Cached {
	return &Cached{
		inner: inner,
		cache: c,
		ns:    ns,
		log:   logger.With().Str("component", "store").Logger(),
	}
}

// GetStock resolves a stock through the cache. A successful database load
// also refreshes the long-lived min_rate entry so the floor outlives the
// stock row's own cache window.
func (s *Cached) GetStock(ctx context.Context, ticker string) (domain.Stock, error) {
	stock, _, err := cache.GetOrLoad(ctx, s.cache, s.ns.Stock, ticker, func(ctx context.Context) (domain.Stock, error) {
		st, err := s.inner.GetStock(ctx, ticker)
		if err != nil {
			return domain.Stock{}, err
		}
		cache.Put(ctx, s.cache, s.ns.MinRate, ticker, st.MinBorrowRate)
		return st, nil
	})
	if err == nil {
		return stock, nil
	}
	if errors.Is(err, ErrNotFound) {
		return domain.Stock{}, err
	}

	if stale, age, ok := cache.GetStale[domain.Stock](ctx, s.cache, s.ns.Stock, ticker); ok {
		s.log.Warn().Err(err).Str("ticker", ticker).Dur("age", age).Msg("Serving stock from stale cache")
		return stale, nil
	}
	return domain.Stock{}, err
}

// GetBroker resolves an active broker through the cache.
func (s *Cached) GetBroker(ctx context.Context, clientID string) (domain.Broker, error) {
	broker, _, err := cache.GetOrLoad(ctx, s.cache, s.ns.BrokerConfig, clientID, func(ctx context.Context) (domain.Broker, error) {
		return s.inner.GetBroker(ctx, clientID)
	})
	if err == nil {
		return broker, nil
	}
	if errors.Is(err, ErrNotFound) {
		return domain.Broker{}, err
	}

	if stale, age, ok := cache.GetStale[domain.Broker](ctx, s.cache, s.ns.BrokerConfig, clientID); ok {
		s.log.Warn().Err(err).Str("client_id", clientID).Dur("age", age).Msg("Serving broker from stale cache")
		return stale, nil
	}
	return domain.Broker{}, err
}

// MinRate resolves the stored minimum borrow rate for ticker. The namespace
// holds the floor for a day, so floor clamps keep working long after the
// stock row itself has aged out of its window.
func (s *Cached) MinRate(ctx context.Context, ticker string) (decimal.Decimal, error) {
	rate, _, err := cache.GetOrLoad(ctx, s.cache, s.ns.MinRate, ticker, func(ctx context.Context) (decimal.Decimal, error) {
		st, err := s.inner.GetStock(ctx, ticker)
		if err != nil {
			return decimal.Zero, err
		}
		return st.MinBorrowRate, nil
	})
	return rate, err
}

// LatestVolatility reads the newest archived sample directly from the store.
// This is the fallback of the fallback; caching it would only mask fresher
// samples landing from ingestion.
func (s *Cached) LatestVolatility(ctx context.Context, ticker string) (domain.VolatilitySample, error) {
	return s.inner.LatestVolatility(ctx, ticker)
}

// GetAPIKey resolves a credential through the cache. Keys rotate rarely, so
// the stale window may answer during a database outage rather than failing
// every authenticated request.
func (s *Cached) GetAPIKey(ctx context.Context, keyHash string) (domain.APIKey, error) {
	key, _, err := cache.GetOrLoad(ctx, s.cache, s.ns.APIKey, keyHash, func(ctx context.Context) (domain.APIKey, error) {
		return s.inner.GetAPIKey(ctx, keyHash)
	})
	if err == nil {
		return key, nil
	}
	if errors.Is(err, ErrNotFound) {
		return domain.APIKey{}, err
	}

	if stale, age, ok := cache.GetStale[domain.APIKey](ctx, s.cache, s.ns.APIKey, keyHash); ok {
		s.log.Warn().Err(err).Dur("age", age).Msg("Serving api key from stale cache")
		return stale, nil
	}
	return domain.APIKey{}, err
}

// AppendAudit writes straight through; the audit trail is never cached.
func (s *Cached) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	return s.inner.AppendAudit(ctx, rec)
}
