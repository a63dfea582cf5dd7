package rates

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocklend/locatesvc/internal/cache"
	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/upstream"
)

// rateEntry is the borrow_rate cache payload. The read paths consume only
// Base and Status; Final and the adjustment inputs are recorded so a cached
// quote can be audited without replaying the calculation.
type rateEntry struct {
	Base   decimal.Decimal     `json:"base"`
	Status domain.BorrowStatus `json:"status"`
	Final  decimal.Decimal     `json:"final"`
	Vol    decimal.Decimal     `json:"vol"`
	Event  int                 `json:"event"`
	AsOf   time.Time           `json:"as_of"`
}

// baseResolution is the outcome of the borrow-rate chain.
type baseResolution struct {
	rate   decimal.Decimal
	status domain.BorrowStatus
	src    domain.Source
	err    error
}

// inputResolution is the outcome of the volatility or event-risk chain;
// those inputs always resolve to something.
type inputResolution struct {
	value decimal.Decimal
	risk  int
	src   domain.Source
}

// storedSample lazily reads the newest archived volatility sample once per
// calculation, shared between the volatility and event-risk chains so a
// double outage costs a single query.
type storedSample struct {
	store  Backing
	ticker string

	once sync.Once
	s    domain.VolatilitySample
	err  error
}

func (o *storedSample) get(ctx context.Context) (domain.VolatilitySample, error) {
	o.once.Do(func() { o.s, o.err = o.store.LatestVolatility(ctx, o.ticker) })
	return o.s, o.err
}

// resolveBase walks the borrow-rate chain: live quote, fresh cache, stale
// cache, stored minimum. Only a permanent provider rejection fails it.
func (e *Engine) resolveBase(ctx context.Context, stock domain.Stock, floor decimal.Decimal, floorSrc domain.Source) baseResolution {
	ticker := stock.Ticker

	ent, origin, err := cache.GetOrLoad(ctx, e.cache, e.ns.BorrowRate, ticker, func(ctx context.Context) (rateEntry, error) {
		q, err := e.seclend.BorrowRate(ctx, ticker)
		if err != nil {
			return rateEntry{}, err
		}
		return rateEntry{Base: q.Rate, Status: q.Status}, nil
	})
	switch {
	case err == nil:
		src := domain.SourceCache
		if origin.Layer == "loader" {
			src = domain.SourceAPI
		}
		return baseResolution{rate: ent.Base, status: ent.Status, src: src}
	case upstream.IsPermanent(err):
		return baseResolution{err: domain.Ef(domain.CodeExternalAPIUnavailable,
			"borrow rate lookup for %s was rejected upstream", ticker).WithCause(err)}
	}

	e.log.Warn().Err(err).Str("ticker", ticker).Msg("Live borrow rate unavailable, degrading")

	if ent, age, ok := cache.GetStale[rateEntry](ctx, e.cache, e.ns.BorrowRate, ticker); ok {
		e.recordFallback("borrow_rate", domain.SourceCache)
		e.log.Info().Str("ticker", ticker).Dur("age", age).Msg("Borrow rate served from stale cache")
		return baseResolution{rate: ent.Base, status: ent.Status, src: domain.SourceCache}
	}

	e.recordFallback("borrow_rate", floorSrc)
	e.log.Info().Str("ticker", ticker).Str("rate", floor.String()).Msg("Borrow rate fell back to stored minimum")
	return baseResolution{rate: floor, status: stock.BorrowStatus, src: floorSrc}
}

// resolveVolatility walks: live index, fresh cache, stale cache, archived
// sample, configured default. It cannot fail.
func (e *Engine) resolveVolatility(ctx context.Context, ticker string, sample *storedSample) inputResolution {
	q, origin, err := cache.GetOrLoad(ctx, e.cache, e.ns.Volatility, ticker, func(ctx context.Context) (upstream.VolQuote, error) {
		return e.vol.Index(ctx, ticker)
	})
	if err == nil {
		src := domain.SourceCache
		if origin.Layer == "loader" {
			src = domain.SourceAPI
		}
		return inputResolution{value: q.Value, src: src}
	}

	if stale, age, ok := cache.GetStale[upstream.VolQuote](ctx, e.cache, e.ns.Volatility, ticker); ok {
		e.recordFallback("volatility", domain.SourceCache)
		e.log.Debug().Str("ticker", ticker).Dur("age", age).Msg("Volatility served from stale cache")
		return inputResolution{value: stale.Value, src: domain.SourceCache}
	}

	if s, serr := sample.get(ctx); serr == nil && e.sampleUsable(s) {
		e.recordFallback("volatility", domain.SourceFallback)
		return inputResolution{value: s.VolIndex, src: domain.SourceFallback}
	}

	e.recordFallback("volatility", domain.SourceDefault)
	e.log.Debug().Err(err).Str("ticker", ticker).Msg("Volatility fell back to configured default")
	return inputResolution{value: e.volDefault, src: domain.SourceDefault}
}

// resolveEventRisk mirrors the volatility chain with a zero default: absent
// event data never blocks pricing, it just stops inflating it.
func (e *Engine) resolveEventRisk(ctx context.Context, ticker string, sample *storedSample) inputResolution {
	q, origin, err := cache.GetOrLoad(ctx, e.cache, e.ns.EventRisk, ticker, func(ctx context.Context) (upstream.EventRisk, error) {
		return e.events.Risk(ctx, ticker)
	})
	if err == nil {
		src := domain.SourceCache
		if origin.Layer == "loader" {
			src = domain.SourceAPI
		}
		return inputResolution{risk: clampRisk(q.Factor), src: src}
	}

	if stale, age, ok := cache.GetStale[upstream.EventRisk](ctx, e.cache, e.ns.EventRisk, ticker); ok {
		e.recordFallback("event_risk", domain.SourceCache)
		e.log.Debug().Str("ticker", ticker).Dur("age", age).Msg("Event risk served from stale cache")
		return inputResolution{risk: clampRisk(stale.Factor), src: domain.SourceCache}
	}

	if s, serr := sample.get(ctx); serr == nil && e.sampleUsable(s) {
		e.recordFallback("event_risk", domain.SourceFallback)
		return inputResolution{risk: clampRisk(s.EventRiskFactor), src: domain.SourceFallback}
	}

	e.recordFallback("event_risk", domain.SourceDefault)
	return inputResolution{risk: e.eventDefault, src: domain.SourceDefault}
}

// sampleUsable rejects archived samples older than the configured horizon;
// a stale enough observation is worse than the default.
func (e *Engine) sampleUsable(s domain.VolatilitySample) bool {
	if s.ObservedAt.IsZero() {
		return false
	}
	return e.clock.Now().Sub(s.ObservedAt) <= e.sampleMaxAge
}

func clampRisk(n int) int {
	if n < 0 {
		return 0
	}
	if n > 10 {
		return 10
	}
	return n
}

func (e *Engine) recordFallback(input string, src domain.Source) {
	if e.metrics != nil {
		e.metrics.RecordFallback(input, string(src))
	}
}
