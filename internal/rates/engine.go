// Package rates derives the effective annual borrow rate for a ticker. The
// engine fans out to the three market-data providers, walks each input's
// fallback chain when its provider is unhealthy, applies the volatility and
// event-risk adjustments and the minimum-rate floor, and tags every output
// with per-input provenance for the audit trail.
package rates

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/stocklend/locatesvc/internal/cache"
	"github.com/stocklend/locatesvc/internal/clock"
	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/metrics"
	"github.com/stocklend/locatesvc/internal/money"
	"github.com/stocklend/locatesvc/internal/store"
	"github.com/stocklend/locatesvc/internal/upstream"
)

// Backing is the slice of the data layer the engine reads.
type Backing interface {
	GetStock(ctx context.Context, ticker string) (domain.Stock, error)
	MinRate(ctx context.Context, ticker string) (decimal.Decimal, error)
	LatestVolatility(ctx context.Context, ticker string) (domain.VolatilitySample, error)
}

// BorrowRateSource quotes live borrow rates.
type BorrowRateSource interface {
	BorrowRate(ctx context.Context, ticker string) (upstream.BorrowQuote, error)
}

// VolatilitySource quotes the current volatility index.
type VolatilitySource interface {
	Index(ctx context.Context, ticker string) (upstream.VolQuote, error)
}

// EventRiskSource quotes the near-term event risk factor.
type EventRiskSource interface {
	Risk(ctx context.Context, ticker string) (upstream.EventRisk, error)
}

// Publisher receives freshly quoted rates for fan-out to stream clients.
type Publisher interface {
	PublishRate(ctx context.Context, ticker string, rate decimal.Decimal, asOf time.Time) error
}

// Deps wires the engine's collaborators. Publisher, Clock and Metrics are
// optional.
type Deps struct {
	Store      Backing
	Cache      *cache.Layered
	Namespaces cache.Namespaces
	SecLend    BorrowRateSource
	Volatility VolatilitySource
	Events     EventRiskSource
	Publisher  Publisher
	Clock      clock.Clock
	Metrics    *metrics.Registry
	Log        zerolog.Logger
}

// Engine computes adjusted borrow rates.
type Engine struct {
	store   Backing
	cache   *cache.Layered
	ns      cache.Namespaces
	seclend BorrowRateSource
	vol     VolatilitySource
	events  EventRiskSource
	pub     Publisher
	clock   clock.Clock
	metrics *metrics.Registry
	log     zerolog.Logger

	floorDefault decimal.Decimal
	volDefault   decimal.Decimal
	eventDefault int
	vf           decimal.Decimal
	ef           decimal.Decimal
	hardPremium  decimal.Decimal
	sampleMaxAge time.Duration
}

// New builds the engine from pricing config. Decimal literals in the config
// are parsed once here; a malformed value is a startup error, never a
// per-request one.
func New(cfg config.Pricing, d Deps) (*Engine, error) {
	e := &Engine{
		store:        d.Store,
		cache:        d.Cache,
		ns:           d.Namespaces,
		seclend:      d.SecLend,
		vol:          d.Volatility,
		events:       d.Events,
		pub:          d.Publisher,
		clock:        d.Clock,
		metrics:      d.Metrics,
		log:          d.Log.With().Str("component", "rates").Logger(),
		eventDefault: clampRisk(cfg.DefaultEventRiskFactor),
		sampleMaxAge: cfg.StoredSampleMaxAge(),
	}
	if e.clock == nil {
		e.clock = clock.System()
	}

	var err error
	if e.floorDefault, err = money.Parse(cfg.MinBorrowRate); err != nil {
		return nil, err
	}
	if e.volDefault, err = money.Parse(cfg.DefaultVolatilityIndex); err != nil {
		return nil, err
	}
	if e.vf, err = money.Parse(cfg.VolatilityFactor); err != nil {
		return nil, err
	}
	if e.ef, err = money.Parse(cfg.EventRiskMultiplier); err != nil {
		return nil, err
	}
	if e.hardPremium, err = money.Parse(cfg.HardToBorrowPremium); err != nil {
		return nil, err
	}
	return e, nil
}

// Resolve produces the effective annual borrow rate for ticker.
//
// The stock row is the precondition: an unknown ticker fails immediately and
// triggers no provider traffic. The three market inputs then resolve
// concurrently under the caller's deadline; each walks its own fallback
// chain, so the request fails only when the borrow-rate chain is exhausted
// or a provider rejects the ticker outright.
func (e *Engine) Resolve(ctx context.Context, ticker string) (domain.AdjustedRate, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	stock, err := e.store.GetStock(ctx, ticker)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.AdjustedRate{}, domain.Ef(domain.CodeTickerNotFound,
				"ticker %s is not in the securities master", ticker)
		}
		return domain.AdjustedRate{}, domain.E(domain.CodeInternalError,
			"stock lookup failed").WithCause(err)
	}

	floor, floorSrc := e.floorFor(ctx, stock)

	sample := &storedSample{store: e.store, ticker: stock.Ticker}
	var (
		base baseResolution
		vol  inputResolution
		evt  inputResolution
		wg   sync.WaitGroup
	)
	wg.Add(3)
	go func() { defer wg.Done(); base = e.resolveBase(ctx, stock, floor, floorSrc) }()
	go func() { defer wg.Done(); vol = e.resolveVolatility(ctx, stock.Ticker, sample) }()
	go func() { defer wg.Done(); evt = e.resolveEventRisk(ctx, stock.Ticker, sample) }()
	wg.Wait()

	if base.err != nil {
		return domain.AdjustedRate{}, base.err
	}
	return e.compose(ctx, stock, base, vol, evt, floor)
}

// floorFor resolves the minimum-rate floor: the long-lived min_rate cache
// entry first, the stock row second, the configured global floor last.
func (e *Engine) floorFor(ctx context.Context, stock domain.Stock) (decimal.Decimal, domain.Source) {
	if rate, err := e.store.MinRate(ctx, stock.Ticker); err == nil && rate.IsPositive() {
		return rate, domain.SourceStoredMinimum
	}
	if stock.MinBorrowRate.IsPositive() {
		return stock.MinBorrowRate, domain.SourceStoredMinimum
	}
	return e.floorDefault, domain.SourceDefault
}

// compose applies the adjustment formula and the floor, caches and publishes
// freshly quoted rates, and assembles the provenance-tagged result.
func (e *Engine) compose(ctx context.Context, stock domain.Stock, base baseResolution, vol, evt inputResolution, floor decimal.Decimal) (domain.AdjustedRate, error) {
	one := decimal.NewFromInt(1)
	ten := decimal.NewFromInt(10)

	// adjusted = base × (1 + vol×Vf + (risk/10)×Ef)
	vTerm, err := money.Mul(vol.value, e.vf)
	if err != nil {
		return domain.AdjustedRate{}, adjustErr(err)
	}
	eTenth, err := money.Div(decimal.NewFromInt(int64(evt.risk)), ten)
	if err != nil {
		return domain.AdjustedRate{}, adjustErr(err)
	}
	eTerm, err := money.Mul(eTenth, e.ef)
	if err != nil {
		return domain.AdjustedRate{}, adjustErr(err)
	}
	mult, err := money.Add(one, vTerm)
	if err == nil {
		mult, err = money.Add(mult, eTerm)
	}
	if err != nil {
		return domain.AdjustedRate{}, adjustErr(err)
	}
	adjusted, err := money.Mul(base.rate, mult)
	if err != nil {
		return domain.AdjustedRate{}, adjustErr(err)
	}

	// SecLend's tier wins over the stored one; when it reports hard-to-borrow
	// before the stocks table has caught up, a premium covers the gap.
	status := stock.BorrowStatus
	if base.status != "" {
		status = base.status
	}
	if status == domain.BorrowStatusHard && stock.BorrowStatus != domain.BorrowStatusHard {
		bump, berr := money.Add(one, e.hardPremium)
		if berr == nil {
			adjusted, berr = money.Mul(adjusted, bump)
		}
		if berr != nil {
			return domain.AdjustedRate{}, adjustErr(berr)
		}
	}

	final := money.Quantize4(decimal.Max(adjusted, floor))
	if final.LessThan(floor) {
		// Rounding the clamped value down must never land under the floor.
		final = floor.RoundUp(4)
	}

	now := e.clock.Now()
	out := domain.AdjustedRate{
		Ticker:          stock.Ticker,
		Rate:            final,
		BorrowStatus:    status,
		VolatilityIndex: vol.value,
		EventRiskFactor: evt.risk,
		Sources: domain.DataSources{
			BorrowRate: base.src,
			Volatility: vol.src,
			EventRisk:  evt.src,
		},
		StockUpdatedAt: stock.LastUpdated,
		ComputedAt:     now,
	}

	// Only a fresh quote rewrites the cache entry: re-putting on cache hits
	// would churn versions, and re-putting on stale serves would disguise old
	// data as new.
	if base.src == domain.SourceAPI {
		cache.Put(ctx, e.cache, e.ns.BorrowRate, stock.Ticker, rateEntry{
			Base:   base.rate,
			Status: base.status,
			Final:  final,
			Vol:    vol.value,
			Event:  evt.risk,
			AsOf:   now,
		})
		if e.pub != nil {
			if perr := e.pub.PublishRate(ctx, stock.Ticker, final, now); perr != nil {
				e.log.Debug().Err(perr).Str("ticker", stock.Ticker).Msg("Rate publish failed")
			}
		}
	}

	return out, nil
}

func adjustErr(err error) *domain.Error {
	return domain.E(domain.CodeCalculationError, "adjusting borrow rate").WithCause(err)
}
