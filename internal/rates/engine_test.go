package rates

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocklend/locatesvc/internal/cache"
	"github.com/stocklend/locatesvc/internal/clock"
	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/money"
	"github.com/stocklend/locatesvc/internal/store"
	"github.com/stocklend/locatesvc/internal/upstream"
)

type fakeBacking struct {
	stocks      map[string]domain.Stock
	samples     map[string]domain.VolatilitySample
	stockErr    error
	minRateErr  error
	sampleCalls int
}

func (f *fakeBacking) GetStock(ctx context.Context, ticker string) (domain.Stock, error) {
	if f.stockErr != nil {
		return domain.Stock{}, f.stockErr
	}
	s, ok := f.stocks[ticker]
	if !ok {
		return domain.Stock{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeBacking) MinRate(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if f.minRateErr != nil {
		return decimal.Zero, f.minRateErr
	}
	s, ok := f.stocks[ticker]
	if !ok {
		return decimal.Zero, store.ErrNotFound
	}
	return s.MinBorrowRate, nil
}

func (f *fakeBacking) LatestVolatility(ctx context.Context, ticker string) (domain.VolatilitySample, error) {
	f.sampleCalls++
	s, ok := f.samples[ticker]
	if !ok {
		return domain.VolatilitySample{}, store.ErrNotFound
	}
	return s, nil
}

type fakeSecLend struct {
	quote upstream.BorrowQuote
	err   error
	calls int
}

func (f *fakeSecLend) BorrowRate(ctx context.Context, ticker string) (upstream.BorrowQuote, error) {
	f.calls++
	return f.quote, f.err
}

type fakeVolatility struct {
	quote upstream.VolQuote
	err   error
}

func (f *fakeVolatility) Index(ctx context.Context, ticker string) (upstream.VolQuote, error) {
	return f.quote, f.err
}

type fakeEvents struct {
	risk upstream.EventRisk
	err  error
}

func (f *fakeEvents) Risk(ctx context.Context, ticker string) (upstream.EventRisk, error) {
	return f.risk, f.err
}

type recordedRate struct {
	ticker string
	rate   decimal.Decimal
}

type recordingPublisher struct {
	mu      sync.Mutex
	err     error
	updates []recordedRate
}

func (p *recordingPublisher) PublishRate(ctx context.Context, ticker string, rate decimal.Decimal, asOf time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, recordedRate{ticker: ticker, rate: rate})
	return p.err
}

func (p *recordingPublisher) published() []recordedRate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedRate(nil), p.updates...)
}

type engineFixture struct {
	engine  *Engine
	backing *fakeBacking
	seclend *fakeSecLend
	vol     *fakeVolatility
	events  *fakeEvents
	pub     *recordingPublisher
	clk     *clock.Fake
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	layered := cache.NewLayered(cache.NewMemory(100, clk), cache.NewMemoryLevel2(clk), "locate:inval", clk, nil, zerolog.Nop())

	backing := &fakeBacking{
		stocks:  make(map[string]domain.Stock),
		samples: make(map[string]domain.VolatilitySample),
	}
	seclend := &fakeSecLend{}
	vol := &fakeVolatility{}
	events := &fakeEvents{}
	pub := &recordingPublisher{}

	eng, err := New(config.Default().Pricing, Deps{
		Store:      backing,
		Cache:      layered,
		Namespaces: cache.NewNamespaces(config.Default().Cache),
		SecLend:    seclend,
		Volatility: vol,
		Events:     events,
		Publisher:  pub,
		Clock:      clk,
		Log:        zerolog.Nop(),
	})
	require.NoError(t, err)

	return &engineFixture{engine: eng, backing: backing, seclend: seclend, vol: vol, events: events, pub: pub, clk: clk}
}

func (f *engineFixture) addStock(ticker, minRate string, status domain.BorrowStatus) {
	f.backing.stocks[ticker] = domain.Stock{
		Ticker:        ticker,
		BorrowStatus:  status,
		MinBorrowRate: money.D(minRate),
		LastUpdated:   f.clk.Now().Add(-time.Hour),
	}
}

func TestResolveNormalPath(t *testing.T) {
	f := newEngineFixture(t)
	f.addStock("AAPL", "0.0025", domain.BorrowStatusEasy)
	f.seclend.quote = upstream.BorrowQuote{Rate: money.D("0.05"), Status: domain.BorrowStatusEasy}
	f.vol.quote = upstream.VolQuote{Value: money.D("18.5"), ObservedAt: f.clk.Now()}
	f.events.risk = upstream.EventRisk{Factor: 2}

	out, err := f.engine.Resolve(context.Background(), "aapl")
	require.NoError(t, err)

	// 0.05 × (1 + 18.5×0.01 + (2/10)×0.05) = 0.05975, banker's to 0.0598.
	assert.True(t, out.Rate.Equal(money.D("0.0598")), "got %s", out.Rate)
	assert.Equal(t, "AAPL", out.Ticker)
	assert.Equal(t, domain.BorrowStatusEasy, out.BorrowStatus)
	assert.True(t, out.VolatilityIndex.Equal(money.D("18.5")))
	assert.Equal(t, 2, out.EventRiskFactor)
	assert.Equal(t, domain.DataSources{
		BorrowRate: domain.SourceAPI,
		Volatility: domain.SourceAPI,
		EventRisk:  domain.SourceAPI,
	}, out.Sources)
	assert.False(t, out.Sources.Degraded())

	updates := f.pub.published()
	require.Len(t, updates, 1, "a fresh quote is published once")
	assert.Equal(t, "AAPL", updates[0].ticker)
	assert.True(t, updates[0].rate.Equal(money.D("0.0598")))
}

func TestResolveUnknownTickerSkipsProviders(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Resolve(context.Background(), "ZZZZ")
	require.Error(t, err)
	assert.Equal(t, domain.CodeTickerNotFound, domain.CodeOf(err))
	assert.Zero(t, f.seclend.calls, "no provider traffic for unknown tickers")
}

func TestResolveStoredMinimumWithDefaults(t *testing.T) {
	f := newEngineFixture(t)
	f.addStock("AAPL", "0.15", domain.BorrowStatusEasy)
	f.seclend.err = upstream.Transient(upstream.ProviderSecLend, "connect", nil)
	f.vol.err = upstream.Transient(upstream.ProviderVolatility, "connect", nil)
	f.events.err = upstream.Transient(upstream.ProviderEvents, "connect", nil)

	out, err := f.engine.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)

	// 0.15 × (1 + 20×0.01 + 0) = 0.18, above the 0.15 floor.
	assert.True(t, out.Rate.Equal(money.D("0.18")), "got %s", out.Rate)
	assert.Equal(t, domain.DataSources{
		BorrowRate: domain.SourceStoredMinimum,
		Volatility: domain.SourceDefault,
		EventRisk:  domain.SourceDefault,
	}, out.Sources)
	assert.True(t, out.Sources.Degraded())
	assert.True(t, out.VolatilityIndex.Equal(money.D("20.0")))
	assert.Zero(t, out.EventRiskFactor)
	assert.Empty(t, f.pub.published(), "degraded rates are not published")
}

func TestResolveServesStaleCacheDuringOutage(t *testing.T) {
	f := newEngineFixture(t)
	f.addStock("AAPL", "0.0025", domain.BorrowStatusEasy)
	f.seclend.quote = upstream.BorrowQuote{Rate: money.D("0.05"), Status: domain.BorrowStatusEasy}
	f.vol.quote = upstream.VolQuote{Value: money.D("18.5"), ObservedAt: f.clk.Now()}
	f.events.risk = upstream.EventRisk{Factor: 2}

	_, err := f.engine.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)

	// Past the borrow_rate TTL (300s) but inside its stale window (600s),
	// with SecLend now failing.
	f.clk.Advance(301 * time.Second)
	f.seclend.err = upstream.Transient(upstream.ProviderSecLend, "connect", nil)

	out, err := f.engine.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, out.Rate.Equal(money.D("0.0598")), "got %s", out.Rate)
	assert.Equal(t, domain.SourceCache, out.Sources.BorrowRate)
	assert.Equal(t, domain.SourceCache, out.Sources.Volatility, "volatility namespace is still fresh")
	assert.Len(t, f.pub.published(), 1, "stale serves must not republish")

	// Beyond the stale window the chain bottoms out on the stored minimum.
	f.clk.Advance(400 * time.Second)
	out, err = f.engine.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceStoredMinimum, out.Sources.BorrowRate)
	// 0.0025 × (1 + 18.5×0.01 + 0.01) = 0.0029875 → 0.0030.
	assert.True(t, out.Rate.Equal(money.D("0.0030")), "got %s", out.Rate)
}

func TestResolvePermanentRejectionFails(t *testing.T) {
	f := newEngineFixture(t)
	f.addStock("AAPL", "0.0025", domain.BorrowStatusEasy)
	f.seclend.err = upstream.Permanent(upstream.ProviderSecLend, 422, "unknown symbol", nil)

	_, err := f.engine.Resolve(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Equal(t, domain.CodeExternalAPIUnavailable, domain.CodeOf(err))
}

func TestResolveFloorAppliesAfterAdjustments(t *testing.T) {
	f := newEngineFixture(t)
	f.addStock("AAPL", "0.15", domain.BorrowStatusEasy)
	f.seclend.quote = upstream.BorrowQuote{Rate: money.D("0.10"), Status: domain.BorrowStatusEasy}
	f.vol.quote = upstream.VolQuote{Value: money.D("0"), ObservedAt: f.clk.Now()}
	f.events.risk = upstream.EventRisk{Factor: 0}

	out, err := f.engine.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)

	// Adjusted 0.10 sits under the 0.15 floor; the floor wins.
	assert.True(t, out.Rate.Equal(money.D("0.15")), "got %s", out.Rate)
	assert.Equal(t, domain.SourceAPI, out.Sources.BorrowRate)
}

func TestResolveHardToBorrowPremium(t *testing.T) {
	f := newEngineFixture(t)
	f.addStock("GME", "0.0025", domain.BorrowStatusEasy)
	f.seclend.quote = upstream.BorrowQuote{Rate: money.D("0.10"), Status: domain.BorrowStatusHard}
	f.vol.quote = upstream.VolQuote{Value: money.D("0"), ObservedAt: f.clk.Now()}
	f.events.risk = upstream.EventRisk{Factor: 0}

	out, err := f.engine.Resolve(context.Background(), "GME")
	require.NoError(t, err)

	// SecLend reports HARD before the stocks table caught up: ×(1+0.1).
	assert.True(t, out.Rate.Equal(money.D("0.11")), "got %s", out.Rate)
	assert.Equal(t, domain.BorrowStatusHard, out.BorrowStatus)
}

func TestResolveNoPremiumWhenTiersAgree(t *testing.T) {
	f := newEngineFixture(t)
	f.addStock("GME", "0.0025", domain.BorrowStatusHard)
	f.seclend.quote = upstream.BorrowQuote{Rate: money.D("0.10"), Status: domain.BorrowStatusHard}
	f.vol.quote = upstream.VolQuote{Value: money.D("0"), ObservedAt: f.clk.Now()}
	f.events.risk = upstream.EventRisk{Factor: 0}

	out, err := f.engine.Resolve(context.Background(), "GME")
	require.NoError(t, err)
	assert.True(t, out.Rate.Equal(money.D("0.10")), "got %s", out.Rate)
}

func TestResolveStoredSampleFallback(t *testing.T) {
	f := newEngineFixture(t)
	f.addStock("AAPL", "0.0025", domain.BorrowStatusEasy)
	f.seclend.quote = upstream.BorrowQuote{Rate: money.D("0.05"), Status: domain.BorrowStatusEasy}
	f.vol.err = upstream.Transient(upstream.ProviderVolatility, "connect", nil)
	f.events.err = upstream.Transient(upstream.ProviderEvents, "connect", nil)
	f.backing.samples["AAPL"] = domain.VolatilitySample{
		Ticker:          "AAPL",
		VolIndex:        money.D("18.5"),
		EventRiskFactor: 2,
		ObservedAt:      f.clk.Now().Add(-time.Hour),
	}

	out, err := f.engine.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.True(t, out.Rate.Equal(money.D("0.0598")), "got %s", out.Rate)
	assert.Equal(t, domain.SourceFallback, out.Sources.Volatility)
	assert.Equal(t, domain.SourceFallback, out.Sources.EventRisk)
	assert.Equal(t, 1, f.backing.sampleCalls, "both chains share one archived read")
}

func TestResolveIgnoresExpiredStoredSample(t *testing.T) {
	f := newEngineFixture(t)
	f.addStock("AAPL", "0.0025", domain.BorrowStatusEasy)
	f.seclend.quote = upstream.BorrowQuote{Rate: money.D("0.05"), Status: domain.BorrowStatusEasy}
	f.vol.err = upstream.Transient(upstream.ProviderVolatility, "connect", nil)
	f.events.err = upstream.Transient(upstream.ProviderEvents, "connect", nil)
	f.backing.samples["AAPL"] = domain.VolatilitySample{
		Ticker:          "AAPL",
		VolIndex:        money.D("99"),
		EventRiskFactor: 9,
		ObservedAt:      f.clk.Now().Add(-48 * time.Hour),
	}

	out, err := f.engine.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceDefault, out.Sources.Volatility)
	assert.Equal(t, domain.SourceDefault, out.Sources.EventRisk)
	assert.True(t, out.VolatilityIndex.Equal(money.D("20.0")))
	assert.Zero(t, out.EventRiskFactor)
}

func TestResolveClampsEventRisk(t *testing.T) {
	f := newEngineFixture(t)
	f.addStock("AAPL", "0.0025", domain.BorrowStatusEasy)
	f.seclend.quote = upstream.BorrowQuote{Rate: money.D("0.10"), Status: domain.BorrowStatusEasy}
	f.vol.quote = upstream.VolQuote{Value: money.D("0"), ObservedAt: f.clk.Now()}
	f.events.risk = upstream.EventRisk{Factor: 15}

	out, err := f.engine.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)

	// Risk clamps to 10; with zero volatility the rate inflates by exactly
	// the event multiplier: 0.10 × 1.05.
	assert.Equal(t, 10, out.EventRiskFactor)
	assert.True(t, out.Rate.Equal(money.D("0.105")), "got %s", out.Rate)
}

func TestResolveAdjustmentsAreMonotone(t *testing.T) {
	resolve := func(vol string, risk int) decimal.Decimal {
		f := newEngineFixture(t)
		f.addStock("AAPL", "0.0025", domain.BorrowStatusEasy)
		f.seclend.quote = upstream.BorrowQuote{Rate: money.D("0.05"), Status: domain.BorrowStatusEasy}
		f.vol.quote = upstream.VolQuote{Value: money.D(vol), ObservedAt: f.clk.Now()}
		f.events.risk = upstream.EventRisk{Factor: risk}

		out, err := f.engine.Resolve(context.Background(), "AAPL")
		require.NoError(t, err)
		return out.Rate
	}

	base := resolve("10", 2)
	assert.True(t, resolve("25", 2).GreaterThan(base), "raising volatility must not lower the rate")
	assert.True(t, resolve("10", 7).GreaterThan(base), "raising event risk must not lower the rate")
}

func TestResolveGlobalFloorWhenStockHasNone(t *testing.T) {
	f := newEngineFixture(t)
	f.addStock("AAPL", "0", domain.BorrowStatusEasy)
	f.seclend.err = upstream.Transient(upstream.ProviderSecLend, "connect", nil)
	f.vol.err = upstream.Transient(upstream.ProviderVolatility, "connect", nil)
	f.events.err = upstream.Transient(upstream.ProviderEvents, "connect", nil)

	out, err := f.engine.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)

	// 0.0025 × (1 + 20×0.01) = 0.003; the configured floor is the base and
	// its provenance is default, not stored_minimum.
	assert.Equal(t, domain.SourceDefault, out.Sources.BorrowRate)
	assert.True(t, out.Rate.Equal(money.D("0.003")), "got %s", out.Rate)
}

func TestResolveSurvivesPublisherFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.addStock("AAPL", "0.0025", domain.BorrowStatusEasy)
	f.seclend.quote = upstream.BorrowQuote{Rate: money.D("0.05"), Status: domain.BorrowStatusEasy}
	f.vol.quote = upstream.VolQuote{Value: money.D("18.5"), ObservedAt: f.clk.Now()}
	f.events.risk = upstream.EventRisk{Factor: 2}
	f.pub.err = context.DeadlineExceeded

	out, err := f.engine.Resolve(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, out.Rate.Equal(money.D("0.0598")))
}

func TestResolveStockLookupFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.backing.stockErr = context.DeadlineExceeded

	_, err := f.engine.Resolve(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Equal(t, domain.CodeInternalError, domain.CodeOf(err))
}
