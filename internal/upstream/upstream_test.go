package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocklend/locatesvc/internal/clock"
	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/metrics"
	"github.com/stocklend/locatesvc/internal/money"
)

func testUpstreamConfig(baseURL string) config.Upstream {
	return config.Upstream{
		BaseURL:                  baseURL,
		APIKey:                   "test-key",
		TimeoutMS:                2000,
		RetryMax:                 3,
		RetryBackoffMS:           1,
		BreakerThreshold:         5,
		BreakerWindowSeconds:     30,
		BreakerOpenSeconds:       60,
		BreakerHalfOpenSuccesses: 2,
	}
}

func TestSecLendBorrowRate(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		assert.Equal(t, "/api/borrows/AAPL", r.URL.Path)
		w.Write([]byte(`{"rate":0.05,"status":"EASY"}`))
	}))
	defer srv.Close()

	c := NewSecLend(testUpstreamConfig(srv.URL), metrics.New(), zerolog.Nop())
	quote, err := c.BorrowRate(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.True(t, quote.Rate.Equal(money.D("0.05")))
	assert.Equal(t, domain.BorrowStatusEasy, quote.Status)
}

func TestSecLendQuotedRateAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rate":"0.1975","status":"HARD"}`))
	}))
	defer srv.Close()

	c := NewSecLend(testUpstreamConfig(srv.URL), nil, zerolog.Nop())
	quote, err := c.BorrowRate(context.Background(), "GME")
	require.NoError(t, err)
	assert.True(t, quote.Rate.Equal(money.D("0.1975")))
	assert.Equal(t, domain.BorrowStatusHard, quote.Status)
}

func TestSecLendNegativeRateIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rate":-0.01,"status":"EASY"}`))
	}))
	defer srv.Close()

	c := NewSecLend(testUpstreamConfig(srv.URL), nil, zerolog.Nop())
	_, err := c.BorrowRate(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, IsTransient(err), "negative rates must be transient, got %v", err)
}

func TestSecLendNaNRateIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rate":"NaN","status":"EASY"}`))
	}))
	defer srv.Close()

	c := NewSecLend(testUpstreamConfig(srv.URL), nil, zerolog.Nop())
	_, err := c.BorrowRate(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestSecLendSchemaViolationIsPermanent(t *testing.T) {
	cases := map[string]string{
		"not json":       `<html>oops</html>`,
		"missing rate":   `{"status":"EASY"}`,
		"unknown status": `{"rate":0.05,"status":"IMPOSSIBLE"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer srv.Close()

			c := NewSecLend(testUpstreamConfig(srv.URL), nil, zerolog.Nop())
			_, err := c.BorrowRate(context.Background(), "AAPL")
			require.Error(t, err)
			assert.True(t, IsPermanent(err), "got %v", err)
		})
	}
}

func TestFetchRetriesTransientStatuses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"rate":0.05,"status":"EASY"}`))
	}))
	defer srv.Close()

	c := NewSecLend(testUpstreamConfig(srv.URL), nil, zerolog.Nop())
	quote, err := c.BorrowRate(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, quote.Rate.Equal(money.D("0.05")))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewSecLend(testUpstreamConfig(srv.URL), nil, zerolog.Nop())
	_, err := c.BorrowRate(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), calls.Load(), "three attempts, no more")
}

func TestFetchDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewSecLend(testUpstreamConfig(srv.URL), nil, zerolog.Nop())
	_, err := c.BorrowRate(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchTreats429AsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewSecLend(testUpstreamConfig(srv.URL), nil, zerolog.Nop())
	_, err := c.BorrowRate(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testUpstreamConfig(srv.URL)
	cfg.BreakerThreshold = 2

	c := NewSecLend(cfg, metrics.New(), zerolog.Nop())

	// Two failed attempts trip the breaker mid-call; the third attempt is
	// rejected without reaching the transport.
	_, err := c.BorrowRate(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())

	_, err = c.BorrowRate(context.Background(), "AAPL")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not touch the transport")
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out a 1s breaker open timeout")
	}

	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"rate":0.05,"status":"EASY"}`))
	}))
	defer srv.Close()

	cfg := testUpstreamConfig(srv.URL)
	cfg.BreakerThreshold = 2
	cfg.BreakerOpenSeconds = 1
	cfg.BreakerHalfOpenSuccesses = 2

	c := NewSecLend(cfg, nil, zerolog.Nop())

	_, err := c.BorrowRate(context.Background(), "AAPL")
	require.Error(t, err)

	fail.Store(false)
	time.Sleep(1100 * time.Millisecond)

	// Two consecutive successes in half-open close the circuit.
	for i := 0; i < 3; i++ {
		_, err = c.BorrowRate(context.Background(), "AAPL")
		require.NoError(t, err, "probe %d", i)
	}
}

func TestCallerDeadlineBoundsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testUpstreamConfig(srv.URL)
	cfg.RetryBackoffMS = 200

	c := NewSecLend(cfg, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.BorrowRate(ctx, "AAPL")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(1), calls.Load(), "no backoff fits inside the deadline")
}

func TestVolatilityIndex(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/api/market/volatility/AAPL", r.URL.Path)
		w.Write([]byte(`{"value":18.5,"timestamp":"2025-06-01T14:30:22Z"}`))
	}))
	defer srv.Close()

	c := NewVolatility(testUpstreamConfig(srv.URL), nil, zerolog.Nop())
	quote, err := c.Index(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.True(t, quote.Value.Equal(money.D("18.5")))
	assert.Equal(t, 2025, quote.ObservedAt.Year())
}

func TestVolatilityNegativeValueIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":-3,"timestamp":"2025-06-01T14:30:22Z"}`))
	}))
	defer srv.Close()

	c := NewVolatility(testUpstreamConfig(srv.URL), nil, zerolog.Nop())
	_, err := c.Index(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestEventsRiskReduction(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GME", r.URL.Query().Get("ticker"))
		w.Write([]byte(`{"events":[
			{"type":"earnings","date":"2025-06-10","risk_factor":7},
			{"type":"split","date":"2025-07-20","risk_factor":9},
			{"type":"dividend","date":"2025-05-20","risk_factor":10},
			{"type":"merger","date":"not-a-date","risk_factor":10},
			{"type":"agm","date":"2025-06-15T09:00:00Z","risk_factor":3}
		]}`))
	}))
	defer srv.Close()

	c := NewEvents(testUpstreamConfig(srv.URL), clock.NewFake(now), nil, zerolog.Nop())
	risk, err := c.Risk(context.Background(), "GME")
	require.NoError(t, err)

	// 9 is beyond the 30-day horizon, 10s are in the past or malformed.
	assert.Equal(t, 7, risk.Factor)
}

func TestEventsRiskClampedToScale(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"events":[{"type":"earnings","date":"2025-06-05","risk_factor":15}]}`))
	}))
	defer srv.Close()

	c := NewEvents(testUpstreamConfig(srv.URL), clock.NewFake(now), nil, zerolog.Nop())
	risk, err := c.Risk(context.Background(), "GME")
	require.NoError(t, err)
	assert.Equal(t, 10, risk.Factor)
}

func TestEventsEmptyCalendarIsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"events":[]}`))
	}))
	defer srv.Close()

	c := NewEvents(testUpstreamConfig(srv.URL), nil, nil, zerolog.Nop())
	risk, err := c.Risk(context.Background(), "GME")
	require.NoError(t, err)
	assert.Equal(t, 0, risk.Factor)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
		Rand:        func() float64 { return 0.5 }, // midpoint: zero jitter
	}

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))

	p.Rand = func() float64 { return 1.0 } // +10%
	assert.Equal(t, 1100*time.Millisecond, p.Backoff(1))

	p.Rand = func() float64 { return 0.0 } // -10%
	assert.Equal(t, 900*time.Millisecond, p.Backoff(1))

	// The cap bounds the series.
	p.BackoffBase = 20 * time.Second
	p.Rand = func() float64 { return 0.5 }
	assert.Equal(t, 30*time.Second, p.Backoff(2))
}
