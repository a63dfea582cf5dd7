package upstream

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/metrics"
)

// RetryPolicy bounds how often and how patiently an attempt is repeated.
// Only transient failures are retried; permanent failures and open breakers
// short-circuit the loop.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Rand supplies the jitter in [0,1). Injected so tests are deterministic.
	Rand func() float64
}

func newRetryPolicy(cfg config.Upstream) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.RetryMax,
		BackoffBase: cfg.RetryBackoff(),
		BackoffMax:  30 * time.Second,
		Rand:        rand.Float64,
	}
}

// Backoff returns the pause before retry number n (n starts at 1), an
// exponential series with factor 2 and ±10% jitter.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	backoff := p.BackoffBase * time.Duration(1<<uint(n-1))
	if p.BackoffMax > 0 && backoff > p.BackoffMax {
		backoff = p.BackoffMax
	}

	rnd := rand.Float64
	if p.Rand != nil {
		rnd = p.Rand
	}
	jitter := time.Duration((2*rnd() - 1) * 0.1 * float64(backoff))
	return backoff + jitter
}

// breakerStateValue maps gobreaker states onto the gauge scale.
func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// newBreaker builds the per-endpoint circuit breaker. Consecutive transient
// failures trip it; permanent failures are the provider telling us something
// deterministic and do not count against availability. The half-open probe
// budget doubles as the consecutive-success requirement to close.
func newBreaker(provider string, cfg config.Upstream, m *metrics.Registry, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        provider,
		MaxRequests: uint32(cfg.BreakerHalfOpenSuccesses),
		Interval:    cfg.BreakerWindow(),
		Timeout:     cfg.BreakerOpen(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			if m != nil {
				m.BreakerSwitches.WithLabelValues(name, from.String(), to.String()).Inc()
				m.SetBreakerState(name, breakerStateValue(to))
			}
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}
