package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/metrics"
)

// maxResponseBytes caps provider payloads; the contracts here are tiny.
const maxResponseBytes = 1 << 20

// Fabric is one provider endpoint wrapped with the shared policy stack,
// applied in order: timeout, retry, circuit breaker. The breaker sits
// closest to the transport so every attempt is accounted, and an open
// circuit fails calls before they reach the network.
type Fabric struct {
	provider string
	baseURL  string
	header   http.Header
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	throttle *rate.Limiter
	retry    RetryPolicy
	timeout  time.Duration

	log     zerolog.Logger
	metrics *metrics.Registry
}

// NewFabric wires a provider endpoint from its config block. The header set
// is sent verbatim on every attempt; put the provider's auth scheme there.
func NewFabric(provider string, cfg config.Upstream, header http.Header, m *metrics.Registry, logger zerolog.Logger) *Fabric {
	if header == nil {
		header = http.Header{}
	}
	burst := cfg.ThrottleBurst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(cfg.ThrottleRPS)
	if cfg.ThrottleRPS <= 0 {
		limit = rate.Inf
	}
	return &Fabric{
		provider: provider,
		baseURL:  cfg.BaseURL,
		header:   header,
		client:   &http.Client{Timeout: 0}, // deadlines come from the context
		breaker:  newBreaker(provider, cfg, m, logger),
		throttle: rate.NewLimiter(limit, burst),
		retry:    newRetryPolicy(cfg),
		timeout:  cfg.Timeout(),
		log:      logger.With().Str("provider", provider).Logger(),
		metrics:  m,
	}
}

// Provider returns the endpoint name used in logs and metrics.
func (f *Fabric) Provider() string { return f.provider }

// BreakerState exposes the current circuit state for health reporting.
func (f *Fabric) BreakerState() gobreaker.State { return f.breaker.State() }

// Fetch performs a GET against path (plus optional query), returning the
// raw body. Errors are always a *TransientError or *PermanentError.
func (f *Fabric) Fetch(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	if err := f.throttle.Wait(ctx); err != nil {
		return nil, Transient(f.provider, "throttle wait", err)
	}

	target := f.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= f.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := f.retry.Backoff(attempt - 1)
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= backoff {
				// The budget cannot absorb another attempt.
				break
			}
			f.log.Debug().
				Dur("backoff", backoff).
				Int("attempt", attempt).
				Str("url", target).
				Msg("Retrying upstream request")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, Transient(f.provider, "deadline elapsed", ctx.Err())
			}
		}

		start := time.Now()
		body, err := f.breaker.Execute(func() (any, error) {
			return f.attempt(ctx, target)
		})
		if f.metrics != nil {
			f.metrics.UpstreamLatency.WithLabelValues(f.provider).Observe(time.Since(start).Seconds())
			f.metrics.SetBreakerState(f.provider, breakerStateValue(f.breaker.State()))
		}

		switch {
		case err == nil:
			f.countOutcome("ok")
			return body.([]byte), nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			f.countOutcome("breaker_open")
			return nil, Transient(f.provider, "circuit open", ErrBreakerOpen)
		case IsPermanent(err):
			f.countOutcome("permanent")
			return nil, err
		default:
			f.countOutcome("transient")
			lastErr = err
		}
	}

	if lastErr == nil {
		lastErr = Transient(f.provider, "deadline elapsed", ctx.Err())
	}
	return nil, lastErr
}

// attempt runs a single HTTP round trip and classifies the outcome.
func (f *Fabric) attempt(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, Permanent(f.provider, 0, "building request", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range f.header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, Transient(f.provider, "deadline elapsed", ctxErr)
		}
		return nil, Transient(f.provider, "transport", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Transient(f.provider, "reading body", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient(f.provider, fmt.Sprintf("http %d", resp.StatusCode), nil)
	default:
		return nil, Permanent(f.provider, resp.StatusCode, "rejected by provider", nil)
	}
}

func (f *Fabric) countOutcome(outcome string) {
	if f.metrics != nil {
		f.metrics.UpstreamRequests.WithLabelValues(f.provider, outcome).Inc()
	}
}
