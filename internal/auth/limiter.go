package auth

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/metrics"
)

// bucketKeyPrefix namespaces limiter state alongside the cache keys.
const bucketKeyPrefix = "locate:ratelimit:"

// bucketTTL removes idle buckets; two full refill cycles is enough that an
// expiring bucket is indistinguishable from a full one.
const bucketTTL = 2 * time.Minute

// bucketScript is an atomic token bucket. State is a hash {tokens, ts};
// time comes from the Redis server so every replica meters against the same
// clock. Returns {allowed, remaining, reset_seconds, retry_after_seconds}.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = redis.call('TIME')
local ts = tonumber(now[1]) + tonumber(now[2]) / 1000000

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = ts
end

tokens = math.min(capacity, tokens + (ts - last) * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', KEYS[1], ARGV[3])

local retry = 0
if allowed == 0 then
  retry = math.ceil((1 - tokens) / refill)
end
local reset = math.ceil((capacity - tokens) / refill)
return {allowed, math.floor(tokens), reset, retry}
`)

// Decision is the outcome of one bucket draw, carrying everything the
// X-RateLimit response headers need.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Duration
	RetryAfter time.Duration
}

// Limiter draws tokens from per-client buckets shared across replicas.
type Limiter struct {
	rdb          redis.UniversalClient
	defaultLimit int
	failOpen     bool
	metrics      *metrics.Registry
	log          zerolog.Logger
}

// NewLimiter builds a limiter over the shared Redis client. A nil client
// disables limiting, which is only sane for single-replica development.
func NewLimiter(rdb redis.UniversalClient, cfg config.Auth, m *metrics.Registry, logger zerolog.Logger) *Limiter {
	return &Limiter{
		rdb:          rdb,
		defaultLimit: cfg.RateLimitDefault,
		failOpen:     cfg.FailOpen,
		metrics:      m,
		log:          logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow draws one token from clientID's bucket. limit is the client's
// provisioned requests-per-minute; non-positive values take the configured
// default. Capacity equals the limit and refills at limit/60 per second.
func (l *Limiter) Allow(ctx context.Context, clientID string, limit int) Decision {
	if limit <= 0 {
		limit = l.defaultLimit
	}

	if l.rdb == nil {
		l.count("disabled")
		return Decision{Allowed: true, Limit: limit, Remaining: limit - 1}
	}

	refill := strconv.FormatFloat(float64(limit)/60.0, 'f', -1, 64)
	res, err := bucketScript.Run(ctx, l.rdb,
		[]string{bucketKeyPrefix + clientID},
		limit, refill, bucketTTL.Milliseconds(),
	).Int64Slice()
	if err != nil || len(res) != 4 {
		return l.degraded(clientID, limit, err)
	}

	d := Decision{
		Allowed:    res[0] == 1,
		Limit:      limit,
		Remaining:  int(res[1]),
		Reset:      time.Duration(res[2]) * time.Second,
		RetryAfter: time.Duration(res[3]) * time.Second,
	}
	if d.Allowed {
		l.count("allow")
	} else {
		l.count("deny")
	}
	return d
}

// degraded decides without a bucket. Fail-open keeps pricing available
// through a Redis outage; fail-closed protects the upstreams instead.
func (l *Limiter) degraded(clientID string, limit int, err error) Decision {
	l.log.Warn().Err(err).Str("client_id", clientID).
		Bool("fail_open", l.failOpen).Msg("Rate limit bucket unavailable")

	if l.failOpen {
		l.count("error_allow")
		return Decision{Allowed: true, Limit: limit, Remaining: limit - 1}
	}
	l.count("error_deny")
	return Decision{Allowed: false, Limit: limit, RetryAfter: time.Second}
}

func (l *Limiter) count(outcome string) {
	if l.metrics != nil {
		l.metrics.RateLimitDecisions.WithLabelValues(outcome).Inc()
	}
}
