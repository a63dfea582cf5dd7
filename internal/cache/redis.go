package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stocklend/locatesvc/internal/config"
)

// setScript writes an entry and bumps its version counter atomically, so
// every write carries a number strictly greater than the one it replaces.
// Fields: v = version, at = origin write time, d = payload.
var setScript = redis.NewScript(`
local v = redis.call('HINCRBY', KEYS[1], 'v', 1)
redis.call('HSET', KEYS[1], 'at', ARGV[1], 'd', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return v
`)

// invalidation is the pub/sub message that drops L1 entries across replicas.
type invalidation struct {
	Key     string `json:"k"`
	Version int64  `json:"v"`
}

// NewClient builds the shared Redis client from config.
func NewClient(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout(),
	})
}

// Redis is the shared L2 store.
type Redis struct {
	rdb redis.UniversalClient
	log zerolog.Logger
}

// NewRedis wraps an existing client as the L2 layer.
func NewRedis(rdb redis.UniversalClient, logger zerolog.Logger) *Redis {
	return &Redis{rdb: rdb, log: logger.With().Str("component", "cache_l2").Logger()}
}

// Ping reports L2 reachability for health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Get fetches the stored item for key. ok is false when the key is absent.
func (r *Redis) Get(ctx context.Context, key string) (Item, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Item{}, false, err
	}
	payload, ok := fields["d"]
	if !ok {
		return Item{}, false, nil
	}

	it := Item{Payload: []byte(payload)}
	if v, err := strconv.ParseInt(fields["v"], 10, 64); err == nil {
		it.Version = v
	}
	if at, err := time.Parse(time.RFC3339Nano, fields["at"]); err == nil {
		it.StoredAt = at
	}
	return it, true, nil
}

// Set writes key with the given physical TTL and returns the new version.
func (r *Redis) Set(ctx context.Context, key string, payload []byte, storedAt time.Time, ttl time.Duration) (int64, error) {
	return setScript.Run(ctx, r.rdb,
		[]string{key},
		storedAt.UTC().Format(time.RFC3339Nano),
		string(payload),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int64()
}

// PublishInvalidation tells other replicas to drop their L1 copy of key.
func (r *Redis) PublishInvalidation(ctx context.Context, channel, key string, version int64) error {
	msg, err := json.Marshal(invalidation{Key: key, Version: version})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, channel, msg).Err()
}

// subscribe opens the invalidation channel.
func (r *Redis) subscribe(ctx context.Context, channel string) *redis.PubSub {
	return r.rdb.Subscribe(ctx, channel)
}
