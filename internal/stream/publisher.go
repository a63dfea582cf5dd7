package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stocklend/locatesvc/internal/money"
)

// DefaultChannel carries freshly quoted rates between replicas. Every
// replica's hub subscribes, so a quote computed anywhere reaches every
// connected stream client.
const DefaultChannel = "rates.updates"

// RateUpdate is the wire payload for one freshly quoted rate.
type RateUpdate struct {
	Ticker string       `json:"ticker"`
	Rate   money.Number `json:"rate"`
	AsOf   time.Time    `json:"as_of"`
}

// RedisPublisher fans rate updates out through Redis pub/sub.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// PublishRate pushes one update onto the shared channel. Delivery is
// best-effort: subscribers that are not listening right now miss it.
func (p *RedisPublisher) PublishRate(ctx context.Context, ticker string, rate decimal.Decimal, asOf time.Time) error {
	payload, err := json.Marshal(RateUpdate{Ticker: ticker, Rate: money.N(rate), AsOf: asOf.UTC()})
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, payload).Err()
}
