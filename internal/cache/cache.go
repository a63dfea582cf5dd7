// Package cache implements the two-layer read-through cache: a per-process
// L1 TTL map in front of a shared Redis L2. Entries are keyed by typed
// namespaces so clients, brokers and market data can never collide, and
// every entry carries a monotonic version tag so straggling pub/sub
// invalidations cannot clobber newer values.
package cache

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/domain"
)

// keyPrefix roots every Redis key owned by this service.
const keyPrefix = "locate"

// Namespace is one typed keyspace with its freshness horizon. TTL is the
// soft freshness bound; physical L2 expiry is twice that, leaving a stale
// window fallback reads may use. L1TTL of zero keeps the namespace out of
// the process-local layer.
type Namespace struct {
	Name   string
	TTL    time.Duration
	L1TTL  time.Duration
	PubSub bool

	// upperKey normalizes ticker-shaped keys so "aapl" and "AAPL" collide.
	upperKey bool
}

// StaleWindow is how old an entry may be and still serve a fallback read.
func (n Namespace) StaleWindow() time.Duration { return 2 * n.TTL }

// PhysicalTTL is the L2 expiry: entries persist through the stale window.
func (n Namespace) PhysicalTTL() time.Duration { return n.StaleWindow() }

// Key builds the canonical Redis key, normalizing the caller's key part.
func (n Namespace) Key(key string) string {
	if n.upperKey {
		key = strings.ToUpper(strings.TrimSpace(key))
	}
	return keyPrefix + ":" + n.Name + ":" + key
}

// Namespaces is the full set of cache keyspaces, built from config once at
// startup.
type Namespaces struct {
	BorrowRate   Namespace
	Volatility   Namespace
	EventRisk    Namespace
	BrokerConfig Namespace
	Stock        Namespace
	MinRate      Namespace
	LocateFee    Namespace
	APIKey       Namespace
}

// NewNamespaces resolves the namespace table from configuration.
func NewNamespaces(cfg config.Cache) Namespaces {
	l1 := time.Duration(cfg.L1TTLSeconds) * time.Second
	sec := func(v int) time.Duration { return time.Duration(v) * time.Second }

	return Namespaces{
		BorrowRate:   Namespace{Name: "borrow_rate", TTL: sec(cfg.BorrowRateTTLSeconds), L1TTL: l1, PubSub: true, upperKey: true},
		Volatility:   Namespace{Name: "volatility", TTL: sec(cfg.VolatilityTTLSeconds), L1TTL: l1, upperKey: true},
		EventRisk:    Namespace{Name: "event_risk", TTL: sec(cfg.EventRiskTTLSeconds), L1TTL: l1, upperKey: true},
		BrokerConfig: Namespace{Name: "broker_config", TTL: sec(cfg.BrokerConfigTTLSeconds), L1TTL: l1, PubSub: true},
		Stock:        Namespace{Name: "stock", TTL: sec(cfg.StockTTLSeconds), L1TTL: l1, upperKey: true},
		MinRate:      Namespace{Name: "min_rate", TTL: sec(cfg.MinRateTTLSeconds), upperKey: true},
		LocateFee:    Namespace{Name: "locate_fee", TTL: sec(cfg.LocateFeeTTLSeconds)},
		APIKey:       Namespace{Name: "api_key", TTL: sec(cfg.APIKeyTTLSeconds), L1TTL: l1},
	}
}

// FeeKey builds the locate_fee cache key from the calculation parameters
// and the broker terms in effect. Decimals are fixed to two places so
// equivalent requests collide regardless of their literal formatting, and a
// broker-config change naturally misses.
func FeeKey(ticker string, position decimal.Decimal, loanDays int, broker domain.Broker) string {
	parts := []string{
		strings.ToUpper(strings.TrimSpace(ticker)),
		position.StringFixed(2),
		strconv.Itoa(loanDays),
		broker.MarkupPercentage.StringFixed(2),
		string(broker.FeeType),
		broker.TransactionAmount.StringFixed(2),
	}
	return strings.Join(parts, "|")
}

// IdempotencyFeeKey builds the locate_fee key for a client-supplied
// idempotency token. Scoped by client so tokens cannot collide across
// tenants.
func IdempotencyFeeKey(clientID, token string) string {
	return "idem|" + clientID + "|" + token
}
