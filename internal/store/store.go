// Package store defines the persistent lookups the pricing pipeline reads
// and the single write path it owns, the audit append. Implementations live
// in store/postgres; Cached layers the shared cache over any Store.
package store

import (
	"context"
	"errors"

	"github.com/stocklend/locatesvc/internal/domain"
)

// ErrNotFound reports that a row does not exist (or, for brokers, exists but
// is inactive). It is a deterministic outcome, never a fallback trigger.
var ErrNotFound = errors.New("store: not found")

// Store is the repository surface consumed by the pipeline.
type Store interface {
	// GetStock returns the securities-master row for an uppercase ticker.
	GetStock(ctx context.Context, ticker string) (domain.Stock, error)

	// GetBroker returns the active broker row for clientID. Inactive brokers
	// are reported as ErrNotFound; a disabled client is not a client.
	GetBroker(ctx context.Context, clientID string) (domain.Broker, error)

	// LatestVolatility returns the most recent archived sample for ticker.
	LatestVolatility(ctx context.Context, ticker string) (domain.VolatilitySample, error)

	// GetAPIKey returns the credential row for a SHA-256 key hash.
	GetAPIKey(ctx context.Context, keyHash string) (domain.APIKey, error)

	// AppendAudit inserts one calculation record. Replaying an audit_id that
	// already exists is a no-op, which is what makes at-least-once delivery
	// safe.
	AppendAudit(ctx context.Context, rec domain.AuditRecord) error
}

// Pinger reports backend reachability for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
