// Package postgres implements store.Store on PostgreSQL via sqlx. Every
// query is parameterized and runs under the configured statement timeout.
// When a replica DSN is configured, reads that fail on the primary are
// retried once against the replica; writes always go to the primary.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rs/zerolog"

	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/store"
)

// Manager owns the connection pools and implements store.Store.
type Manager struct {
	primary *sqlx.DB
	replica *sqlx.DB
	timeout time.Duration
	log     zerolog.Logger
}

// NewManager opens the pools and verifies connectivity to the primary. A
// replica that cannot be reached at boot is logged and dropped; the service
// runs without the extra read path.
func NewManager(cfg config.DB, logger zerolog.Logger) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}

	primary, err := open(cfg, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open primary: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := primary.PingContext(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("postgres: ping primary: %w", err)
	}

	m := &Manager{
		primary: primary,
		timeout: cfg.QueryTimeout(),
		log:     logger.With().Str("component", "postgres").Logger(),
	}

	if cfg.ReplicaDSN != "" {
		replica, err := open(cfg, cfg.ReplicaDSN)
		if err != nil {
			m.log.Warn().Err(err).Msg("Replica open failed, reads stay on primary")
		} else if err := replica.PingContext(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Replica unreachable, reads stay on primary")
			replica.Close()
		} else {
			m.replica = replica
		}
	}

	return m, nil
}

func open(cfg config.DB, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	return db, nil
}

// NewManagerFromDB wraps existing handles; tests inject sqlmock through here.
func NewManagerFromDB(primary, replica *sqlx.DB, timeout time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		primary: primary,
		replica: replica,
		timeout: timeout,
		log:     logger.With().Str("component", "postgres").Logger(),
	}
}

// Ping reports primary connectivity for readiness checks.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.primary.PingContext(ctx)
}

// Stats exposes pool counters for diagnostics.
func (m *Manager) Stats() sql.DBStats {
	return m.primary.Stats()
}

// Close releases both pools.
func (m *Manager) Close() error {
	var errs []error
	if err := m.primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.replica != nil {
		if err := m.replica.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// read runs fn against the primary, retrying once on the replica when the
// failure is infrastructural. sql.ErrNoRows is a result, not an outage, and
// is never retried.
func (m *Manager) read(ctx context.Context, fn func(ctx context.Context, db *sqlx.DB) error) error {
	rctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := fn(rctx, m.primary)
	cancel()
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if m.replica == nil || ctx.Err() != nil {
		return err
	}

	m.log.Warn().Err(err).Msg("Primary read failed, retrying on replica")
	rctx, cancel = context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return fn(rctx, m.replica)
}

// GetStock returns the securities-master row for ticker.
func (m *Manager) GetStock(ctx context.Context, ticker string) (domain.Stock, error) {
	const q = `
		SELECT ticker, borrow_status, lender_api_id, min_borrow_rate, last_updated
		FROM stocks
		WHERE ticker = $1`

	var s domain.Stock
	err := m.read(ctx, func(ctx context.Context, db *sqlx.DB) error {
		return db.GetContext(ctx, &s, q, ticker)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Stock{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Stock{}, fmt.Errorf("postgres: get stock %s: %w", ticker, err)
	}
	return s, nil
}

// GetBroker returns the broker row for clientID, active rows only.
func (m *Manager) GetBroker(ctx context.Context, clientID string) (domain.Broker, error) {
	const q = `
		SELECT client_id, markup_percentage, transaction_fee_type, transaction_amount, active
		FROM brokers
		WHERE client_id = $1 AND active = TRUE`

	var b domain.Broker
	err := m.read(ctx, func(ctx context.Context, db *sqlx.DB) error {
		return db.GetContext(ctx, &b, q, clientID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Broker{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Broker{}, fmt.Errorf("postgres: get broker %s: %w", clientID, err)
	}
	return b, nil
}

// LatestVolatility returns the newest archived sample for ticker.
func (m *Manager) LatestVolatility(ctx context.Context, ticker string) (domain.VolatilitySample, error) {
	const q = `
		SELECT ticker, vol_index, event_risk_factor, observed_at
		FROM volatility_samples
		WHERE ticker = $1
		ORDER BY observed_at DESC
		LIMIT 1`

	var v domain.VolatilitySample
	err := m.read(ctx, func(ctx context.Context, db *sqlx.DB) error {
		return db.GetContext(ctx, &v, q, ticker)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VolatilitySample{}, store.ErrNotFound
	}
	if err != nil {
		return domain.VolatilitySample{}, fmt.Errorf("postgres: latest volatility %s: %w", ticker, err)
	}
	return v, nil
}

// GetAPIKey returns the credential row for keyHash.
func (m *Manager) GetAPIKey(ctx context.Context, keyHash string) (domain.APIKey, error) {
	const q = `
		SELECT key_hash, client_id, rate_limit, expires_at
		FROM api_keys
		WHERE key_hash = $1`

	var k domain.APIKey
	err := m.read(ctx, func(ctx context.Context, db *sqlx.DB) error {
		return db.GetContext(ctx, &k, q, keyHash)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, store.ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("postgres: get api key: %w", err)
	}
	return k, nil
}

// AppendAudit inserts one audit record. Duplicate audit ids are swallowed by
// ON CONFLICT, so redelivery from the queue or a spill replay is idempotent.
func (m *Manager) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	const q = `
		INSERT INTO audit_records (
			audit_id, created_at, client_id, ticker,
			position_value, loan_days, borrow_rate_used,
			total_fee, borrow_cost, markup, transaction_fees, data_sources
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (audit_id) DO NOTHING`

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err := m.primary.ExecContext(ctx, q,
		rec.AuditID, rec.CreatedAt, rec.ClientID, rec.Ticker,
		rec.PositionValue, rec.LoanDays, rec.BorrowRateUsed,
		rec.TotalFee, rec.BorrowCost, rec.Markup, rec.TransactionFee, rec.Sources,
	)
	if err != nil {
		return fmt.Errorf("postgres: append audit %s: %w", rec.AuditID, err)
	}
	return nil
}
