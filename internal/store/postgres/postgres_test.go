package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/money"
	"github.com/stocklend/locatesvc/internal/store"
)

func newMockManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := NewManagerFromDB(sqlx.NewDb(db, "postgres"), nil, 2*time.Second, zerolog.Nop())
	return m, mock
}

func TestGetStock(t *testing.T) {
	m, mock := newMockManager(t)

	updated := time.Date(2025, 6, 1, 14, 30, 22, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"ticker", "borrow_status", "lender_api_id", "min_borrow_rate", "last_updated"}).
		AddRow("AAPL", "EASY", nil, "0.0025", updated)

	mock.ExpectQuery("SELECT ticker, borrow_status, lender_api_id, min_borrow_rate, last_updated").
		WithArgs("AAPL").
		WillReturnRows(rows)

	stock, err := m.GetStock(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", stock.Ticker)
	assert.Equal(t, domain.BorrowStatusEasy, stock.BorrowStatus)
	assert.Nil(t, stock.LenderAPIID)
	assert.True(t, stock.MinBorrowRate.Equal(money.D("0.0025")))
	assert.Equal(t, updated, stock.LastUpdated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStockNotFound(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery("SELECT ticker, borrow_status").
		WithArgs("ZZZZ").
		WillReturnRows(sqlmock.NewRows([]string{"ticker"}))

	_, err := m.GetStock(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetBrokerActiveOnly(t *testing.T) {
	m, mock := newMockManager(t)

	rows := sqlmock.NewRows([]string{"client_id", "markup_percentage", "transaction_fee_type", "transaction_amount", "active"}).
		AddRow("xyz123", "5", "FLAT", "25", true)

	mock.ExpectQuery(`WHERE client_id = \$1 AND active = TRUE`).
		WithArgs("xyz123").
		WillReturnRows(rows)

	broker, err := m.GetBroker(context.Background(), "xyz123")
	require.NoError(t, err)

	assert.Equal(t, "xyz123", broker.ClientID)
	assert.True(t, broker.MarkupPercentage.Equal(money.D("5")))
	assert.Equal(t, domain.FeeTypeFlat, broker.FeeType)
	assert.True(t, broker.TransactionAmount.Equal(money.D("25")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBrokerInactiveIsNotFound(t *testing.T) {
	m, mock := newMockManager(t)

	// The active filter lives in the query, so an inactive row surfaces as an
	// empty result set.
	mock.ExpectQuery(`WHERE client_id = \$1 AND active = TRUE`).
		WithArgs("dormant").
		WillReturnRows(sqlmock.NewRows([]string{"client_id"}))

	_, err := m.GetBroker(context.Background(), "dormant")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLatestVolatility(t *testing.T) {
	m, mock := newMockManager(t)

	observed := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"ticker", "vol_index", "event_risk_factor", "observed_at"}).
		AddRow("GME", "32.5", 7, observed)

	mock.ExpectQuery(`ORDER BY observed_at DESC\s+LIMIT 1`).
		WithArgs("GME").
		WillReturnRows(rows)

	sample, err := m.LatestVolatility(context.Background(), "GME")
	require.NoError(t, err)

	assert.True(t, sample.VolIndex.Equal(money.D("32.5")))
	assert.Equal(t, 7, sample.EventRiskFactor)
	assert.Equal(t, observed, sample.ObservedAt)
}

func TestGetAPIKey(t *testing.T) {
	m, mock := newMockManager(t)

	expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"key_hash", "client_id", "rate_limit", "expires_at"}).
		AddRow("abc123hash", "xyz123", 60, expires)

	mock.ExpectQuery("SELECT key_hash, client_id, rate_limit, expires_at").
		WithArgs("abc123hash").
		WillReturnRows(rows)

	key, err := m.GetAPIKey(context.Background(), "abc123hash")
	require.NoError(t, err)

	assert.Equal(t, "xyz123", key.ClientID)
	assert.Equal(t, 60, key.RateLimit)
	require.NotNil(t, key.ExpiresAt)
	assert.Equal(t, expires, *key.ExpiresAt)
}

func TestGetAPIKeyUnknown(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery("SELECT key_hash, client_id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"key_hash"}))

	_, err := m.GetAPIKey(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendAudit(t *testing.T) {
	m, mock := newMockManager(t)

	rec := domain.AuditRecord{
		AuditID:        "11111111-2222-3333-4444-555555555555",
		CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ClientID:       "xyz123",
		Ticker:         "AAPL",
		PositionValue:  money.D("100000"),
		LoanDays:       30,
		BorrowRateUsed: money.D("0.0598"),
		TotalFee:       money.D("541.0822"),
		BorrowCost:     money.D("491.5069"),
		Markup:         money.D("24.5753"),
		TransactionFee: money.D("25.0000"),
		Sources: domain.DataSources{
			BorrowRate: domain.SourceAPI,
			Volatility: domain.SourceAPI,
			EventRisk:  domain.SourceAPI,
		},
	}

	mock.ExpectExec("INSERT INTO audit_records").
		WithArgs(
			rec.AuditID, rec.CreatedAt, rec.ClientID, rec.Ticker,
			sqlmock.AnyArg(), rec.LoanDays, sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, m.AppendAudit(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAuditDuplicateIsNoop(t *testing.T) {
	m, mock := newMockManager(t)

	// ON CONFLICT swallows the duplicate: zero rows affected, no error.
	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.AppendAudit(context.Background(), domain.AuditRecord{AuditID: "dup"})
	assert.NoError(t, err)
}

func TestReadRetriesOnReplica(t *testing.T) {
	primaryDB, primaryMock, err := sqlmock.New()
	require.NoError(t, err)
	defer primaryDB.Close()

	replicaDB, replicaMock, err := sqlmock.New()
	require.NoError(t, err)
	defer replicaDB.Close()

	m := NewManagerFromDB(
		sqlx.NewDb(primaryDB, "postgres"),
		sqlx.NewDb(replicaDB, "postgres"),
		2*time.Second,
		zerolog.Nop(),
	)

	primaryMock.ExpectQuery("SELECT ticker, borrow_status").
		WithArgs("AAPL").
		WillReturnError(errors.New("connection reset"))

	rows := sqlmock.NewRows([]string{"ticker", "borrow_status", "lender_api_id", "min_borrow_rate", "last_updated"}).
		AddRow("AAPL", "HARD", nil, "0.15", time.Now())
	replicaMock.ExpectQuery("SELECT ticker, borrow_status").
		WithArgs("AAPL").
		WillReturnRows(rows)

	stock, err := m.GetStock(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.BorrowStatusHard, stock.BorrowStatus)
	assert.NoError(t, primaryMock.ExpectationsWereMet())
	assert.NoError(t, replicaMock.ExpectationsWereMet())
}

func TestNoRowsDoesNotFailOver(t *testing.T) {
	primaryDB, primaryMock, err := sqlmock.New()
	require.NoError(t, err)
	defer primaryDB.Close()

	replicaDB, replicaMock, err := sqlmock.New()
	require.NoError(t, err)
	defer replicaDB.Close()

	m := NewManagerFromDB(
		sqlx.NewDb(primaryDB, "postgres"),
		sqlx.NewDb(replicaDB, "postgres"),
		2*time.Second,
		zerolog.Nop(),
	)

	primaryMock.ExpectQuery("SELECT ticker, borrow_status").
		WithArgs("ZZZZ").
		WillReturnRows(sqlmock.NewRows([]string{"ticker"}))

	_, err = m.GetStock(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// A missing row is an answer, not an outage; the replica sees no traffic.
	assert.NoError(t, replicaMock.ExpectationsWereMet())
}
