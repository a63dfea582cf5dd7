// Package domain holds the entities shared across the pricing pipeline:
// stocks, broker terms, volatility samples, API keys, adjusted rates and the
// audit record, plus the provenance vocabulary and the service error
// taxonomy.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BorrowStatus is the easy/medium/hard-to-borrow tier of a stock.
type BorrowStatus string

const (
	BorrowStatusEasy   BorrowStatus = "EASY"
	BorrowStatusMedium BorrowStatus = "MEDIUM"
	BorrowStatusHard   BorrowStatus = "HARD"
)

// Valid reports whether s is one of the known tiers.
func (s BorrowStatus) Valid() bool {
	switch s {
	case BorrowStatusEasy, BorrowStatusMedium, BorrowStatusHard:
		return true
	}
	return false
}

// FeeType selects how a broker's transaction fee is charged.
type FeeType string

const (
	FeeTypeFlat       FeeType = "FLAT"
	FeeTypePercentage FeeType = "PERCENTAGE"
)

// Valid reports whether t is a known fee type.
func (t FeeType) Valid() bool {
	return t == FeeTypeFlat || t == FeeTypePercentage
}

// Stock is a securities master row. Rows are upserted by an out-of-band
// ingestion job; the pricing core only reads them.
type Stock struct {
	Ticker        string          `db:"ticker" json:"ticker"`
	BorrowStatus  BorrowStatus    `db:"borrow_status" json:"borrow_status"`
	LenderAPIID   *string         `db:"lender_api_id" json:"lender_api_id,omitempty"`
	MinBorrowRate decimal.Decimal `db:"min_borrow_rate" json:"min_borrow_rate"`
	LastUpdated   time.Time       `db:"last_updated" json:"last_updated"`
}

// Broker carries the commercial terms applied on top of the borrow cost.
type Broker struct {
	ClientID          string          `db:"client_id" json:"client_id"`
	MarkupPercentage  decimal.Decimal `db:"markup_percentage" json:"markup_percentage"`
	FeeType           FeeType         `db:"transaction_fee_type" json:"transaction_fee_type"`
	TransactionAmount decimal.Decimal `db:"transaction_amount" json:"transaction_amount"`
	Active            bool            `db:"active" json:"active"`
}

// VolatilitySample is one archived market-data observation for a ticker.
type VolatilitySample struct {
	Ticker          string          `db:"ticker" json:"ticker"`
	VolIndex        decimal.Decimal `db:"vol_index" json:"vol_index"`
	EventRiskFactor int             `db:"event_risk_factor" json:"event_risk_factor"`
	ObservedAt      time.Time       `db:"observed_at" json:"observed_at"`
}

// APIKey is a provisioned client credential. Only the SHA-256 hash of the
// key material is ever stored or compared.
type APIKey struct {
	KeyHash   string     `db:"key_hash" json:"-"`
	ClientID  string     `db:"client_id" json:"client_id"`
	RateLimit int        `db:"rate_limit" json:"rate_limit"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
}

// Expired reports whether the key is past its expiry at the given instant.
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// Source tags where an input value came from in a given calculation.
type Source string

const (
	SourceAPI           Source = "api"
	SourceCache         Source = "cache"
	SourceFallback      Source = "fallback"
	SourceStoredMinimum Source = "stored_minimum"
	SourceDefault       Source = "default"
)

// DataSources records per-input provenance for one calculation. It is
// persisted in the audit trail and echoed in responses so that every fee is
// explainable after the fact.
type DataSources struct {
	BorrowRate Source `json:"borrow_rate"`
	Volatility Source `json:"volatility"`
	EventRisk  Source `json:"event_risk"`
}

// Value serializes the provenance set for a jsonb column.
func (d DataSources) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan restores the provenance set from a jsonb column.
func (d *DataSources) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	case nil:
		*d = DataSources{}
		return nil
	default:
		return fmt.Errorf("domain: cannot scan %T into DataSources", src)
	}
}

// Degraded reports whether any input was served from something other than a
// live or freshly cached upstream read.
func (d DataSources) Degraded() bool {
	for _, s := range []Source{d.BorrowRate, d.Volatility, d.EventRisk} {
		switch s {
		case SourceFallback, SourceStoredMinimum, SourceDefault:
			return true
		}
	}
	return false
}

// AdjustedRate is the final borrow rate for a ticker together with the
// inputs that produced it.
type AdjustedRate struct {
	Ticker          string          `json:"ticker"`
	Rate            decimal.Decimal `json:"current_rate"`
	BorrowStatus    BorrowStatus    `json:"borrow_status"`
	VolatilityIndex decimal.Decimal `json:"volatility_index"`
	EventRiskFactor int             `json:"event_risk_factor"`
	Sources         DataSources     `json:"data_sources"`
	StockUpdatedAt  time.Time       `json:"last_updated"`
	ComputedAt      time.Time       `json:"-"`
}

// FeeBreakdown itemizes a locate fee. Every component is quantized to four
// decimal places before the total is formed, so the parts always reconcile
// with the total.
type FeeBreakdown struct {
	BorrowCost      decimal.Decimal `json:"borrow_cost"`
	Markup          decimal.Decimal `json:"markup"`
	TransactionFees decimal.Decimal `json:"transaction_fees"`
	TotalFee        decimal.Decimal `json:"total_fee"`
}

// AuditRecord is the immutable trace of one successful calculation.
type AuditRecord struct {
	AuditID        string          `db:"audit_id" json:"audit_id"`
	CreatedAt      time.Time       `db:"created_at" json:"timestamp"`
	ClientID       string          `db:"client_id" json:"client_id"`
	Ticker         string          `db:"ticker" json:"ticker"`
	PositionValue  decimal.Decimal `db:"position_value" json:"position_value"`
	LoanDays       int             `db:"loan_days" json:"loan_days"`
	BorrowRateUsed decimal.Decimal `db:"borrow_rate_used" json:"borrow_rate_used"`
	TotalFee       decimal.Decimal `db:"total_fee" json:"total_fee"`
	BorrowCost     decimal.Decimal `db:"borrow_cost" json:"borrow_cost"`
	Markup         decimal.Decimal `db:"markup" json:"markup"`
	TransactionFee decimal.Decimal `db:"transaction_fees" json:"transaction_fees"`
	Sources        DataSources     `db:"data_sources" json:"data_sources"`
}
