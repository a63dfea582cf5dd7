package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/metrics"
)

// ProviderSecLend names the securities-lending rate feed.
const ProviderSecLend = "seclend"

// BorrowQuote is SecLend's view of a ticker: the current annualized borrow
// rate and the lender's easy/medium/hard tier.
type BorrowQuote struct {
	Rate   decimal.Decimal     `json:"rate"`
	Status domain.BorrowStatus `json:"status"`
}

// SecLend fetches live borrow rates.
type SecLend struct {
	fab *Fabric
}

// NewSecLend builds the SecLend client; authentication is an X-API-Key header.
func NewSecLend(cfg config.Upstream, m *metrics.Registry, logger zerolog.Logger) *SecLend {
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("X-API-Key", cfg.APIKey)
	}
	return &SecLend{fab: NewFabric(ProviderSecLend, cfg, header, m, logger)}
}

// Fabric exposes the underlying endpoint for health reporting.
func (c *SecLend) Fabric() *Fabric { return c.fab }

// BorrowRate fetches the current quote for ticker. A response carrying a
// rate we cannot price from (unparseable, negative, absurd magnitude) is a
// transient failure so callers move on to their fallbacks.
func (c *SecLend) BorrowRate(ctx context.Context, ticker string) (BorrowQuote, error) {
	body, err := c.fab.Fetch(ctx, "/api/borrows/"+url.PathEscape(ticker), nil)
	if err != nil {
		return BorrowQuote{}, err
	}

	var payload struct {
		Rate   json.RawMessage `json:"rate"`
		Status string          `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return BorrowQuote{}, Permanent(ProviderSecLend, 0, "decoding response", err)
	}
	if len(payload.Rate) == 0 {
		return BorrowQuote{}, Permanent(ProviderSecLend, 0, "response missing rate", nil)
	}

	rate, err := parseQuotedDecimal(payload.Rate)
	if err != nil || rate.IsNegative() {
		return BorrowQuote{}, Transient(ProviderSecLend, "unusable rate value", err)
	}

	status := domain.BorrowStatus(strings.ToUpper(payload.Status))
	if !status.Valid() {
		return BorrowQuote{}, Permanent(ProviderSecLend, 0, "unknown borrow status "+payload.Status, nil)
	}

	return BorrowQuote{Rate: rate, Status: status}, nil
}

// parseQuotedDecimal accepts both bare JSON numbers and quoted decimals.
func parseQuotedDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	return decimal.NewFromString(s)
}
