package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/metrics"
)

// ProviderVolatility names the market volatility feed.
const ProviderVolatility = "volatility"

// VolQuote is one volatility observation for a ticker.
type VolQuote struct {
	Value      decimal.Decimal `json:"value"`
	ObservedAt time.Time       `json:"timestamp"`
}

// Volatility fetches the current volatility index per ticker.
type Volatility struct {
	fab *Fabric
}

// NewVolatility builds the volatility client; authentication is a bearer token.
func NewVolatility(cfg config.Upstream, m *metrics.Registry, logger zerolog.Logger) *Volatility {
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Volatility{fab: NewFabric(ProviderVolatility, cfg, header, m, logger)}
}

// Fabric exposes the underlying endpoint for health reporting.
func (c *Volatility) Fabric() *Fabric { return c.fab }

// Index fetches the volatility index for ticker. Negative or unparseable
// values are transient: the caller falls back rather than pricing from them.
func (c *Volatility) Index(ctx context.Context, ticker string) (VolQuote, error) {
	body, err := c.fab.Fetch(ctx, "/api/market/volatility/"+url.PathEscape(ticker), nil)
	if err != nil {
		return VolQuote{}, err
	}

	var payload struct {
		Value     json.RawMessage `json:"value"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return VolQuote{}, Permanent(ProviderVolatility, 0, "decoding response", err)
	}
	if len(payload.Value) == 0 {
		return VolQuote{}, Permanent(ProviderVolatility, 0, "response missing value", nil)
	}

	value, err := parseQuotedDecimal(payload.Value)
	if err != nil || value.IsNegative() {
		return VolQuote{}, Transient(ProviderVolatility, "unusable volatility value", err)
	}

	// The observation timestamp is informational; tolerate a missing or
	// malformed one rather than discarding a usable value.
	observedAt, _ := time.Parse(time.RFC3339, payload.Timestamp)

	return VolQuote{Value: value, ObservedAt: observedAt}, nil
}
