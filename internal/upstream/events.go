package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/stocklend/locatesvc/internal/clock"
	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/metrics"
)

// ProviderEvents names the corporate-events calendar feed.
const ProviderEvents = "events"

// eventHorizon is how far ahead calendar entries still influence pricing.
const eventHorizon = 30 * 24 * time.Hour

// maxEventRisk clamps provider risk factors to the supported scale.
const maxEventRisk = 10

// EventRisk is the reduced risk signal for a ticker: the maximum risk factor
// among known events inside the horizon.
type EventRisk struct {
	Factor int `json:"risk"`
}

// Events fetches the corporate-event calendar and reduces it to one factor.
type Events struct {
	fab   *Fabric
	clock clock.Clock
	log   zerolog.Logger
}

// NewEvents builds the events client; authentication is an X-API-Key header.
func NewEvents(cfg config.Upstream, clk clock.Clock, m *metrics.Registry, logger zerolog.Logger) *Events {
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("X-API-Key", cfg.APIKey)
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Events{
		fab:   NewFabric(ProviderEvents, cfg, header, m, logger),
		clock: clk,
		log:   logger.With().Str("provider", ProviderEvents).Logger(),
	}
}

// Fabric exposes the underlying endpoint for health reporting.
func (c *Events) Fabric() *Fabric { return c.fab }

// Risk fetches upcoming events for ticker and reduces them to
// max(risk_factor) across events dated within the next 30 days. No events
// in the horizon is a valid zero, not a failure. Individual entries with
// malformed dates or risks are skipped; the rest of the calendar is usable.
func (c *Events) Risk(ctx context.Context, ticker string) (EventRisk, error) {
	query := url.Values{"ticker": []string{ticker}}
	body, err := c.fab.Fetch(ctx, "/api/calendar/events", query)
	if err != nil {
		return EventRisk{}, err
	}

	var payload struct {
		Events []struct {
			Type       string `json:"type"`
			Date       string `json:"date"`
			RiskFactor int    `json:"risk_factor"`
		} `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return EventRisk{}, Permanent(ProviderEvents, 0, "decoding response", err)
	}

	now := c.clock.Now()
	horizon := now.Add(eventHorizon)

	maxRisk := 0
	for _, ev := range payload.Events {
		when, err := parseEventDate(ev.Date)
		if err != nil {
			c.log.Debug().Str("ticker", ticker).Str("date", ev.Date).Msg("Skipping event with bad date")
			continue
		}
		if when.Before(now.Truncate(24*time.Hour)) || when.After(horizon) {
			continue
		}
		risk := ev.RiskFactor
		if risk < 0 {
			risk = 0
		}
		if risk > maxEventRisk {
			risk = maxEventRisk
		}
		if risk > maxRisk {
			maxRisk = risk
		}
	}

	return EventRisk{Factor: maxRisk}, nil
}

// parseEventDate accepts full RFC 3339 stamps and bare dates.
func parseEventDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
