package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/money"
	"github.com/stocklend/locatesvc/internal/request"
)

// rateResponse is the rates endpoint body. Decimal fields go out as bare
// JSON numbers, matching the calculate body.
type rateResponse struct {
	Ticker          string              `json:"ticker"`
	CurrentRate     money.Number        `json:"current_rate"`
	BorrowStatus    domain.BorrowStatus `json:"borrow_status"`
	VolatilityIndex money.Number        `json:"volatility_index"`
	EventRiskFactor int                 `json:"event_risk_factor"`
	Sources         domain.DataSources  `json:"data_sources"`
	LastUpdated     time.Time           `json:"last_updated"`
}

// handleRates serves the current adjusted rate for one ticker.
func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	ticker, err := request.Ticker(mux.Vars(r)["ticker"])
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	adj, err := s.rates.Resolve(r.Context(), ticker)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}

	writeJSON(w, http.StatusOK, rateResponse{
		Ticker:          adj.Ticker,
		CurrentRate:     money.N(adj.Rate),
		BorrowStatus:    adj.BorrowStatus,
		VolatilityIndex: money.N(adj.VolatilityIndex),
		EventRiskFactor: adj.EventRiskFactor,
		Sources:         adj.Sources,
		LastUpdated:     adj.StockUpdatedAt.UTC(),
	})
}
