package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocklend/locatesvc/internal/cache"
	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/money"
	"github.com/stocklend/locatesvc/internal/request"
	"github.com/stocklend/locatesvc/internal/store"
)

const headerIdempotencyKey = "Idempotency-Key"

// feeEntry is the cached result of one priced calculation: everything
// needed to replay the response body and to write an audit record.
type feeEntry struct {
	Rate      decimal.Decimal     `json:"rate"`
	Breakdown domain.FeeBreakdown `json:"breakdown"`
	Sources   domain.DataSources  `json:"sources"`
}

// handleCalculate prices one locate: parse, resolve the broker, price
// through the fee cache, respond, then enqueue the audit record.
func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	in, err := request.ParseCalculate(r)
	if err != nil {
		s.countCalculation("invalid")
		writeError(w, r, s.log, err)
		return
	}

	broker, err := s.brokers.GetBroker(ctx, in.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.countCalculation("not_found")
			writeError(w, r, s.log, domain.Ef(domain.CodeClientNotFound,
				"client %s is not configured", in.ClientID).WithDetail("client_id", in.ClientID))
			return
		}
		s.countCalculation("error")
		writeError(w, r, s.log, domain.E(domain.CodeInternalError,
			"broker lookup failed").WithCause(err))
		return
	}

	// The cache key is the parameter tuple unless the caller supplied an
	// idempotency key, which then scopes the entry to that caller. Only
	// POST honors the header; a GET is a read and never replays.
	key := cache.FeeKey(in.Ticker, in.PositionValue, in.LoanDays, broker)
	var idem string
	if r.Method == http.MethodPost {
		idem = strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	}
	if idem != "" {
		key = cache.IdempotencyFeeKey(in.ClientID, idem)
	}

	entry, origin, err := cache.GetOrLoad(ctx, s.cache, s.ns.LocateFee, key,
		func(ctx context.Context) (feeEntry, error) {
			return s.price(ctx, in, broker)
		})
	if err != nil {
		s.countCalculation(calcOutcome(err))
		writeError(w, r, s.log, err)
		return
	}

	writeJSON(w, http.StatusOK, feeResponse{
		Status:   "success",
		TotalFee: money.N(entry.Breakdown.TotalFee),
		Breakdown: feeBreakdown{
			BorrowCost:      money.N(entry.Breakdown.BorrowCost),
			Markup:          money.N(entry.Breakdown.Markup),
			TransactionFees: money.N(entry.Breakdown.TransactionFees),
		},
		BorrowRateUsed: money.N(entry.Rate),
	})
	s.countCalculation("success")

	// An idempotent replay is the same business event, so only the request
	// that actually priced it writes the trail. A parameter-tuple cache hit
	// is a distinct request that happens to price identically; it gets its
	// own record.
	if idem != "" && origin.Layer != "loader" {
		return
	}
	s.audit.Enqueue(domain.AuditRecord{
		AuditID:        uuid.New().String(),
		CreatedAt:      s.clock.Now().UTC(),
		ClientID:       in.ClientID,
		Ticker:         in.Ticker,
		PositionValue:  in.PositionValue,
		LoanDays:       in.LoanDays,
		BorrowRateUsed: entry.Rate,
		TotalFee:       entry.Breakdown.TotalFee,
		BorrowCost:     entry.Breakdown.BorrowCost,
		Markup:         entry.Breakdown.Markup,
		TransactionFee: entry.Breakdown.TransactionFees,
		Sources:        entry.Sources,
	})
}

// price runs the uncached path: adjusted rate, then the fee breakdown.
func (s *Server) price(ctx context.Context, in request.Calculate, broker domain.Broker) (feeEntry, error) {
	adj, err := s.rates.Resolve(ctx, in.Ticker)
	if err != nil {
		return feeEntry{}, err
	}
	bd, err := s.fees.Calculate(adj.Rate, in.PositionValue, in.LoanDays, broker)
	if err != nil {
		return feeEntry{}, err
	}
	return feeEntry{Rate: adj.Rate, Breakdown: bd, Sources: adj.Sources}, nil
}

// calcOutcome buckets an error into the calculations counter label.
func calcOutcome(err error) string {
	switch domain.CodeOf(err) {
	case domain.CodeInvalidParameter:
		return "invalid"
	case domain.CodeTickerNotFound, domain.CodeClientNotFound:
		return "not_found"
	case domain.CodeExternalAPIUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}

func (s *Server) countCalculation(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Calculations.WithLabelValues(outcome).Inc()
}
