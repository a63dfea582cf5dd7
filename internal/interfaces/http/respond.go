package http

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/money"
)

// feeResponse is the calculate-locate success body. All monetary fields are
// bare JSON numbers with at most four decimal digits.
type feeResponse struct {
	Status         string       `json:"status"`
	TotalFee       money.Number `json:"total_fee"`
	Breakdown      feeBreakdown `json:"breakdown"`
	BorrowRateUsed money.Number `json:"borrow_rate_used"`
}

type feeBreakdown struct {
	BorrowCost      money.Number `json:"borrow_cost"`
	Markup          money.Number `json:"markup"`
	TransactionFees money.Number `json:"transaction_fees"`
}

// errorResponse is the envelope for every 4xx/5xx body.
type errorResponse struct {
	Status    string         `json:"status"`
	Error     string         `json:"error"`
	ErrorCode domain.Code    `json:"error_code"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError shapes err into the error envelope. Unclassified errors become
// INTERNAL_ERROR carrying only the request id; their text stays in the logs.
func writeError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	de, ok := domain.AsError(err)
	if !ok {
		de = domain.E(domain.CodeInternalError, "internal error").WithCause(err)
	}

	status := de.Code.HTTPStatus()
	body := errorResponse{
		Status:    "error",
		Error:     de.Message,
		ErrorCode: de.Code,
		Details:   de.Details,
	}
	if status >= http.StatusInternalServerError {
		if id := requestID(r.Context()); id != "" {
			body.Details = withDetail(body.Details, "correlation_id", id)
		}
		logger.Error().Err(err).
			Str("request_id", requestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	writeJSON(w, status, body)
}

func withDetail(details map[string]any, key string, value any) map[string]any {
	if details == nil {
		details = make(map[string]any, 1)
	}
	details[key] = value
	return details
}

// notFound answers unrouted paths with the standard envelope. Route misses
// sit outside the calculation error taxonomy, so they carry their own code.
func notFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, errorResponse{
		Status:    "error",
		Error:     "resource not found",
		ErrorCode: "NOT_FOUND",
	})
}

// methodNotAllowed keeps the envelope on 405s instead of mux's plain text.
func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
		Status:    "error",
		Error:     "method not allowed",
		ErrorCode: "METHOD_NOT_ALLOWED",
	})
}
