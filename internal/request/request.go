// Package request normalizes and validates calculate-locate inputs. The
// JSON body and the query string are reduced to the same raw-text form so
// both transports pass through one set of rules, applied in a fixed order
// with the first violation winning.
package request

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/money"
)

const (
	maxTickerLen   = 10
	maxClientIDLen = 50
	minLoanDays    = 1
	maxLoanDays    = 365
	maxBodyBytes   = 1 << 20
)

var (
	tickerPattern   = regexp.MustCompile(`^[A-Z0-9.\-]+$`)
	clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

	// maxPosition is 1e9, inclusive.
	maxPosition = decimal.New(1, 9)
)

// Calculate is a validated calculate-locate input.
type Calculate struct {
	Ticker        string
	PositionValue decimal.Decimal
	LoanDays      int
	ClientID      string
}

// raw carries the four inputs as uninterpreted text, the common denominator
// of the two transports.
type raw struct {
	ticker        string
	positionValue string
	loanDays      string
	clientID      string
}

// ParseCalculate extracts and validates the calculation inputs from r: the
// JSON body on POST, the query string on GET.
func ParseCalculate(r *http.Request) (Calculate, error) {
	var in raw
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Ticker        string          `json:"ticker"`
			PositionValue json.RawMessage `json:"position_value"`
			LoanDays      json.RawMessage `json:"loan_days"`
			ClientID      string          `json:"client_id"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil {
			return Calculate{}, domain.E(domain.CodeInvalidParameter,
				"request body is not valid JSON").WithDetail("field", "body").WithCause(err)
		}
		in = raw{
			ticker:        payload.Ticker,
			positionValue: rawText(payload.PositionValue),
			loanDays:      rawText(payload.LoanDays),
			clientID:      payload.ClientID,
		}
	default:
		q := r.URL.Query()
		in = raw{
			ticker:        q.Get("ticker"),
			positionValue: q.Get("position_value"),
			loanDays:      q.Get("loan_days"),
			clientID:      q.Get("client_id"),
		}
	}
	return validate(in)
}

// rawText flattens a JSON scalar to its text: numbers keep their literal
// form, strings are unquoted, anything else validates downstream as garbage.
func rawText(m json.RawMessage) string {
	b := bytes.TrimSpace(m)
	if len(b) == 0 || string(b) == "null" {
		return ""
	}
	if b[0] == '"' {
		var s string
		if json.Unmarshal(b, &s) == nil {
			return s
		}
	}
	return string(b)
}

// Ticker normalizes a raw ticker to its canonical uppercase form and
// validates it. Shared with the rates endpoint, which takes the ticker as a
// path segment rather than a field.
func Ticker(raw string) (string, error) {
	ticker := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case ticker == "":
		return "", invalid("ticker", "ticker is required")
	case len(ticker) > maxTickerLen:
		return "", invalid("ticker", "ticker exceeds 10 characters")
	case !tickerPattern.MatchString(ticker):
		return "", invalid("ticker", "ticker may contain only letters, digits, dots and dashes")
	}
	return ticker, nil
}

// validate applies the rules in order: ticker, position_value, loan_days,
// client_id. The returned error names the first offending field.
func validate(in raw) (Calculate, error) {
	ticker, err := Ticker(in.ticker)
	if err != nil {
		return Calculate{}, err
	}

	pv := strings.TrimSpace(in.positionValue)
	if pv == "" {
		return Calculate{}, invalid("position_value", "position_value is required")
	}
	position, err := money.Parse(pv)
	if err != nil {
		return Calculate{}, invalid("position_value", "position_value is not a valid decimal")
	}
	switch {
	case !position.IsPositive():
		return Calculate{}, invalid("position_value", "position_value must be positive")
	case position.GreaterThan(maxPosition):
		return Calculate{}, invalid("position_value", "position_value exceeds the maximum of 1000000000")
	}

	ld := strings.TrimSpace(in.loanDays)
	if ld == "" {
		return Calculate{}, invalid("loan_days", "loan_days is required")
	}
	loanDays, err := strconv.Atoi(ld)
	if err != nil {
		return Calculate{}, invalid("loan_days", "loan_days must be an integer")
	}
	if loanDays < minLoanDays || loanDays > maxLoanDays {
		return Calculate{}, invalid("loan_days", "loan_days must be between 1 and 365")
	}

	clientID := strings.TrimSpace(in.clientID)
	switch {
	case clientID == "":
		return Calculate{}, invalid("client_id", "client_id is required")
	case len(clientID) > maxClientIDLen:
		return Calculate{}, invalid("client_id", "client_id exceeds 50 characters")
	case !clientIDPattern.MatchString(clientID):
		return Calculate{}, invalid("client_id", "client_id may contain only letters, digits, underscores and dashes")
	}

	return Calculate{
		Ticker:        ticker,
		PositionValue: position,
		LoanDays:      loanDays,
		ClientID:      clientID,
	}, nil
}

func invalid(field, message string) *domain.Error {
	return domain.E(domain.CodeInvalidParameter, message).WithDetail("field", field)
}
