package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code. Codes are part of the API
// contract and never change meaning between releases.
type Code string

const (
	CodeInvalidParameter       Code = "INVALID_PARAMETER"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeTickerNotFound         Code = "TICKER_NOT_FOUND"
	CodeClientNotFound         Code = "CLIENT_NOT_FOUND"
	CodeRateLimitExceeded      Code = "RATE_LIMIT_EXCEEDED"
	CodeExternalAPIUnavailable Code = "EXTERNAL_API_UNAVAILABLE"
	CodeCalculationError       Code = "CALCULATION_ERROR"
	CodeInternalError          Code = "INTERNAL_ERROR"
)

// HTTPStatus maps a code to its transport status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidParameter:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeTickerNotFound, CodeClientNotFound:
		return http.StatusNotFound
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeExternalAPIUnavailable:
		return http.StatusServiceUnavailable
	case CodeCalculationError, CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified service error. Message and Details are safe to show
// to clients; anything sensitive belongs in the wrapped cause, which only
// reaches logs.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

// E builds a classified error.
func E(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Ef builds a classified error with a formatted message.
func Ef(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a client-visible detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}
	e.Details[key] = value
	return e
}

// WithCause attaches an internal cause that is logged but never serialized.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// AsError extracts a classified error from err's chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// CodeOf classifies an arbitrary error, defaulting to INTERNAL_ERROR.
func CodeOf(err error) Code {
	if de, ok := AsError(err); ok {
		return de.Code
	}
	return CodeInternalError
}
