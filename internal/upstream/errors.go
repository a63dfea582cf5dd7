// Package upstream wraps the three provider HTTP APIs (SecLend, volatility,
// events) behind a shared client fabric: per-call timeout, bounded retry
// with jittered backoff, an outbound throttle and a circuit breaker per
// endpoint. Failures are classified as transient or permanent; only
// transient failures are eligible for fallback upstream of here.
package upstream

import (
	"errors"
	"fmt"
)

// ErrBreakerOpen is the cause attached to transient errors produced while a
// provider's circuit is open or half-open beyond its probe budget.
var ErrBreakerOpen = errors.New("upstream: circuit open")

// TransientError marks a failure worth retrying or falling back from:
// timeout, connection trouble, 5xx, throttling, an open breaker, or a
// well-formed response carrying an unusable value.
type TransientError struct {
	Provider string
	Reason   string
	cause    error
}

func (e *TransientError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: transient: %s: %v", e.Provider, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: transient: %s", e.Provider, e.Reason)
}

func (e *TransientError) Unwrap() error { return e.cause }

// PermanentError marks a deterministic failure: a 4xx other than 429, or a
// payload that violates the provider contract. Retrying cannot help.
type PermanentError struct {
	Provider string
	Status   int
	Reason   string
	cause    error
}

func (e *PermanentError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: permanent: http %d: %s", e.Provider, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: permanent: %s", e.Provider, e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.cause }

// Transient builds a TransientError.
func Transient(provider, reason string, cause error) *TransientError {
	return &TransientError{Provider: provider, Reason: reason, cause: cause}
}

// Permanent builds a PermanentError.
func Permanent(provider string, status int, reason string, cause error) *PermanentError {
	return &PermanentError{Provider: provider, Status: status, Reason: reason, cause: cause}
}

// IsTransient reports whether err's chain contains a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err's chain contains a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
