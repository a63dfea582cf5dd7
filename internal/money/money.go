// Package money wraps shopspring/decimal with the arithmetic rules used by
// the rate and fee calculators: fixed division precision, 4-decimal banker's
// rounding at component boundaries, and a hard magnitude bound that turns
// runaway intermediates into errors instead of silently nonsensical fees.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

func init() {
	// Quotients keep 16 fractional digits before any explicit rounding.
	decimal.DivisionPrecision = 16
}

// ErrOverflow reports an intermediate value outside the supported range.
var ErrOverflow = errors.New("money: value exceeds arithmetic bound")

// ErrDivisionByZero reports a zero divisor.
var ErrDivisionByZero = errors.New("money: division by zero")

// maxMagnitude bounds every intermediate produced by the calculators.
var maxMagnitude = decimal.New(1, 18)

// Zero is the zero decimal, exported for readability at call sites.
var Zero = decimal.Zero

// D is shorthand for decimal.RequireFromString, for constants in code and tests.
func D(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Parse converts a decimal literal, rejecting values beyond the arithmetic bound.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	if err := CheckBound(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// CheckBound returns ErrOverflow when |v| > 1e18.
func CheckBound(v decimal.Decimal) error {
	if v.Abs().GreaterThan(maxMagnitude) {
		return ErrOverflow
	}
	return nil
}

// Quantize rounds v to the given number of decimal places using banker's
// rounding (ties to even).
func Quantize(v decimal.Decimal, places int32) decimal.Decimal {
	return v.RoundBank(places)
}

// Quantize4 rounds v to 4 decimal places using banker's rounding. Fee and
// rate components are quantized before they are summed or serialized.
func Quantize4(v decimal.Decimal) decimal.Decimal {
	return v.RoundBank(4)
}

// Add returns a+b, bound-checked.
func Add(a, b decimal.Decimal) (decimal.Decimal, error) {
	out := a.Add(b)
	if err := CheckBound(out); err != nil {
		return decimal.Zero, err
	}
	return out, nil
}

// Mul returns a*b, bound-checked.
func Mul(a, b decimal.Decimal) (decimal.Decimal, error) {
	out := a.Mul(b)
	if err := CheckBound(out); err != nil {
		return decimal.Zero, err
	}
	return out, nil
}

// Div returns a/b at the package division precision, bound-checked.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	out := a.Div(b)
	if err := CheckBound(out); err != nil {
		return decimal.Zero, err
	}
	return out, nil
}

// Number wraps a decimal so it serializes as a bare JSON number rather than
// the quoted string shopspring emits by default. Values are expected to be
// quantized before they reach the response encoder.
type Number struct {
	decimal.Decimal
}

// N wraps d for JSON emission.
func N(d decimal.Decimal) Number { return Number{d} }

// MarshalJSON emits the canonical decimal text unquoted.
func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n.Decimal.String()), nil
}

// UnmarshalJSON accepts both bare numbers and quoted decimal strings.
func (n *Number) UnmarshalJSON(data []byte) error {
	return n.Decimal.UnmarshalJSON(data)
}
