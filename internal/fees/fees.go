// Package fees turns an adjusted borrow rate and a broker's commercial terms
// into an itemized locate fee. The calculator is pure: no I/O, no clock, no
// logger, so every caller gets the same cents for the same inputs.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/stocklend/locatesvc/internal/domain"
	"github.com/stocklend/locatesvc/internal/money"
)

// dailyRateScale is the precision the annualized rate is held at between the
// day-count division and the position multiply. Eleven places keeps a basis
// point of rate on a billion-dollar position exact while pinning the result
// to one representation regardless of the division precision.
const dailyRateScale = 11

// Calculator produces fee breakdowns under a fixed day-count convention.
type Calculator struct {
	daysInYear decimal.Decimal
}

// NewCalculator builds a calculator using the given day-count basis.
// Non-positive values fall back to 365.
func NewCalculator(daysInYear int) *Calculator {
	if daysInYear <= 0 {
		daysInYear = 365
	}
	return &Calculator{daysInYear: decimal.NewFromInt(int64(daysInYear))}
}

// Calculate itemizes the locate fee for borrowing position dollars of stock
// for loanDays at the given annualized rate, under broker's markup and
// transaction fee terms. Each component is rounded to four decimal places
// with banker's rounding before the total is formed, so the parts always sum
// to the total exactly.
func (c *Calculator) Calculate(annualRate, position decimal.Decimal, loanDays int, broker domain.Broker) (domain.FeeBreakdown, error) {
	daily, err := money.Div(annualRate, c.daysInYear)
	if err != nil {
		return domain.FeeBreakdown{}, calcErr("daily rate", err)
	}
	daily = money.Quantize(daily, dailyRateScale)

	cost, err := money.Mul(position, daily)
	if err == nil {
		cost, err = money.Mul(cost, decimal.NewFromInt(int64(loanDays)))
	}
	if err != nil {
		return domain.FeeBreakdown{}, calcErr("borrow cost", err)
	}
	borrowCost := money.Quantize4(cost)

	// Markup applies to the rounded borrow cost, not the raw product, so the
	// markup on a quoted cost reconciles with the quote.
	markup, err := money.Mul(borrowCost, broker.MarkupPercentage)
	if err == nil {
		markup, err = money.Div(markup, decimal.NewFromInt(100))
	}
	if err != nil {
		return domain.FeeBreakdown{}, calcErr("markup", err)
	}
	markup = money.Quantize4(markup)

	var txn decimal.Decimal
	switch broker.FeeType {
	case domain.FeeTypeFlat:
		txn = broker.TransactionAmount
	case domain.FeeTypePercentage:
		txn, err = money.Mul(position, broker.TransactionAmount)
		if err == nil {
			txn, err = money.Div(txn, decimal.NewFromInt(100))
		}
		if err != nil {
			return domain.FeeBreakdown{}, calcErr("transaction fee", err)
		}
	default:
		return domain.FeeBreakdown{}, domain.Ef(domain.CodeCalculationError,
			"unknown transaction fee type %q", string(broker.FeeType)).
			WithDetail("client_id", broker.ClientID)
	}
	txn = money.Quantize4(txn)

	for _, part := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"borrow_cost", borrowCost},
		{"markup", markup},
		{"transaction_fees", txn},
	} {
		if part.value.IsNegative() {
			return domain.FeeBreakdown{}, domain.E(domain.CodeCalculationError,
				"fee component is negative").WithDetail("component", part.name)
		}
	}

	total, err := money.Add(borrowCost, markup)
	if err == nil {
		total, err = money.Add(total, txn)
	}
	if err != nil {
		return domain.FeeBreakdown{}, calcErr("total", err)
	}

	return domain.FeeBreakdown{
		BorrowCost:      borrowCost,
		Markup:          markup,
		TransactionFees: txn,
		TotalFee:        total,
	}, nil
}

func calcErr(stage string, err error) *domain.Error {
	return domain.Ef(domain.CodeCalculationError, "computing %s", stage).WithCause(err)
}
