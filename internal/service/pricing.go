package service

import (
	"math"

	"github.com/buildcrest/be-proposals/internal/repository"
)

// Totals is a pricing breakdown in minor units. Total may be negative when
// the discount exceeds subtotal plus tax; rejecting that is the commit path's
// job, not this function's.
type Totals struct {
	Subtotal int64
	Tax      int64
	Total    int64
}

// ComputeTotals derives the pricing breakdown for a set of line items. It is
// a pure function: the same inputs always produce the same output, and the
// rounding rule (half away from zero, applied per line and once to the tax)
// is part of the contract.
func ComputeTotals(lineItems []repository.LineItem, taxRatePercent float64, discountMinor int64) Totals {
	var subtotal int64
	for _, item := range lineItems {
		subtotal += LineTotal(item)
	}

	tax := roundHalfAwayFromZero(float64(subtotal) * taxRatePercent / 100)

	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal + tax - discountMinor,
	}
}

// LineTotal computes quantity × unit price rounded to the currency's minor
// unit, half away from zero.
func LineTotal(item repository.LineItem) int64 {
	return roundHalfAwayFromZero(item.Quantity * float64(item.UnitPrice))
}

func roundHalfAwayFromZero(x float64) int64 {
	if x >= 0 {
		return int64(math.Floor(x + 0.5))
	}
	return int64(math.Ceil(x - 0.5))
}
