package rules

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Rejection reasons reported by Validate
const (
	ReasonBelowMinNotional    = "below_min_notional"
	ReasonBelowMinQuantity    = "below_min_quantity"
	ReasonAboveMaxQuantity    = "above_max_quantity"
	ReasonNonPositivePrice    = "non_positive_price"
	ReasonNonPositiveQuantity = "non_positive_quantity"
)

// InstrumentRules holds the trading constraints of one symbol.
// A zero MinNotional, MinQuantity or MaxQuantity means the limit is not set.
type InstrumentRules struct {
	PriceIncrement    decimal.Decimal `json:"price_increment"`
	QuantityIncrement decimal.Decimal `json:"quantity_increment"`
	MinNotional       decimal.Decimal `json:"min_notional"`
	MinQuantity       decimal.Decimal `json:"min_quantity"`
	MaxQuantity       decimal.Decimal `json:"max_quantity"`
}

// Check reports rules that can never be satisfied or quantized against
func (r InstrumentRules) Check() error {
	if r.PriceIncrement.IsNegative() || r.QuantityIncrement.IsNegative() {
		return fmt.Errorf("increments must not be negative")
	}
	if r.MinNotional.IsNegative() || r.MinQuantity.IsNegative() || r.MaxQuantity.IsNegative() {
		return fmt.Errorf("limits must not be negative")
	}
	if r.MaxQuantity.IsPositive() && r.MinQuantity.GreaterThan(r.MaxQuantity) {
		return fmt.Errorf("min quantity %s exceeds max quantity %s", r.MinQuantity, r.MaxQuantity)
	}
	return nil
}

// ValidationError is a local rejection. The venue is never contacted for it.
type ValidationError struct {
	Symbol string
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Symbol, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Symbol, e.Reason, e.Detail)
}

// floorToIncrement returns the largest multiple of inc that is <= v.
// A non-positive increment leaves v untouched.
func floorToIncrement(v, inc decimal.Decimal) decimal.Decimal {
	if !inc.IsPositive() {
		return v
	}
	q, r := v.QuoRem(inc, 0)
	if r.IsNegative() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q.Mul(inc)
}
