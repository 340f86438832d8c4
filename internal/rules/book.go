package rules

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// Loader fetches a full rule snapshot, typically from the venue's symbol list
type Loader interface {
	SymbolRules(ctx context.Context) (map[string]InstrumentRules, error)
}

// Prepared is an order after quantization and validation
type Prepared struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Notional decimal.Decimal
	Known    bool
}

// Book holds per-symbol rules. Readers always see a complete snapshot.
type Book struct {
	snapshot atomic.Pointer[map[string]InstrumentRules]
}

// NewBook creates an empty rule book
func NewBook() *Book {
	b := &Book{}
	empty := map[string]InstrumentRules{}
	b.snapshot.Store(&empty)
	return b
}

// SetRules replaces the whole snapshot. The mapping is copied.
func (b *Book) SetRules(mapping map[string]InstrumentRules) error {
	next := make(map[string]InstrumentRules, len(mapping))
	for symbol, r := range mapping {
		if err := r.Check(); err != nil {
			return fmt.Errorf("invalid rules for %s: %w", symbol, err)
		}
		next[symbol] = r
	}
	b.snapshot.Store(&next)
	return nil
}

// Refresh reloads the snapshot from loader. The previous snapshot stays
// in place when loading fails.
func (b *Book) Refresh(ctx context.Context, loader Loader) (int, error) {
	mapping, err := loader.SymbolRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load symbol rules: %w", err)
	}
	if err := b.SetRules(mapping); err != nil {
		return 0, err
	}
	return len(mapping), nil
}

// Get returns the rules for symbol
func (b *Book) Get(symbol string) (InstrumentRules, bool) {
	r, ok := (*b.snapshot.Load())[symbol]
	return r, ok
}

// Known reports whether symbol has rules loaded
func (b *Book) Known(symbol string) bool {
	_, ok := b.Get(symbol)
	return ok
}

// Len returns the number of symbols in the current snapshot
func (b *Book) Len() int {
	return len(*b.snapshot.Load())
}

// LotSize returns the quantity increment of symbol, or zero if unknown
func (b *Book) LotSize(symbol string) decimal.Decimal {
	r, ok := b.Get(symbol)
	if !ok {
		return decimal.Zero
	}
	return r.QuantityIncrement
}

// QuantizePrice floors price to the symbol's price increment. It never rounds up.
func (b *Book) QuantizePrice(symbol string, price decimal.Decimal) decimal.Decimal {
	r, ok := b.Get(symbol)
	if !ok {
		return price
	}
	return floorToIncrement(price, r.PriceIncrement)
}

// QuantizeQuantity floors qty to the symbol's quantity increment
func (b *Book) QuantizeQuantity(symbol string, qty decimal.Decimal) decimal.Decimal {
	r, ok := b.Get(symbol)
	if !ok {
		return qty
	}
	return floorToIncrement(qty, r.QuantityIncrement)
}

// Validate checks price and qty against the symbol's limits and returns the notional.
// Unknown symbols pass with a computed notional; callers should log that case.
func (b *Book) Validate(symbol string, side string, price, qty decimal.Decimal) (decimal.Decimal, error) {
	notional := price.Mul(qty)

	if r, ok := b.Get(symbol); ok {
		if r.MinNotional.IsPositive() && notional.LessThan(r.MinNotional) {
			return notional, &ValidationError{
				Symbol: symbol,
				Reason: ReasonBelowMinNotional,
				Detail: fmt.Sprintf("%s %s < %s", side, notional, r.MinNotional),
			}
		}
		if r.MinQuantity.IsPositive() && qty.LessThan(r.MinQuantity) {
			return notional, &ValidationError{
				Symbol: symbol,
				Reason: ReasonBelowMinQuantity,
				Detail: fmt.Sprintf("%s < %s", qty, r.MinQuantity),
			}
		}
		if r.MaxQuantity.IsPositive() && qty.GreaterThan(r.MaxQuantity) {
			return notional, &ValidationError{
				Symbol: symbol,
				Reason: ReasonAboveMaxQuantity,
				Detail: fmt.Sprintf("%s > %s", qty, r.MaxQuantity),
			}
		}
	}

	// zero survives quantization when qty is below one lot; never send it
	if !price.IsPositive() {
		return notional, &ValidationError{Symbol: symbol, Reason: ReasonNonPositivePrice, Detail: price.String()}
	}
	if !qty.IsPositive() {
		return notional, &ValidationError{Symbol: symbol, Reason: ReasonNonPositiveQuantity, Detail: qty.String()}
	}
	return notional, nil
}

// Prepare quantizes price and qty and validates the result
func (b *Book) Prepare(symbol string, side string, price, qty decimal.Decimal) (Prepared, error) {
	p := Prepared{
		Price:    b.QuantizePrice(symbol, price),
		Quantity: b.QuantizeQuantity(symbol, qty),
		Known:    b.Known(symbol),
	}
	notional, err := b.Validate(symbol, side, p.Price, p.Quantity)
	p.Notional = notional
	return p, err
}
