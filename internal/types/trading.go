package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts buy/sell in any case
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// OrderKind is MARKET or LIMIT
type OrderKind string

const (
	OrderKindMarket OrderKind = "MARKET"
	OrderKindLimit  OrderKind = "LIMIT"
)

// Denomination says which asset RequestedQuantity is expressed in.
// BASE is the traded asset (BTC in BTC-USDT), QUOTE the funding asset (USDT).
type Denomination string

const (
	DenominationBase  Denomination = "BASE"
	DenominationQuote Denomination = "QUOTE"
)

// TradeIntent is the caller's desired trade. It is never mutated by the core.
type TradeIntent struct {
	Symbol            string          `json:"symbol" binding:"required"`
	Side              Side            `json:"side" binding:"required"`
	ReferencePrice    decimal.Decimal `json:"reference_price"`
	RequestedQuantity decimal.Decimal `json:"requested_quantity"`
	StrategyTag       string          `json:"strategy_tag"`
	OrderKind         OrderKind       `json:"order_kind"`
	Denomination      Denomination    `json:"denomination"`
}

// WithDefaults normalizes casing and fills the fields API callers may omit:
// MARKET orders denominated in the base asset.
func (i TradeIntent) WithDefaults() TradeIntent {
	i.Symbol = strings.ToUpper(strings.TrimSpace(i.Symbol))
	if side, err := ParseSide(string(i.Side)); err == nil {
		i.Side = side
	}
	i.OrderKind = OrderKind(strings.ToUpper(strings.TrimSpace(string(i.OrderKind))))
	if i.OrderKind == "" {
		i.OrderKind = OrderKindMarket
	}
	i.Denomination = Denomination(strings.ToUpper(strings.TrimSpace(string(i.Denomination))))
	if i.Denomination == "" {
		i.Denomination = DenominationBase
	}
	return i
}

// Validate checks the fields a caller must always provide
func (i TradeIntent) Validate() error {
	if strings.TrimSpace(i.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	if i.Side != SideBuy && i.Side != SideSell {
		return fmt.Errorf("unknown side %q", i.Side)
	}
	switch i.OrderKind {
	case OrderKindMarket, OrderKindLimit:
	default:
		return fmt.Errorf("unknown order kind %q", i.OrderKind)
	}
	switch i.Denomination {
	case DenominationBase, DenominationQuote:
	default:
		return fmt.Errorf("unknown denomination %q", i.Denomination)
	}
	if !i.ReferencePrice.IsPositive() {
		return fmt.Errorf("reference price must be positive")
	}
	if !i.RequestedQuantity.IsPositive() {
		return fmt.Errorf("requested quantity must be positive")
	}
	return nil
}

// Fill is a confirmed execution forwarded to the position ledger
type Fill struct {
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
}

// SplitSymbol splits "BTC-USDT" into base and quote assets
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("symbol %q is not BASE-QUOTE", symbol)
	}
	return parts[0], parts[1], nil
}
