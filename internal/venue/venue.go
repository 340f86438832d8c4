package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-exec/internal/rules"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/shopspring/decimal"
)

// ErrOrderNotFound is returned by lookups when the venue has no such order
var ErrOrderNotFound = errors.New("order not found on venue")

// RejectionError is an explicit refusal by the venue. The order was not
// accepted and no reconciliation is needed.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("venue rejected order: %s (%s)", e.Message, e.Code)
}

// IsRejection reports whether err is an explicit venue rejection
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// OrderStatus is the venue-side status of an order
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
)

// OrderRequest is one order sent to the venue
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Kind          types.OrderKind
	Price         decimal.Decimal
	Quantity      decimal.Decimal
}

// OrderAck is the venue's acceptance of an order
type OrderAck struct {
	ExchangeOrderID string
}

// OrderDetails is the venue's view of an order
type OrderDetails struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            types.Side
	Status          OrderStatus
	FilledQuantity  decimal.Decimal
	AveragePrice    decimal.Decimal
	Fee             decimal.Decimal
}

// Venue is the exchange boundary used by the execution core.
// PlaceOrder returns a *RejectionError for explicit refusals; any other
// error means the outcome is unknown.
type Venue interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	OrderByClientID(ctx context.Context, clientOrderID string) (*OrderDetails, error)
	OrderDetails(ctx context.Context, exchangeOrderID string) (*OrderDetails, error)
	AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	SymbolRules(ctx context.Context) (map[string]rules.InstrumentRules, error)
}
