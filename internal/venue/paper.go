package venue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-exec/internal/rules"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrSimulatedOutage is returned when the paper venue drops an order
var ErrSimulatedOutage = errors.New("paper venue: simulated outage")

// PaperConfig configures the simulated venue
type PaperConfig struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	SuccessRate float64 // 0-1, probability that a request is not dropped
	FeeRate     decimal.Decimal
	Slippage    decimal.Decimal // max fraction applied to market order prices
	Balances    map[string]decimal.Decimal
	Rules       map[string]rules.InstrumentRules
}

// Paper fills every accepted order immediately against virtual balances
type Paper struct {
	cfg PaperConfig

	mu       sync.Mutex
	rng      *rand.Rand
	balances map[string]decimal.Decimal
	orders   map[string]*OrderDetails
	byClient map[string]string
}

// NewPaper creates a paper venue
func NewPaper(cfg PaperConfig) *Paper {
	return NewPaperWithSource(cfg, rand.NewSource(time.Now().UnixNano()))
}

// NewPaperWithSource creates a paper venue with a fixed random source
func NewPaperWithSource(cfg PaperConfig, src rand.Source) *Paper {
	if cfg.SuccessRate <= 0 {
		cfg.SuccessRate = 1
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	balances := make(map[string]decimal.Decimal, len(cfg.Balances))
	for asset, amount := range cfg.Balances {
		balances[asset] = amount
	}
	return &Paper{
		cfg:      cfg,
		rng:      rand.New(src),
		balances: balances,
		orders:   make(map[string]*OrderDetails),
		byClient: make(map[string]string),
	}
}

func (p *Paper) latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	spread := int64(p.cfg.MaxLatency - p.cfg.MinLatency)
	if spread <= 0 {
		return p.cfg.MinLatency
	}
	return p.cfg.MinLatency + time.Duration(p.rng.Int63n(spread+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PlaceOrder simulates latency and outages, then fills the order in full
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	logger := log.With().
		Str("component", "paper_venue").
		Str("client_order_id", req.ClientOrderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("quantity", req.Quantity.String()).
		Logger()

	if err := sleepCtx(ctx, p.latency()); err != nil {
		return OrderAck{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rng.Float64() > p.cfg.SuccessRate {
		logger.Warn().Float64("success_rate", p.cfg.SuccessRate).Msg("dropping order")
		return OrderAck{}, ErrSimulatedOutage
	}
	if _, ok := p.byClient[req.ClientOrderID]; ok {
		return OrderAck{}, &RejectionError{Code: "duplicate_client_oid", Message: "client order id already used"}
	}
	if !req.Quantity.IsPositive() || !req.Price.IsPositive() {
		return OrderAck{}, &RejectionError{Code: "invalid_order", Message: "price and quantity must be positive"}
	}
	base, quote, err := types.SplitSymbol(req.Symbol)
	if err != nil {
		return OrderAck{}, &RejectionError{Code: "invalid_symbol", Message: err.Error()}
	}

	price := p.fillPrice(req)
	cost := price.Mul(req.Quantity)
	fee := cost.Mul(p.cfg.FeeRate)

	switch req.Side {
	case types.SideBuy:
		need := cost.Add(fee)
		if p.balances[quote].LessThan(need) {
			return OrderAck{}, &RejectionError{
				Code:    "insufficient_balance",
				Message: fmt.Sprintf("need %s %s, have %s", need, quote, p.balances[quote]),
			}
		}
		p.balances[quote] = p.balances[quote].Sub(need)
		p.balances[base] = p.balances[base].Add(req.Quantity)
	case types.SideSell:
		if p.balances[base].LessThan(req.Quantity) {
			return OrderAck{}, &RejectionError{
				Code:    "insufficient_balance",
				Message: fmt.Sprintf("need %s %s, have %s", req.Quantity, base, p.balances[base]),
			}
		}
		p.balances[base] = p.balances[base].Sub(req.Quantity)
		p.balances[quote] = p.balances[quote].Add(cost.Sub(fee))
	default:
		return OrderAck{}, &RejectionError{Code: "invalid_side", Message: string(req.Side)}
	}

	id := uuid.New().String()
	p.orders[id] = &OrderDetails{
		ExchangeOrderID: id,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          StatusFilled,
		FilledQuantity:  req.Quantity,
		AveragePrice:    price,
		Fee:             fee,
	}
	p.byClient[req.ClientOrderID] = id

	logger.Info().
		Str("exchange_order_id", id).
		Str("price", price.String()).
		Str("fee", fee.String()).
		Msg("paper order filled")

	return OrderAck{ExchangeOrderID: id}, nil
}

// fillPrice applies random slippage to market orders; caller holds mu
func (p *Paper) fillPrice(req OrderRequest) decimal.Decimal {
	if req.Kind != types.OrderKindMarket || !p.cfg.Slippage.IsPositive() {
		return req.Price
	}
	// uniform in [-slippage, +slippage]
	factor := decimal.NewFromFloat(p.rng.Float64()*2 - 1).Mul(p.cfg.Slippage)
	return req.Price.Mul(decimal.NewFromInt(1).Add(factor)).Round(12)
}

// OrderByClientID returns a copy of the order placed with clientOrderID
func (p *Paper) OrderByClientID(_ context.Context, clientOrderID string) (*OrderDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byClient[clientOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	details := *p.orders[id]
	return &details, nil
}

// OrderDetails returns a copy of the order with exchangeOrderID
func (p *Paper) OrderDetails(_ context.Context, exchangeOrderID string) (*OrderDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[exchangeOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	details := *order
	return &details, nil
}

// AvailableBalance returns the virtual balance of asset
func (p *Paper) AvailableBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset], nil
}

// Deposit credits asset with amount
func (p *Paper) Deposit(asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] = p.balances[asset].Add(amount)
}

// SymbolRules returns the configured rules
func (p *Paper) SymbolRules(_ context.Context) (map[string]rules.InstrumentRules, error) {
	out := make(map[string]rules.InstrumentRules, len(p.cfg.Rules))
	for symbol, r := range p.cfg.Rules {
		out[symbol] = r
	}
	return out, nil
}
