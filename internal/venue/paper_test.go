package venue

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/ksred/klear-exec/internal/rules"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestPaper(cfg PaperConfig) *Paper {
	if cfg.Balances == nil {
		cfg.Balances = map[string]decimal.Decimal{"USDT": d("1000")}
	}
	return NewPaperWithSource(cfg, rand.NewSource(1))
}

func TestPaperBuyFillsAndMovesBalances(t *testing.T) {
	p := newTestPaper(PaperConfig{FeeRate: d("0.001")})
	ctx := context.Background()

	ack, err := p.PlaceOrder(ctx, OrderRequest{
		ClientOrderID: "cid-1",
		Symbol:        "BTC-USDT",
		Side:          types.SideBuy,
		Kind:          types.OrderKindLimit,
		Price:         d("20000"),
		Quantity:      d("0.01"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, ack.ExchangeOrderID)

	quote, err := p.AvailableBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.True(t, quote.Equal(d("799.8")), quote.String())

	base, err := p.AvailableBalance(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, base.Equal(d("0.01")))

	details, err := p.OrderByClientID(ctx, "cid-1")
	require.NoError(t, err)
	assert.Equal(t, ack.ExchangeOrderID, details.ExchangeOrderID)
	assert.Equal(t, StatusFilled, details.Status)
	assert.True(t, details.Fee.Equal(d("0.2")))

	byID, err := p.OrderDetails(ctx, ack.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, "cid-1", byID.ClientOrderID)
}

func TestPaperRejections(t *testing.T) {
	p := newTestPaper(PaperConfig{})
	ctx := context.Background()
	req := OrderRequest{
		ClientOrderID: "cid-1",
		Symbol:        "BTC-USDT",
		Side:          types.SideBuy,
		Kind:          types.OrderKindLimit,
		Price:         d("20000"),
		Quantity:      d("1"),
	}

	_, err := p.PlaceOrder(ctx, req)
	assert.True(t, IsRejection(err))

	req.Quantity = d("0.01")
	_, err = p.PlaceOrder(ctx, req)
	require.NoError(t, err)

	_, err = p.PlaceOrder(ctx, req)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "duplicate_client_oid", rej.Code)

	req.ClientOrderID = "cid-2"
	req.Side = types.SideSell
	req.Quantity = d("5")
	_, err = p.PlaceOrder(ctx, req)
	assert.True(t, IsRejection(err))
}

func TestPaperOutageIsNotRejection(t *testing.T) {
	p := newTestPaper(PaperConfig{SuccessRate: 0.0000001})
	_, err := p.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "cid-1",
		Symbol:        "BTC-USDT",
		Side:          types.SideBuy,
		Kind:          types.OrderKindMarket,
		Price:         d("1"),
		Quantity:      d("1"),
	})
	assert.ErrorIs(t, err, ErrSimulatedOutage)
	assert.False(t, IsRejection(err))

	_, err = p.OrderByClientID(context.Background(), "cid-1")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPaperLatencyHonoursContext(t *testing.T) {
	p := newTestPaper(PaperConfig{MinLatency: time.Second, MaxLatency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.PlaceOrder(ctx, OrderRequest{ClientOrderID: "cid", Symbol: "BTC-USDT", Side: types.SideBuy})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPaperMarketSlippageIsBounded(t *testing.T) {
	p := newTestPaper(PaperConfig{Slippage: d("0.02"), Balances: map[string]decimal.Decimal{"USDT": d("100000")}})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ack, err := p.PlaceOrder(ctx, OrderRequest{
			ClientOrderID: "cid-" + string(rune('a'+i)),
			Symbol:        "ETH-USDT",
			Side:          types.SideBuy,
			Kind:          types.OrderKindMarket,
			Price:         d("100"),
			Quantity:      d("1"),
		})
		require.NoError(t, err)
		details, err := p.OrderDetails(ctx, ack.ExchangeOrderID)
		require.NoError(t, err)
		assert.True(t, details.AveragePrice.GreaterThanOrEqual(d("98")))
		assert.True(t, details.AveragePrice.LessThanOrEqual(d("102")))
	}
}

func TestPaperSymbolRulesIsACopy(t *testing.T) {
	p := newTestPaper(PaperConfig{Rules: map[string]rules.InstrumentRules{
		"BTC-USDT": {PriceIncrement: d("0.01"), QuantityIncrement: d("0.0001")},
	}})
	got, err := p.SymbolRules(context.Background())
	require.NoError(t, err)
	delete(got, "BTC-USDT")

	again, err := p.SymbolRules(context.Background())
	require.NoError(t, err)
	assert.Len(t, again, 1)
}
