package broker

import (
	"context"
	"errors"
	"testing"

	"trendbot/internal/lot"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPaper() *Paper {
	return NewPaper(PaperConfig{
		Symbol:       "BTCUSDT",
		Assets:       Assets{Base: "BTC", Quote: "USDT"},
		Constraint:   lot.NewConstraint(0.0001, 100, 0.0001),
		QuoteBalance: 10000,
		Price:        50000,
	})
}

func TestPaperBuyFillsAtCurrentPrice(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	report, err := p.SubmitMarketOrder(ctx, OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          Buy,
		Qty:           decimal.RequireFromString("0.198"),
		ClientOrderID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, report.Status)
	assert.InDelta(t, 0.198, report.ExecutedQty, 1e-12)
	assert.InDelta(t, 9900, report.CumulativeQuote, 1e-6)
	require.Len(t, report.Fills, 1)
	assert.Equal(t, 50000.0, report.Fills[0].Price)

	btc, _ := p.Holdings(ctx, "BTC")
	usdt, _ := p.QuoteBalance(ctx, "USDT")
	assert.InDelta(t, 0.198, btc, 1e-12)
	assert.InDelta(t, 100, usdt, 1e-6)
}

func TestPaperSellRoundTrip(t *testing.T) {
	p := newTestPaper()
	p.SetBalance("BTC", 0.5)
	p.SetBalance("USDT", 0)
	p.SetPrice(40000)

	report, err := p.SubmitMarketOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Sell, Qty: decimal.RequireFromString("0.5"), ClientOrderID: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, report.Status)
	assert.InDelta(t, 20000, report.CumulativeQuote, 1e-6)

	looked, err := p.LookupOrder(context.Background(), "BTCUSDT", "s1")
	require.NoError(t, err)
	assert.Equal(t, report.OrderID, looked.OrderID)
}

func TestPaperRejectsInsufficientBalance(t *testing.T) {
	p := newTestPaper()
	report, err := p.SubmitMarketOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Qty: decimal.NewFromInt(1), ClientOrderID: "c2",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, report.Status)
	assert.Equal(t, "insufficient balance", report.Reason)

	usdt, _ := p.QuoteBalance(context.Background(), "USDT")
	assert.Equal(t, 10000.0, usdt)
}

func TestPaperForcedOutcomes(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	p.RejectOrders("market closed")
	report, err := p.SubmitMarketOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: Buy, Qty: decimal.RequireFromString("0.1"), ClientOrderID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, report.Status)
	assert.Equal(t, "market closed", report.Reason)

	boom := errors.New("connection reset")
	p.RejectOrders("")
	p.FailOrders(boom)
	_, err = p.SubmitMarketOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: Buy, Qty: decimal.RequireFromString("0.1"), ClientOrderID: "r2"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, p.Submitted(), 2)

	p.FailConstraint(errors.New("exchange info unavailable"))
	_, err = p.LotConstraint(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, ErrConstraintLookup)
}

func TestPaperLookupUnknownOrder(t *testing.T) {
	_, err := newTestPaper().LookupOrder(context.Background(), "BTCUSDT", "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

type fixedQuoter float64

func (q fixedQuoter) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return float64(q), nil
}

func TestPaperUsesQuoter(t *testing.T) {
	p := NewPaper(PaperConfig{Symbol: "BTCUSDT", Assets: Assets{Base: "BTC", Quote: "USDT"}, Quoter: fixedQuoter(61000)})
	price, err := p.CurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 61000.0, price)
}

func TestPaperHeldOrdersFillOrCancel(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()
	p.HoldOrders(true)

	report, err := p.SubmitMarketOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: Buy, Qty: decimal.RequireFromString("0.1"), ClientOrderID: "h1"})
	require.NoError(t, err)
	assert.Equal(t, StatusNew, report.Status)
	assert.True(t, report.Status.Working())
	assert.Equal(t, 1, p.Working())

	_, err = p.SubmitMarketOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: Buy, Qty: decimal.RequireFromString("0.1"), ClientOrderID: "h2"})
	require.NoError(t, err)

	require.NoError(t, p.CancelOrder(ctx, "BTCUSDT", "h1"))
	looked, err := p.LookupOrder(ctx, "BTCUSDT", "h1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, looked.Status)
	assert.False(t, looked.Status.Working())

	p.FillWorking()
	looked, err = p.LookupOrder(ctx, "BTCUSDT", "h2")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, looked.Status)
	assert.Equal(t, 0, p.Working())

	btc, _ := p.Holdings(ctx, "BTC")
	assert.InDelta(t, 0.1, btc, 1e-12)

	assert.ErrorIs(t, p.CancelOrder(ctx, "BTCUSDT", "missing"), ErrOrderNotFound)
	boom := errors.New("cancel endpoint down")
	p.FailCancel(boom)
	assert.ErrorIs(t, p.CancelOrder(ctx, "BTCUSDT", "h2"), boom)
}
