package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"trendbot/internal/lot"

	"github.com/shopspring/decimal"
)

var (
	ErrConstraintLookup = errors.New("lot constraint lookup failed")
	ErrOrderRejected    = errors.New("order rejected by broker")
	ErrOrderNotFound    = errors.New("order not found")
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Working reports whether an order in this status can still fill.
func (s OrderStatus) Working() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

type OrderRequest struct {
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	ClientOrderID string
}

type Fill struct {
	Price           float64
	Qty             float64
	Commission      float64
	CommissionAsset string
}

// FillReport is the raw result of a market order as the broker reported it.
type FillReport struct {
	OrderID         string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Status          OrderStatus
	ExecutedQty     float64
	CumulativeQuote float64
	Fills           []Fill
	Reason          string
}

type Assets struct {
	Base  string
	Quote string
}

type PriceQuoter interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

type Broker interface {
	PriceQuoter
	Name() string
	Assets(ctx context.Context, symbol string) (Assets, error)
	LotConstraint(ctx context.Context, symbol string) (lot.Constraint, error)
	Holdings(ctx context.Context, asset string) (float64, error)
	QuoteBalance(ctx context.Context, asset string) (float64, error)
	SubmitMarketOrder(ctx context.Context, req OrderRequest) (FillReport, error)
	LookupOrder(ctx context.Context, symbol, clientOrderID string) (FillReport, error)
	// CancelOrder asks the broker to cancel a working order. The final state
	// is read back with LookupOrder.
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
}

var knownQuotes = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "USD", "EUR", "BTC", "ETH", "BNB"}

// SplitSymbol splits "BTCUSDT", "BTC/USD" or "BTC-USD" into base and quote.
func SplitSymbol(symbol string) (Assets, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "-"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return Assets{Base: parts[0], Quote: parts[1]}, nil
		}
	}
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return Assets{Base: strings.TrimSuffix(s, q), Quote: q}, nil
		}
	}
	return Assets{}, fmt.Errorf("cannot split symbol %q into base and quote", symbol)
}
