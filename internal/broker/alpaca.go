package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"trendbot/internal/lot"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog/log"
)

const alpacaPollInterval = 500 * time.Millisecond

type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	// Timeout caps one HTTP request, order submissions included.
	Timeout time.Duration
	// Alpaca does not expose crypto lot rules on the asset endpoint in this SDK
	// version, so the constraint comes from configuration.
	Constraint lot.Constraint
}

// Alpaca trades crypto pairs ("BTC/USD") on an Alpaca account. Market orders
// are accepted asynchronously, so submission polls until the order is terminal.
type Alpaca struct {
	client     *alpaca.Client
	data       *marketdata.Client
	constraint lot.Constraint
}

func NewAlpaca(cfg AlpacaConfig) *Alpaca {
	hc := &http.Client{Timeout: cfg.Timeout}
	return &Alpaca{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			BaseURL:    cfg.BaseURL,
			HTTPClient: hc,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			HTTPClient: hc,
		}),
		constraint: cfg.Constraint,
	}
}

func (a *Alpaca) Name() string { return "alpaca" }

func (a *Alpaca) Assets(ctx context.Context, symbol string) (Assets, error) {
	return SplitSymbol(symbol)
}

func (a *Alpaca) LotConstraint(ctx context.Context, symbol string) (lot.Constraint, error) {
	asset, err := call(ctx, func() (*alpaca.Asset, error) { return a.client.GetAsset(symbol) })
	if err != nil {
		return lot.Constraint{}, fmt.Errorf("%w: %v", ErrConstraintLookup, err)
	}
	if !asset.Tradable {
		return lot.Constraint{}, fmt.Errorf("%w: %s is not tradable", ErrConstraintLookup, symbol)
	}
	return a.constraint, nil
}

func (a *Alpaca) Holdings(ctx context.Context, asset string) (float64, error) {
	account, err := call(ctx, func() (*alpaca.Account, error) { return a.client.GetAccount() })
	if err != nil {
		return 0, err
	}
	symbol := strings.ToUpper(asset) + string(account.Currency)
	pos, err := call(ctx, func() (*alpaca.Position, error) { return a.client.GetPosition(symbol) })
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return 0, nil
		}
		log.Error().Err(err).Str("symbol", symbol).Msg("fetch position failed")
		return 0, err
	}
	return pos.Qty.InexactFloat64(), nil
}

func (a *Alpaca) QuoteBalance(ctx context.Context, asset string) (float64, error) {
	account, err := call(ctx, func() (*alpaca.Account, error) { return a.client.GetAccount() })
	if err != nil {
		log.Error().Err(err).Msg("fetch account failed")
		return 0, err
	}
	if !strings.EqualFold(string(account.Currency), asset) {
		return 0, fmt.Errorf("account currency %s does not match quote asset %s", account.Currency, asset)
	}
	return account.Cash.InexactFloat64(), nil
}

func (a *Alpaca) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	bars, err := call(ctx, func() ([]marketdata.CryptoBar, error) {
		return a.data.GetCryptoBars(symbol, marketdata.GetCryptoBarsRequest{
			TimeFrame: marketdata.OneMin,
			Start:     time.Now().Add(-30 * time.Minute),
		})
	})
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("no recent bars for %s", symbol)
	}
	return bars[len(bars)-1].Close, nil
}

func (a *Alpaca) SubmitMarketOrder(ctx context.Context, req OrderRequest) (FillReport, error) {
	qty := req.Qty
	order, err := call(ctx, func() (*alpaca.Order, error) {
		return a.client.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:        req.Symbol,
			Qty:           &qty,
			Side:          alpaca.Side(strings.ToLower(string(req.Side))),
			Type:          alpaca.Market,
			TimeInForce:   alpaca.GTC,
			ClientOrderID: req.ClientOrderID,
		})
	})
	if err != nil {
		log.Error().Err(err).Str("side", string(req.Side)).Str("symbol", req.Symbol).Stringer("qty", req.Qty).Msg("place order failed")
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
			return FillReport{}, fmt.Errorf("%w: status=%d %s", ErrOrderRejected, apiErr.StatusCode, apiErr.Message)
		}
		return FillReport{}, err
	}

	for !alpacaTerminal(string(order.Status)) {
		select {
		case <-ctx.Done():
			return alpacaReport(order), ctx.Err()
		case <-time.After(alpacaPollInterval):
		}
		id := order.ID
		next, err := call(ctx, func() (*alpaca.Order, error) { return a.client.GetOrder(id) })
		if err != nil {
			log.Warn().Err(err).Str("order_id", id).Msg("poll order failed")
			continue
		}
		order = next
	}

	report := alpacaReport(order)
	log.Info().Str("order_id", report.OrderID).Str("side", string(req.Side)).Str("symbol", req.Symbol).Stringer("qty", req.Qty).Str("status", string(report.Status)).Msg("place order success")
	return report, nil
}

func (a *Alpaca) LookupOrder(ctx context.Context, symbol, clientOrderID string) (FillReport, error) {
	order, err := call(ctx, func() (*alpaca.Order, error) { return a.client.GetOrderByClientOrderID(clientOrderID) })
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return FillReport{}, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
		}
		return FillReport{}, err
	}
	return alpacaReport(order), nil
}

func (a *Alpaca) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	order, err := call(ctx, func() (*alpaca.Order, error) { return a.client.GetOrderByClientOrderID(clientOrderID) })
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
		}
		return err
	}
	id := order.ID
	_, err = call(ctx, func() (struct{}, error) { return struct{}{}, a.client.CancelOrder(id) })
	if err != nil {
		log.Error().Err(err).Str("order_id", id).Msg("cancel order failed")
		return err
	}
	return nil
}

func alpacaTerminal(status string) bool {
	switch alpacaStatus(status) {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

func alpacaStatus(status string) OrderStatus {
	switch strings.ToLower(status) {
	case "filled":
		return StatusFilled
	case "partially_filled":
		return StatusPartiallyFilled
	case "canceled", "done_for_day", "replaced", "stopped", "suspended":
		return StatusCanceled
	case "rejected":
		return StatusRejected
	case "expired":
		return StatusExpired
	default:
		return StatusNew
	}
}

func alpacaReport(order *alpaca.Order) FillReport {
	report := FillReport{
		OrderID:       order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          Side(strings.ToUpper(string(order.Side))),
		Status:        alpacaStatus(string(order.Status)),
		ExecutedQty:   order.FilledQty.InexactFloat64(),
	}
	if order.FilledAvgPrice != nil && order.FilledQty.IsPositive() {
		price := *order.FilledAvgPrice
		report.CumulativeQuote = price.Mul(order.FilledQty).InexactFloat64()
		report.Fills = []Fill{{Price: price.InexactFloat64(), Qty: report.ExecutedQty}}
	}
	return report
}

// call runs a context-less SDK call and gives up waiting once ctx is done.
// The HTTP client timeout bounds the abandoned request.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{value: v, err: err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.value, r.err
	}
}
