package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"trendbot/internal/lot"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog/log"
)

const (
	binanceOrderNotFound = -2013
	binanceUnknownOrder  = -2011
)

// NewBinanceClient builds a client without a client-wide timeout. Every call
// is bounded by its context, so orders can outlive the shorter read timeout.
func NewBinanceClient(apiKey, apiSecret string, testnet bool) *binance.Client {
	binance.UseTestnet = testnet
	client := binance.NewClient(apiKey, apiSecret)
	client.HTTPClient = &http.Client{}
	return client
}

// Binance trades a spot symbol. Exchange info is cached per symbol for the
// life of the process.
type Binance struct {
	client *binance.Client

	mu      sync.Mutex
	symbols map[string]binance.Symbol
}

func NewBinance(client *binance.Client) *Binance {
	return &Binance{
		client:  client,
		symbols: map[string]binance.Symbol{},
	}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) symbolInfo(ctx context.Context, symbol string) (binance.Symbol, error) {
	b.mu.Lock()
	cached, ok := b.symbols[symbol]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	info, err := b.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("fetch exchange info failed")
		return binance.Symbol{}, err
	}
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			b.mu.Lock()
			b.symbols[symbol] = s
			b.mu.Unlock()
			return s, nil
		}
	}
	return binance.Symbol{}, fmt.Errorf("exchange info: symbol %s not found", symbol)
}

func (b *Binance) Assets(ctx context.Context, symbol string) (Assets, error) {
	s, err := b.symbolInfo(ctx, symbol)
	if err != nil {
		return Assets{}, err
	}
	return Assets{Base: s.BaseAsset, Quote: s.QuoteAsset}, nil
}

func (b *Binance) LotConstraint(ctx context.Context, symbol string) (lot.Constraint, error) {
	s, err := b.symbolInfo(ctx, symbol)
	if err != nil {
		return lot.Constraint{}, fmt.Errorf("%w: %v", ErrConstraintLookup, err)
	}
	f := s.LotSizeFilter()
	if f == nil {
		return lot.Constraint{}, fmt.Errorf("%w: %s has no LOT_SIZE filter", ErrConstraintLookup, symbol)
	}
	c, err := lot.ParseConstraint(f.MinQuantity, f.MaxQuantity, f.StepSize)
	if err != nil {
		return lot.Constraint{}, fmt.Errorf("%w: %v", ErrConstraintLookup, err)
	}
	log.Debug().Str("symbol", symbol).Stringer("lot", c).Msg("lot constraint fetched")
	return c, nil
}

func (b *Binance) freeBalance(ctx context.Context, asset string) (float64, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		log.Error().Err(err).Msg("fetch account failed")
		return 0, err
	}
	for _, bal := range account.Balances {
		if strings.EqualFold(bal.Asset, asset) {
			free, err := strconv.ParseFloat(bal.Free, 64)
			if err != nil {
				return 0, fmt.Errorf("parse %s free balance %q: %w", asset, bal.Free, err)
			}
			return free, nil
		}
	}
	return 0, nil
}

func (b *Binance) Holdings(ctx context.Context, asset string) (float64, error) {
	return b.freeBalance(ctx, asset)
}

func (b *Binance) QuoteBalance(ctx context.Context, asset string) (float64, error) {
	return b.freeBalance(ctx, asset)
}

func (b *Binance) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, fmt.Errorf("no ticker price for %s", symbol)
}

func (b *Binance) SubmitMarketOrder(ctx context.Context, req OrderRequest) (FillReport, error) {
	resp, err := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderTypeMarket).
		Quantity(req.Qty.String()).
		NewClientOrderID(req.ClientOrderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		log.Error().Err(err).Str("side", string(req.Side)).Str("symbol", req.Symbol).Stringer("qty", req.Qty).Msg("place order failed")
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			return FillReport{}, fmt.Errorf("%w: code=%d %s", ErrOrderRejected, apiErr.Code, apiErr.Message)
		}
		return FillReport{}, err
	}

	report := FillReport{
		OrderID:         strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   resp.ClientOrderID,
		Symbol:          resp.Symbol,
		Side:            Side(resp.Side),
		Status:          OrderStatus(resp.Status),
		ExecutedQty:     parseFloat(resp.ExecutedQuantity),
		CumulativeQuote: parseFloat(resp.CummulativeQuoteQuantity),
	}
	for _, f := range resp.Fills {
		report.Fills = append(report.Fills, Fill{
			Price:           parseFloat(f.Price),
			Qty:             parseFloat(f.Quantity),
			Commission:      parseFloat(f.Commission),
			CommissionAsset: f.CommissionAsset,
		})
	}
	log.Info().Str("order_id", report.OrderID).Str("side", string(req.Side)).Str("symbol", req.Symbol).Stringer("qty", req.Qty).Str("status", string(report.Status)).Msg("place order success")
	return report, nil
}

func (b *Binance) LookupOrder(ctx context.Context, symbol, clientOrderID string) (FillReport, error) {
	order, err := b.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == binanceOrderNotFound {
			return FillReport{}, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
		}
		return FillReport{}, err
	}
	return FillReport{
		OrderID:         strconv.FormatInt(order.OrderID, 10),
		ClientOrderID:   order.ClientOrderID,
		Symbol:          order.Symbol,
		Side:            Side(order.Side),
		Status:          OrderStatus(order.Status),
		ExecutedQty:     parseFloat(order.ExecutedQuantity),
		CumulativeQuote: parseFloat(order.CummulativeQuoteQuantity),
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	_, err := b.client.NewCancelOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == binanceUnknownOrder || apiErr.Code == binanceOrderNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
		}
		log.Error().Err(err).Str("client_order_id", clientOrderID).Msg("cancel order failed")
		return err
	}
	log.Info().Str("client_order_id", clientOrderID).Str("symbol", symbol).Msg("cancel order sent")
	return nil
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
