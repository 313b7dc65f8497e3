package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"trendbot/internal/broker"
	"trendbot/internal/lot"
	"trendbot/internal/metrics"
	"trendbot/internal/notify"
	"trendbot/internal/risk"
	"trendbot/internal/strategy"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrOrderWorking marks an order that outlived its timeout and could not be
// cancelled. No other order is sent until it is resolved.
var ErrOrderWorking = errors.New("order still working at broker")

type OutcomeStatus string

const (
	Filled          OutcomeStatus = "Filled"
	PartiallyFilled OutcomeStatus = "PartiallyFilled"
	Rejected        OutcomeStatus = "Rejected"
	Failed          OutcomeStatus = "Failed"
)

// Outcome is the interpreted result of one transition order.
type Outcome struct {
	Status         OutcomeStatus
	Side           broker.Side
	RequestedQty   decimal.Decimal
	FilledQuantity float64
	// NetQuantity is the filled base amount after commissions paid in base.
	NetQuantity  float64
	AveragePrice float64
	// Proceeds is the quote value received or spent, after commissions paid in quote.
	Proceeds      float64
	OrderID       string
	ClientOrderID string
	Err           error
}

type Request struct {
	Side   broker.Side
	Symbol string
	Assets broker.Assets
	Qty    decimal.Decimal
	Funds  risk.Funds
	// Intent is the transition the order carries out.
	Intent strategy.TradeIntent
}

type pendingOrder struct {
	req           Request
	clientOrderID string
}

// Executor turns a transition into one market order. It never retries an
// order; a failed transition is retried by the next cycle.
type Executor struct {
	broker       broker.Broker
	notifier     notify.Notifier
	skips        *notify.Dedupe
	gate         risk.Gate
	callTimeout  time.Duration
	orderTimeout time.Duration
	idPrefix     string
	seq          atomic.Uint64

	mu          sync.Mutex
	constraints map[string]lot.Constraint
	pending     *pendingOrder
}

func NewExecutor(b broker.Broker, notifier notify.Notifier, gate risk.Gate, callTimeout, orderTimeout time.Duration, runID string) *Executor {
	prefix := runID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return &Executor{
		broker:       b,
		notifier:     notifier,
		skips:        notify.NewDedupe(notifier),
		gate:         gate,
		callTimeout:  callTimeout,
		orderTimeout: orderTimeout,
		idPrefix:     "tb-" + prefix,
		constraints:  map[string]lot.Constraint{},
	}
}

// Constraint returns the cached lot constraint of symbol, fetching it once.
func (x *Executor) Constraint(ctx context.Context, symbol string) (lot.Constraint, error) {
	x.mu.Lock()
	c, ok := x.constraints[symbol]
	x.mu.Unlock()
	if ok {
		return c, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, x.callTimeout)
	defer cancel()
	c, err := x.broker.LotConstraint(callCtx, symbol)
	if err != nil {
		if !errors.Is(err, broker.ErrConstraintLookup) {
			err = fmt.Errorf("%w: %v", broker.ErrConstraintLookup, err)
		}
		return lot.Constraint{}, err
	}

	x.mu.Lock()
	x.constraints[symbol] = c
	x.mu.Unlock()
	return c, nil
}

func (x *Executor) nextClientOrderID() string {
	return fmt.Sprintf("%s-%d", x.idPrefix, x.seq.Add(1))
}

func (x *Executor) Execute(ctx context.Context, req Request) Outcome {
	out := x.execute(ctx, req)
	metrics.Order(string(req.Side), string(out.Status))
	x.report(ctx, req, out)
	return out
}

func (x *Executor) execute(ctx context.Context, req Request) Outcome {
	out := Outcome{Status: Failed, Side: req.Side, RequestedQty: req.Qty}

	if id := x.pendingID(); id != "" {
		out.ClientOrderID = id
		out.Err = fmt.Errorf("%w: %s must be resolved first", ErrOrderWorking, id)
		return out
	}

	constraint, err := x.Constraint(ctx, req.Symbol)
	if err != nil {
		out.Err = err
		return out
	}

	qty := lot.Normalize(req.Qty, constraint)
	out.RequestedQty = qty
	action := strategy.Buy
	if req.Side == broker.Sell {
		action = strategy.Sell
	}
	if err := x.gate.Evaluate(risk.Check{Action: action, Qty: qty, Constraint: constraint, Funds: req.Funds}); err != nil {
		out.Err = err
		return out
	}

	out.ClientOrderID = x.nextClientOrderID()
	order := broker.OrderRequest{Symbol: req.Symbol, Side: req.Side, Qty: qty, ClientOrderID: out.ClientOrderID}

	// Shutdown must not abandon an order the broker may already have.
	orderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.orderTimeout)
	report, err := x.broker.SubmitMarketOrder(orderCtx, order)
	cancel()
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Str("component", "executor").Str("client_order_id", out.ClientOrderID).Msg("order timed out, resolving by client order id")
		report, err = x.resolve(ctx, req.Symbol, out.ClientOrderID)
		if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			held := req
			held.Qty = qty
			x.mu.Lock()
			x.pending = &pendingOrder{req: held, clientOrderID: out.ClientOrderID}
			x.mu.Unlock()
			if !errors.Is(err, ErrOrderWorking) {
				err = fmt.Errorf("%w: %v", ErrOrderWorking, err)
			}
		}
	}
	if err != nil {
		if errors.Is(err, broker.ErrOrderRejected) {
			out.Status = Rejected
		}
		out.Err = err
		return out
	}

	return interpret(out, report, req.Assets)
}

func (x *Executor) pendingID() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.pending == nil {
		return ""
	}
	return x.pending.clientOrderID
}

// Pending reports whether an earlier order is still unresolved.
func (x *Executor) Pending() bool {
	return x.pendingID() != ""
}

// Settle resolves the pending order. It returns ErrOrderWorking while the
// order is still open at the broker; otherwise the pending slot is cleared
// and the order's final outcome is reported.
func (x *Executor) Settle(ctx context.Context) (Request, Outcome, error) {
	x.mu.Lock()
	p := x.pending
	x.mu.Unlock()
	if p == nil {
		return Request{}, Outcome{}, errors.New("no pending order")
	}

	out := Outcome{Status: Failed, Side: p.req.Side, RequestedQty: p.req.Qty, ClientOrderID: p.clientOrderID}
	report, err := x.resolve(ctx, p.req.Symbol, p.clientOrderID)
	if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
		log.Warn().Err(err).Str("component", "executor").Str("client_order_id", p.clientOrderID).Msg("pending order unresolved")
		if !errors.Is(err, ErrOrderWorking) {
			err = fmt.Errorf("%w: %v", ErrOrderWorking, err)
		}
		out.Err = err
		return p.req, out, err
	}

	x.mu.Lock()
	x.pending = nil
	x.mu.Unlock()
	if err != nil {
		out.Err = err
	} else {
		out = interpret(out, report, p.req.Assets)
	}
	metrics.Order(string(p.req.Side), string(out.Status))
	x.report(ctx, p.req, out)
	return p.req, out, nil
}

// resolve reads the state of a submitted order. A working order is
// cancelled and read back; ErrOrderWorking means it is still open.
func (x *Executor) resolve(ctx context.Context, symbol, clientOrderID string) (broker.FillReport, error) {
	report, err := x.lookup(ctx, symbol, clientOrderID)
	if err != nil || !report.Status.Working() {
		return report, err
	}

	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.callTimeout)
	err = x.broker.CancelOrder(cancelCtx, symbol, clientOrderID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("component", "executor").Str("client_order_id", clientOrderID).Msg("cancel of working order failed")
	}

	report, err = x.lookup(ctx, symbol, clientOrderID)
	if err != nil {
		return report, err
	}
	if report.Status.Working() {
		return report, fmt.Errorf("%w: %s is %s", ErrOrderWorking, clientOrderID, report.Status)
	}
	return report, nil
}

func (x *Executor) lookup(ctx context.Context, symbol, clientOrderID string) (broker.FillReport, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.callTimeout)
	defer cancel()
	report, err := x.broker.LookupOrder(lookupCtx, symbol, clientOrderID)
	if err != nil {
		return broker.FillReport{}, fmt.Errorf("lookup of order %s failed: %w", clientOrderID, err)
	}
	return report, nil
}

func interpret(out Outcome, report broker.FillReport, assets broker.Assets) Outcome {
	out.OrderID = report.OrderID
	out.FilledQuantity = report.ExecutedQty
	out.AveragePrice = averagePrice(report)

	var baseFee, quoteFee float64
	for _, f := range report.Fills {
		switch {
		case assets.Base != "" && strings.EqualFold(f.CommissionAsset, assets.Base):
			baseFee += f.Commission
		case assets.Quote != "" && strings.EqualFold(f.CommissionAsset, assets.Quote):
			quoteFee += f.Commission
		}
	}
	quote := report.CumulativeQuote
	if quote <= 0 {
		quote = out.AveragePrice * report.ExecutedQty
	}
	out.NetQuantity = report.ExecutedQty
	out.Proceeds = quote
	if out.Side == broker.Buy {
		out.NetQuantity -= baseFee
		out.Proceeds += quoteFee
	} else {
		out.Proceeds -= quoteFee
	}

	switch report.Status {
	case broker.StatusFilled:
		out.Status = Filled
	case broker.StatusPartiallyFilled:
		out.Status = PartiallyFilled
	case broker.StatusCanceled, broker.StatusExpired, broker.StatusRejected:
		if report.ExecutedQty > 0 {
			out.Status = PartiallyFilled
		} else {
			out.Status = Rejected
		}
	default:
		out.Status = Failed
	}
	if out.Status != Filled {
		reason := report.Reason
		if reason == "" {
			reason = string(report.Status)
		}
		out.Err = fmt.Errorf("order %s not filled: %s", report.OrderID, reason)
		if out.Status == Rejected {
			out.Err = fmt.Errorf("%w: %s", broker.ErrOrderRejected, reason)
		}
	}
	return out
}

func averagePrice(report broker.FillReport) float64 {
	var notional, qty float64
	for _, f := range report.Fills {
		notional += f.Price * f.Qty
		qty += f.Qty
	}
	if qty > 0 {
		return notional / qty
	}
	if report.ExecutedQty > 0 {
		return report.CumulativeQuote / report.ExecutedQty
	}
	return 0
}

func (x *Executor) report(ctx context.Context, req Request, out Outcome) {
	logger := log.With().
		Str("component", "executor").
		Str("side", string(req.Side)).
		Str("symbol", req.Symbol).
		Stringer("qty", out.RequestedQty).
		Str("status", string(out.Status)).
		Str("client_order_id", out.ClientOrderID).
		Logger()

	if out.Status == Filled {
		logger.Info().Float64("filled", out.FilledQuantity).Float64("avg_price", out.AveragePrice).Str("order_id", out.OrderID).Msg("order filled")
		x.skips.Reset()
		x.notifier.Notify(ctx,
			fmt.Sprintf("%s Order for %s - Status: %s", req.Side, req.Symbol, out.Status),
			fmt.Sprintf("Filled %v %s at avg price %.2f (quote %.2f). Order id %s.", out.FilledQuantity, req.Assets.Base, out.AveragePrice, out.Proceeds, out.OrderID))
		return
	}

	logger.Error().Err(out.Err).Float64("filled", out.FilledQuantity).Msg("order not filled")
	subject := fmt.Sprintf("%s Order Failed for %s", req.Side, req.Symbol)
	if out.Status == Rejected || out.Status == PartiallyFilled {
		subject = fmt.Sprintf("%s Order for %s - Status: %s", req.Side, req.Symbol, out.Status)
	}
	body := fmt.Sprintf("Quantity %s: %v", out.RequestedQty, out.Err)
	if out.Status == PartiallyFilled {
		body = fmt.Sprintf("Filled %v of %s at avg price %.2f: %v", out.FilledQuantity, out.RequestedQty, out.AveragePrice, out.Err)
	}

	// Guard rejections repeat every cycle until something changes.
	if errors.Is(out.Err, ErrOrderWorking) {
		x.skips.Notify(ctx, fmt.Sprintf("%s Order Working for %s", req.Side, req.Symbol), body)
		return
	}
	if isSkip(out.Err) {
		x.skips.Notify(ctx, fmt.Sprintf("%s skipped for %s", req.Side, req.Symbol), body)
		return
	}
	x.notifier.Notify(ctx, subject, body)
}

func isSkip(err error) bool {
	return errors.Is(err, risk.ErrNotActionable) ||
		errors.Is(err, risk.ErrKillSwitch) ||
		errors.Is(err, risk.ErrInsufficientBalance)
}
