package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"trendbot/internal/lot"

	"github.com/google/uuid"
)

type PaperConfig struct {
	Symbol       string
	Assets       Assets
	Constraint   lot.Constraint
	QuoteBalance float64
	BaseBalance  float64
	// Price is used until a quoter is attached or SetPrice is called.
	Price  float64
	Quoter PriceQuoter
}

// Paper fills market orders in memory at the current price. Orders never
// leave the process.
type Paper struct {
	mu         sync.Mutex
	symbol     string
	assets     Assets
	constraint lot.Constraint
	balances   map[string]float64
	price      float64
	quoter     PriceQuoter

	rejectReason  string
	submitErr     error
	constraintErr error
	cancelErr     error
	hold          bool
	submitted     []OrderRequest
	orders        map[string]FillReport
	working       map[string]OrderRequest
}

func NewPaper(cfg PaperConfig) *Paper {
	return &Paper{
		symbol:     cfg.Symbol,
		assets:     cfg.Assets,
		constraint: cfg.Constraint,
		balances: map[string]float64{
			strings.ToUpper(cfg.Assets.Base):  cfg.BaseBalance,
			strings.ToUpper(cfg.Assets.Quote): cfg.QuoteBalance,
		},
		price:  cfg.Price,
		quoter: cfg.Quoter,
		orders:  map[string]FillReport{},
		working: map[string]OrderRequest{},
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) SetPrice(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
}

func (p *Paper) SetBalance(asset string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[strings.ToUpper(asset)] = amount
}

// RejectOrders makes every following order come back REJECTED with reason.
// An empty reason restores normal fills.
func (p *Paper) RejectOrders(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectReason = reason
}

func (p *Paper) FailOrders(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErr = err
}

// HoldOrders leaves following orders NEW until FillWorking or CancelOrder.
func (p *Paper) HoldOrders(hold bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hold = hold
}

func (p *Paper) FailCancel(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelErr = err
}

// FillWorking fills every held order at the current price.
func (p *Paper) FillWorking() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, req := range p.working {
		report := p.orders[id]
		p.fill(&report, req)
		p.orders[id] = report
		delete(p.working, id)
	}
}

// Working returns the number of orders still open.
func (p *Paper) Working() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.working)
}

func (p *Paper) FailConstraint(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.constraintErr = err
}

// Submitted returns every order request that reached the broker.
func (p *Paper) Submitted() []OrderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderRequest, len(p.submitted))
	copy(out, p.submitted)
	return out
}

func (p *Paper) Assets(ctx context.Context, symbol string) (Assets, error) {
	if symbol != p.symbol {
		return Assets{}, fmt.Errorf("paper broker trades %s, not %s", p.symbol, symbol)
	}
	return p.assets, nil
}

func (p *Paper) LotConstraint(ctx context.Context, symbol string) (lot.Constraint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.constraintErr != nil {
		return lot.Constraint{}, fmt.Errorf("%w: %v", ErrConstraintLookup, p.constraintErr)
	}
	return p.constraint, nil
}

func (p *Paper) Holdings(ctx context.Context, asset string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[strings.ToUpper(asset)], nil
}

func (p *Paper) QuoteBalance(ctx context.Context, asset string) (float64, error) {
	return p.Holdings(ctx, asset)
}

func (p *Paper) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	quoter := p.quoter
	p.mu.Unlock()
	if quoter != nil {
		price, err := quoter.CurrentPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		p.SetPrice(price)
		return price, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.price <= 0 {
		return 0, errors.New("paper broker has no price yet")
	}
	return p.price, nil
}

func (p *Paper) SubmitMarketOrder(ctx context.Context, req OrderRequest) (FillReport, error) {
	if err := ctx.Err(); err != nil {
		return FillReport{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, req)
	if p.submitErr != nil {
		return FillReport{}, p.submitErr
	}
	if req.Side != Buy && req.Side != Sell {
		return FillReport{}, fmt.Errorf("unsupported side: %s", req.Side)
	}

	report := FillReport{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
	}
	defer func() { p.orders[req.ClientOrderID] = report }()

	if p.rejectReason != "" {
		report.Status = StatusRejected
		report.Reason = p.rejectReason
		return report, nil
	}
	if p.hold {
		report.Status = StatusNew
		p.working[req.ClientOrderID] = req
		return report, nil
	}
	p.fill(&report, req)
	return report, nil
}

// fill settles req against the balances at the current price. The caller
// holds p.mu.
func (p *Paper) fill(report *FillReport, req OrderRequest) {
	if p.price <= 0 {
		report.Status = StatusRejected
		report.Reason = "no price"
		return
	}

	qty := req.Qty.InexactFloat64()
	quote := qty * p.price
	base, quoteAsset := strings.ToUpper(p.assets.Base), strings.ToUpper(p.assets.Quote)
	if req.Side == Buy {
		if quote > p.balances[quoteAsset] {
			report.Status = StatusRejected
			report.Reason = "insufficient balance"
			return
		}
		p.balances[quoteAsset] -= quote
		p.balances[base] += qty
	} else {
		if qty > p.balances[base] {
			report.Status = StatusRejected
			report.Reason = "insufficient balance"
			return
		}
		p.balances[base] -= qty
		p.balances[quoteAsset] += quote
	}

	report.Status = StatusFilled
	report.ExecutedQty = qty
	report.CumulativeQuote = quote
	report.Fills = []Fill{{Price: p.price, Qty: qty}}
}

func (p *Paper) LookupOrder(ctx context.Context, symbol, clientOrderID string) (FillReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	report, ok := p.orders[clientOrderID]
	if !ok {
		return FillReport{}, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
	}
	return report, nil
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelErr != nil {
		return p.cancelErr
	}
	report, ok := p.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
	}
	if _, open := p.working[clientOrderID]; open {
		report.Status = StatusCanceled
		p.orders[clientOrderID] = report
		delete(p.working, clientOrderID)
	}
	return nil
}
