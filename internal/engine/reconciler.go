package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"trendbot/internal/journal"
	"trendbot/internal/metrics"
	"trendbot/internal/notify"
	"trendbot/internal/state"
	"trendbot/internal/strategy"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
)

var ErrReconciliation = errors.New("reconciliation failed")

// Reconcile builds the ledger from brokerage holdings and the live trend,
// then places at most one corrective order. Only failures before that order
// are returned; a failed corrective order leaves the trend Unknown so the
// loop retries it.
func (e *Engine) Reconcile(ctx context.Context) error {
	fail := func(step string, err error) error {
		metrics.Error("reconcile")
		return fmt.Errorf("%w: %s: %v", ErrReconciliation, step, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	assets, err := e.broker.Assets(callCtx, e.cfg.Symbol)
	cancel()
	if err != nil {
		return fail("assets", err)
	}
	constraint, err := e.exec.Constraint(ctx, e.cfg.Symbol)
	if err != nil {
		return fail("lot constraint", err)
	}

	callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
	holdings, err := e.broker.Holdings(callCtx, assets.Base)
	cancel()
	if err != nil {
		return fail("holdings", err)
	}
	callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
	balance, err := e.broker.QuoteBalance(callCtx, assets.Quote)
	cancel()
	if err != nil {
		return fail("quote balance", err)
	}
	class, err := e.classify(ctx)
	if err != nil {
		return fail("trend", err)
	}

	position := holdings
	if constraint.IsDust(decimal.NewFromFloat(holdings)) {
		position = 0
	}
	ledger := state.NewLedger(state.TradingState{
		Trend:       strategy.Unknown,
		Balance:     balance,
		Position:    position,
		MaxExposure: e.cfg.MaxExposure,
	}, e.cfg.FeeReserve)

	e.mu.Lock()
	e.assets = assets
	e.ledger = ledger
	e.status.Reconciled = true
	e.status.Classification = class.Classification
	e.mu.Unlock()

	e.logger.Info().
		Str("base", assets.Base).
		Str("quote", assets.Quote).
		Stringer("lot", constraint).
		Float64("holdings", holdings).
		Float64("balance", balance).
		Str("trend", string(class.Current)).
		Msg("reconciled with broker")

	intent := reconcileIntent(ledger, class.Current)
	if position > 0 && balance > 0 {
		e.notifier.Notify(ctx,
			fmt.Sprintf("Holdings drift for %s", e.cfg.Symbol),
			fmt.Sprintf("Both %v %s and %.2f %s are held at startup; acting on the %s trend.",
				position, assets.Base, balance, assets.Quote, class.Current))
	}

	decision := journal.Decision{
		RunID:     e.runID,
		Timestamp: time.Now().UTC(),
		BarTime:   class.BarTime,
		Symbol:    e.cfg.Symbol,
		Close:     class.Close,
		ShortEMA:  class.ShortEMA,
		LongEMA:   class.LongEMA,
		Trend:     class.Current,
		PrevTrend: class.Previous,
		Crossed:   class.Crossed,
		Intent:    intent.Action,
		IntentQty: intent.Qty,
		Reason:    "reconcile_" + intent.Reason,
	}
	result, err := e.transition(ctx, intent, class.Classification, &decision)
	decision.Result = result
	if err != nil {
		decision.RejectReason = err.Error()
		e.logger.Error().Err(err).Msg("corrective order failed, loop will retry")
	}
	snap := ledger.Snapshot()
	decision.Balance = snap.Balance
	decision.Position = snap.Position
	e.journal.Append(decision)
	metrics.Ledger(snap.Trend, snap.Balance, snap.Position)

	e.notifier.Notify(ctx,
		fmt.Sprintf("Trendbot started for %s", e.cfg.Symbol),
		fmt.Sprintf("Broker %s, trend %s (%s), balance %.2f %s, position %v %s.",
			e.broker.Name(), class.Current, result, snap.Balance, assets.Quote, snap.Position, assets.Base))
	return nil
}

// reconcileIntent picks the corrective action at startup. Existing holdings
// already agree with a bullish trend, even when quote balance is also present.
func reconcileIntent(ledger *state.Ledger, trend strategy.Trend) strategy.TradeIntent {
	s := ledger.Snapshot()
	switch {
	case trend == strategy.Bullish && s.Position > 0:
		return strategy.TradeIntent{Action: strategy.Adopt, Trend: trend, Reason: "holdings_match_trend"}
	case trend == strategy.Bearish && s.Position == 0:
		return strategy.TradeIntent{Action: strategy.Adopt, Trend: trend, Reason: "no_holdings_to_sell"}
	}
	return ledger.Decide(trend)
}

// ReconcileWithRetry retries Reconcile with backoff up to attempts times.
func (e *Engine) ReconcileWithRetry(ctx context.Context, attempts int) error {
	if attempts < 1 {
		return fmt.Errorf("%w: attempts must be >= 1, got %d", ErrReconciliation, attempts)
	}
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = e.Reconcile(ctx); err == nil {
			return nil
		}
		e.logger.Error().Err(err).Int("attempt", attempt).Int("attempts", attempts).Msg("reconciliation failed")
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrReconciliation, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
	e.notifier.Notify(ctx, fmt.Sprintf("Trendbot failed to start for %s", e.cfg.Symbol), err.Error())
	return err
}

// DriftLoop compares the ledger with brokerage holdings every interval. It
// only reports; the ledger is never changed here.
func (e *Engine) DriftLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	drifts := notify.NewDedupe(e.notifier)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := e.CheckDrift(ctx)
			if err != nil {
				e.logger.Warn().Err(err).Msg("drift check failed")
				continue
			}
			if report.Drifted() {
				metrics.Drift()
				drifts.Notify(ctx, fmt.Sprintf("Holdings drift for %s", e.cfg.Symbol), report.String())
			}
		}
	}
}

type DriftReport struct {
	LedgerPosition float64
	BrokerHoldings float64
	LedgerBalance  float64
	BrokerBalance  float64
	MinQty         float64
	// Overlap is set when the ledger holds quote balance and a position at once.
	Overlap bool
}

// Drifted reports base holdings that differ from the ledger by at least the
// minimum lot, a ledger balance the account can no longer cover, or a ledger
// that is not exclusive.
func (r DriftReport) Drifted() bool {
	if r.Overlap {
		return true
	}
	tolerance := r.MinQty
	if tolerance <= 0 {
		tolerance = 1e-8
	}
	if math.Abs(r.BrokerHoldings-r.LedgerPosition) >= tolerance {
		return true
	}
	return r.LedgerBalance > r.BrokerBalance+0.01
}

func (r DriftReport) String() string {
	s := fmt.Sprintf("ledger position %v vs broker %v; ledger balance %.2f vs broker %.2f",
		r.LedgerPosition, r.BrokerHoldings, r.LedgerBalance, r.BrokerBalance)
	if r.Overlap {
		s += "; ledger holds both balance and position"
	}
	return s
}

func (e *Engine) CheckDrift(ctx context.Context) (DriftReport, error) {
	ledger := e.Ledger()
	if ledger == nil {
		return DriftReport{}, errors.New("not reconciled")
	}
	e.mu.Lock()
	assets := e.assets
	e.mu.Unlock()

	constraint, err := e.exec.Constraint(ctx, e.cfg.Symbol)
	if err != nil {
		return DriftReport{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	holdings, err := e.broker.Holdings(callCtx, assets.Base)
	if err != nil {
		return DriftReport{}, err
	}
	balance, err := e.broker.QuoteBalance(callCtx, assets.Quote)
	if err != nil {
		return DriftReport{}, err
	}

	snap := ledger.Snapshot()
	minQty := constraint.MinQty.InexactFloat64()
	report := DriftReport{
		LedgerPosition: snap.Position,
		BrokerHoldings: holdings,
		LedgerBalance:  snap.Balance,
		BrokerBalance:  balance,
		MinQty:         minQty,
		Overlap:        snap.Balance > 0 && !snap.Exclusive(minQty),
	}

	e.mu.Lock()
	e.status.LastDrift = time.Now().UTC()
	e.mu.Unlock()
	e.logger.Debug().Float64("holdings", holdings).Float64("position", snap.Position).Bool("drifted", report.Drifted()).Msg("drift check")
	return report, nil
}
