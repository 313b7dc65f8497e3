package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trendbot/internal/broker"
	"trendbot/internal/config"
	"trendbot/internal/journal"
	"trendbot/internal/md"
	"trendbot/internal/metrics"
	"trendbot/internal/notify"
	"trendbot/internal/risk"
	"trendbot/internal/state"
	"trendbot/internal/strategy"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Status is a point-in-time view of the engine for the status server.
type Status struct {
	RunID          string                  `json:"run_id"`
	Broker         string                  `json:"broker"`
	Symbol         string                  `json:"symbol"`
	Reconciled     bool                    `json:"reconciled"`
	Cycles         int                     `json:"cycles"`
	LastCycle      time.Time               `json:"last_cycle"`
	LastResult     string                  `json:"last_result"`
	LastError      string                  `json:"last_error,omitempty"`
	LastDrift      time.Time               `json:"last_drift_check,omitempty"`
	Classification strategy.Classification `json:"classification"`
	Ledger         *state.TradingState     `json:"ledger,omitempty"`
}

type Deps struct {
	Feed     md.Feed
	Broker   broker.Broker
	Notifier notify.Notifier
	Journal  journal.Recorder
	RunID    string
}

type Engine struct {
	cfg        config.Config
	feed       md.Feed
	broker     broker.Broker
	classifier strategy.Classifier
	exec       *Executor
	notifier   notify.Notifier
	alerts     *notify.Dedupe
	journal    journal.Recorder
	runID      string
	logger     zerolog.Logger

	assets broker.Assets

	mu     sync.Mutex
	ledger *state.Ledger
	status Status
}

func New(cfg config.Config, deps Deps) (*Engine, error) {
	classifier, err := strategy.NewClassifier(cfg.ShortWindow, cfg.LongWindow)
	if err != nil {
		return nil, err
	}
	if deps.Journal == nil {
		deps.Journal = journal.Discard{}
	}
	return &Engine{
		cfg:        cfg,
		feed:       deps.Feed,
		broker:     deps.Broker,
		classifier: classifier,
		exec:       NewExecutor(deps.Broker, deps.Notifier, risk.Gate{KillSwitch: cfg.KillSwitch}, cfg.CallTimeout, cfg.OrderTimeout, deps.RunID),
		notifier:   deps.Notifier,
		alerts:     notify.NewDedupe(deps.Notifier),
		journal:    deps.Journal,
		runID:      deps.RunID,
		logger:     log.With().Str("component", "engine").Str("symbol", cfg.Symbol).Logger(),
		status:     Status{RunID: deps.RunID, Broker: deps.Broker.Name(), Symbol: cfg.Symbol},
	}, nil
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	s := e.status
	ledger := e.ledger
	e.mu.Unlock()
	if ledger != nil {
		snap := ledger.Snapshot()
		s.Ledger = &snap
	}
	return s
}

func (e *Engine) Ledger() *state.Ledger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger
}

// Run polls until ctx is cancelled. Feed and lot constraint failures stretch
// the delay exponentially up to MaxBackoff; any other cycle resets it.
func (e *Engine) Run(ctx context.Context) error {
	if e.Ledger() == nil {
		return errors.New("engine: Run called before Reconcile")
	}
	b := &backoff.Backoff{Min: e.cfg.PollInterval, Max: e.cfg.MaxBackoff, Factor: 2}

	for {
		err := e.Cycle(ctx)
		delay := e.cfg.PollInterval
		if errors.Is(err, md.ErrDataFeed) || errors.Is(err, broker.ErrConstraintLookup) {
			delay = b.Duration()
			e.logger.Warn().Err(err).Dur("retry_in", delay).Msg("cycle failed, backing off")
		} else {
			b.Reset()
		}

		select {
		case <-ctx.Done():
			e.logger.Info().Msg("polling loop stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

// Cycle runs one fetch, classify, decide and execute pass. Errors are
// reported here; the returned error only drives the retry delay.
func (e *Engine) Cycle(ctx context.Context) error {
	decision := journal.Decision{
		RunID:     e.runID,
		Timestamp: time.Now().UTC(),
		Symbol:    e.cfg.Symbol,
	}
	result, err := e.cycle(ctx, &decision)
	decision.Result = result
	if err != nil {
		decision.RejectReason = err.Error()
	}
	snap := e.ledger.Snapshot()
	decision.Balance = snap.Balance
	decision.Position = snap.Position
	e.journal.Append(decision)

	metrics.Cycle(result)
	metrics.Ledger(snap.Trend, snap.Balance, snap.Position)

	e.mu.Lock()
	e.status.Cycles++
	e.status.LastCycle = decision.Timestamp
	e.status.LastResult = result
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
	e.mu.Unlock()
	return err
}

func (e *Engine) cycle(ctx context.Context, d *journal.Decision) (string, error) {
	class, err := e.classify(ctx)
	if err != nil {
		if ctx.Err() != nil {
			e.logger.Debug().Err(err).Msg("cycle interrupted by shutdown")
			return "stopped", nil
		}
		if errors.Is(err, strategy.ErrInsufficientData) {
			e.logger.Warn().Err(err).Msg("abstaining")
			return "abstain", nil
		}
		metrics.Error("feed")
		e.logger.Error().Err(err).Msg("market data unavailable")
		e.alerts.Notify(ctx, fmt.Sprintf("Market data error for %s", e.cfg.Symbol), err.Error())
		return "error", err
	}
	e.alerts.Reset()

	d.BarTime = class.BarTime
	d.Close = class.Close
	d.ShortEMA = class.ShortEMA
	d.LongEMA = class.LongEMA
	d.Trend = class.Current
	d.PrevTrend = class.Previous
	d.Crossed = class.Crossed

	e.mu.Lock()
	e.status.Classification = class.Classification
	e.mu.Unlock()

	if e.exec.Pending() {
		return e.settle(ctx, d)
	}

	intent := e.ledger.Decide(class.Current)
	d.Intent = intent.Action
	d.IntentQty = intent.Qty
	d.IntentQuote = intent.Quote
	d.Reason = intent.Reason

	e.logger.Info().
		Str("trend", string(class.Current)).
		Bool("crossed", class.Crossed).
		Float64("close", class.Close).
		Float64("short_ema", class.ShortEMA).
		Float64("long_ema", class.LongEMA).
		Str("intent", string(intent.Action)).
		Str("reason", intent.Reason).
		Msg("cycle")

	return e.transition(ctx, intent, class.Classification, d)
}

// settle resolves an order an earlier timeout left open. Nothing new is
// decided in the same cycle.
func (e *Engine) settle(ctx context.Context, d *journal.Decision) (string, error) {
	req, out, err := e.exec.Settle(ctx)
	d.Intent = req.Intent.Action
	d.IntentQty = req.Intent.Qty
	d.IntentQuote = req.Intent.Quote
	d.Reason = "settle_" + req.Intent.Reason
	d.ClientOrderID = out.ClientOrderID
	d.OrderID = out.OrderID
	d.FilledQty = out.FilledQuantity
	d.AvgPrice = out.AveragePrice
	if err != nil {
		metrics.Error("broker")
		return "working", err
	}
	if out.Status != Filled {
		return "settled_" + string(out.Status), out.Err
	}
	if err := e.ledger.Commit(req.Intent, state.Fill{Qty: out.NetQuantity, Proceeds: out.Proceeds}); err != nil {
		e.logger.Error().Err(err).Msg("commit of settled order failed")
		return "error", err
	}
	return "filled", nil
}

type barClassification struct {
	strategy.Classification
	BarTime time.Time
}

func (e *Engine) classify(ctx context.Context) (barClassification, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	bars, err := e.feed.RecentBars(callCtx, e.cfg.Symbol, e.cfg.Interval, e.cfg.Bars)
	cancel()
	if err != nil {
		if !errors.Is(err, md.ErrDataFeed) {
			err = fmt.Errorf("%w: %v", md.ErrDataFeed, err)
		}
		return barClassification{}, err
	}

	class, err := e.classifier.Classify(md.Closes(bars))
	if err != nil {
		return barClassification{}, err
	}
	if class.WarmUp {
		e.logger.Warn().Int("samples", class.Samples).Int("long_window", e.cfg.LongWindow).Msg("classifying during EMA warm-up")
	}
	return barClassification{
		Classification: class,
		BarTime:        time.Unix(bars[len(bars)-1].Timestamp, 0).UTC(),
	}, nil
}

// transition carries out intent. The ledger changes only on a fill or an
// adoption.
func (e *Engine) transition(ctx context.Context, intent strategy.TradeIntent, class strategy.Classification, d *journal.Decision) (string, error) {
	switch intent.Action {
	case strategy.Hold:
		return "hold", nil
	case strategy.Adopt:
		e.ledger.Adopt(intent.Trend)
		e.logger.Info().Str("trend", string(intent.Trend)).Str("reason", intent.Reason).Msg("trend adopted without order")
		e.notifier.Notify(ctx,
			fmt.Sprintf("Trend %s for %s", intent.Trend, e.cfg.Symbol),
			fmt.Sprintf("Adopted %s trend without an order (%s). Close %.2f, short EMA %.2f, long EMA %.2f.",
				intent.Trend, intent.Reason, class.Close, class.ShortEMA, class.LongEMA))
		return "adopted", nil
	}

	snap := e.ledger.Snapshot()
	req := Request{
		Symbol: e.cfg.Symbol,
		Assets: e.assets,
		Funds:  risk.Funds{Balance: snap.Balance, Position: snap.Position},
		Intent: intent,
	}
	switch intent.Action {
	case strategy.Buy:
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		price, err := e.broker.CurrentPrice(callCtx, e.cfg.Symbol)
		cancel()
		if err != nil || price <= 0 {
			metrics.Error("broker")
			if err == nil {
				err = fmt.Errorf("invalid price %v", price)
			}
			err = fmt.Errorf("current price for %s: %w", e.cfg.Symbol, err)
			e.logger.Error().Err(err).Msg("cannot size buy")
			e.notifier.Notify(ctx, fmt.Sprintf("BUY Order Failed for %s", e.cfg.Symbol), err.Error())
			return "error", err
		}
		req.Side = broker.Buy
		req.Funds.Price = price
		req.Qty = decimal.NewFromFloat(intent.Quote).Div(decimal.NewFromFloat(price))
	case strategy.Sell:
		req.Side = broker.Sell
		req.Funds.Price = class.Close
		req.Qty = decimal.NewFromFloat(intent.Qty)
	default:
		return "hold", fmt.Errorf("unsupported action %s", intent.Action)
	}

	out := e.exec.Execute(ctx, req)
	d.ClientOrderID = out.ClientOrderID
	d.OrderID = out.OrderID
	d.FilledQty = out.FilledQuantity
	d.AvgPrice = out.AveragePrice

	if out.Status != Filled {
		switch {
		case isSkip(out.Err):
			return "skipped", nil
		case errors.Is(out.Err, ErrOrderWorking):
			metrics.Error("broker")
			return "working", out.Err
		case errors.Is(out.Err, broker.ErrConstraintLookup):
			metrics.Error("constraint")
		default:
			metrics.Error("broker")
		}
		return string(out.Status), out.Err
	}

	fill := state.Fill{Qty: out.NetQuantity, Proceeds: out.Proceeds}
	if err := e.ledger.Commit(intent, fill); err != nil {
		e.logger.Error().Err(err).Msg("commit failed")
		return "error", err
	}
	return "filled", nil
}
