package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"trendbot/internal/broker"
	"trendbot/internal/config"
	"trendbot/internal/journal"
	"trendbot/internal/lot"
	"trendbot/internal/md"
	"trendbot/internal/notify"
	"trendbot/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rising(n int, from float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*10
	}
	return out
}

func falling(n int, from float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from - float64(i)*10
	}
	return out
}

type harness struct {
	cfg     config.Config
	engine  *Engine
	paper   *broker.Paper
	feed    *md.Static
	notices *notify.Recorder
	journal *journal.Memory
}

func newHarness(t *testing.T, mutate func(*config.Config, *broker.PaperConfig), closes []float64) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.Broker = config.BackendPaper
	cfg.ShortWindow = 3
	cfg.LongWindow = 6
	cfg.Bars = 50
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.CallTimeout = time.Second
	cfg.OrderTimeout = time.Second

	paperCfg := broker.PaperConfig{
		Symbol:       "BTCUSDT",
		Assets:       broker.Assets{Base: "BTC", Quote: "USDT"},
		Constraint:   lot.NewConstraint(0.00001, 9000, 0.00001),
		QuoteBalance: 10000,
		Price:        50000,
	}
	if mutate != nil {
		mutate(&cfg, &paperCfg)
	}

	h := &harness{
		cfg:     cfg,
		paper:   broker.NewPaper(paperCfg),
		feed:    md.NewStatic("BTCUSDT", 100, closes...),
		notices: &notify.Recorder{},
		journal: &journal.Memory{},
	}
	e, err := New(cfg, Deps{Feed: h.feed, Broker: h.paper, Notifier: h.notices, Journal: h.journal, RunID: "3f2a9c1e-test"})
	require.NoError(t, err)
	h.engine = e
	return h
}

// withBroker rebuilds the engine around b, which usually wraps h.paper.
func (h *harness) withBroker(t *testing.T, b broker.Broker) {
	t.Helper()
	e, err := New(h.cfg, Deps{Feed: h.feed, Broker: b, Notifier: h.notices, Journal: h.journal, RunID: "3f2a9c1e-test"})
	require.NoError(t, err)
	h.engine = e
}

func (h *harness) count(subject string) int {
	n := 0
	for _, m := range h.notices.Messages() {
		if m.Subject == subject {
			n++
		}
	}
	return n
}

func TestBullishTransitionBuysNormalizedQuantity(t *testing.T) {
	h := newHarness(t, nil, falling(30, 51000))
	ctx := context.Background()
	require.NoError(t, h.engine.Reconcile(ctx))
	assert.Equal(t, strategy.Bearish, h.engine.Ledger().Snapshot().Trend)
	assert.Empty(t, h.paper.Submitted())

	h.feed.Reset(rising(30, 49000)...)
	require.NoError(t, h.engine.Cycle(ctx))

	submitted := h.paper.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, broker.Buy, submitted[0].Side)
	assert.Equal(t, "0.198", submitted[0].Qty.String())

	s := h.engine.Ledger().Snapshot()
	assert.Equal(t, strategy.Bullish, s.Trend)
	assert.Equal(t, 0.0, s.Balance)
	assert.InDelta(t, 0.198, s.Position, 1e-12)

	last := h.journal.Decisions[len(h.journal.Decisions)-1]
	assert.Equal(t, "filled", last.Result)
	assert.Equal(t, strategy.Buy, last.Intent)
	assert.NotEmpty(t, last.ClientOrderID)
}

func TestRejectedBuyLeavesLedgerAndNotifiesOnce(t *testing.T) {
	h := newHarness(t, nil, falling(30, 51000))
	ctx := context.Background()
	require.NoError(t, h.engine.Reconcile(ctx))
	before := h.engine.Ledger().Snapshot()
	sent := len(h.notices.Messages())

	h.paper.RejectOrders("Account has insufficient balance for requested action.")
	h.feed.Reset(rising(30, 49000)...)
	err := h.engine.Cycle(ctx)
	assert.ErrorIs(t, err, broker.ErrOrderRejected)

	assert.Equal(t, before, h.engine.Ledger().Snapshot())
	messages := h.notices.Messages()[sent:]
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Subject, "Rejected")

	// the stale trend makes the next cycle try again
	h.paper.RejectOrders("")
	require.NoError(t, h.engine.Cycle(ctx))
	assert.Equal(t, strategy.Bullish, h.engine.Ledger().Snapshot().Trend)
	assert.Len(t, h.paper.Submitted(), 2)
}

func TestRepeatedTrendPlacesOneOrder(t *testing.T) {
	h := newHarness(t, nil, falling(30, 51000))
	ctx := context.Background()
	require.NoError(t, h.engine.Reconcile(ctx))

	h.feed.Reset(rising(30, 49000)...)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.engine.Cycle(ctx))
		h.feed.Push(49000 + float64(300+i*10))
	}

	assert.Len(t, h.paper.Submitted(), 1)
	results := []string{}
	for _, d := range h.journal.Decisions[1:] {
		results = append(results, d.Result)
	}
	assert.Equal(t, []string{"filled", "hold", "hold"}, results)
}

func TestStartupSellsHoldingsWhenBearish(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, p *broker.PaperConfig) {
		p.QuoteBalance = 0
		p.BaseBalance = 0.5
		p.Price = 40000
	}, falling(30, 41000))

	require.NoError(t, h.engine.Reconcile(context.Background()))

	submitted := h.paper.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, broker.Sell, submitted[0].Side)
	assert.Equal(t, "0.5", submitted[0].Qty.String())

	s := h.engine.Ledger().Snapshot()
	assert.Equal(t, strategy.Bearish, s.Trend)
	assert.Equal(t, 0.0, s.Position)
	assert.InDelta(t, 20000, s.Balance, 1e-6)
}

func TestStartupBullishWithHoldingsAdoptsAndReportsDrift(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, p *broker.PaperConfig) {
		p.BaseBalance = 0.1
	}, rising(30, 49000))

	require.NoError(t, h.engine.Reconcile(context.Background()))
	assert.Empty(t, h.paper.Submitted())
	assert.Equal(t, strategy.Bullish, h.engine.Ledger().Snapshot().Trend)

	var subjects []string
	for _, m := range h.notices.Messages() {
		subjects = append(subjects, m.Subject)
	}
	assert.Contains(t, subjects, "Holdings drift for BTCUSDT")
}

func TestStartupIgnoresDustHoldings(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, p *broker.PaperConfig) {
		p.QuoteBalance = 0
		p.BaseBalance = 0.000004
	}, falling(30, 51000))

	require.NoError(t, h.engine.Reconcile(context.Background()))
	assert.Empty(t, h.paper.Submitted())
	s := h.engine.Ledger().Snapshot()
	assert.Equal(t, 0.0, s.Position)
	assert.Equal(t, strategy.Bearish, s.Trend)
}

func TestFailedCorrectiveOrderIsNotFatal(t *testing.T) {
	h := newHarness(t, nil, rising(30, 49000))
	h.paper.FailOrders(errors.New("connection reset"))

	require.NoError(t, h.engine.Reconcile(context.Background()))
	s := h.engine.Ledger().Snapshot()
	assert.Equal(t, strategy.Unknown, s.Trend)
	assert.Equal(t, 10000.0, s.Balance)
}

func TestReconcileFailureBeforeOrder(t *testing.T) {
	h := newHarness(t, nil, rising(30, 49000))
	h.paper.FailConstraint(errors.New("exchange info unavailable"))

	err := h.engine.ReconcileWithRetry(context.Background(), 1)
	assert.ErrorIs(t, err, ErrReconciliation)
	assert.Nil(t, h.engine.Ledger())

	h.paper.FailConstraint(nil)
	h.feed.Fail(errors.New("klines timeout"))
	assert.ErrorIs(t, h.engine.Reconcile(context.Background()), ErrReconciliation)
}

func TestFeedErrorLeavesLedgerAndRecovers(t *testing.T) {
	h := newHarness(t, nil, falling(30, 51000))
	ctx := context.Background()
	require.NoError(t, h.engine.Reconcile(ctx))
	before := h.engine.Ledger().Snapshot()

	h.feed.Fail(errors.New("502 bad gateway"))
	assert.ErrorIs(t, h.engine.Cycle(ctx), md.ErrDataFeed)
	assert.ErrorIs(t, h.engine.Cycle(ctx), md.ErrDataFeed)
	assert.Equal(t, before, h.engine.Ledger().Snapshot())
	assert.Equal(t, "error", h.engine.Status().LastResult)

	h.feed.Fail(nil)
	h.feed.Reset(rising(30, 49000)...)
	require.NoError(t, h.engine.Cycle(ctx))
	assert.Equal(t, strategy.Bullish, h.engine.Ledger().Snapshot().Trend)
}

func TestKillSwitchBlocksOrders(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, p *broker.PaperConfig) {
		cfg.KillSwitch = true
	}, falling(30, 51000))
	ctx := context.Background()
	require.NoError(t, h.engine.Reconcile(ctx))

	h.feed.Reset(rising(30, 49000)...)
	require.NoError(t, h.engine.Cycle(ctx))
	require.NoError(t, h.engine.Cycle(ctx))

	assert.Empty(t, h.paper.Submitted())
	assert.Equal(t, strategy.Bearish, h.engine.Ledger().Snapshot().Trend)

	skips := 0
	for _, m := range h.notices.Messages() {
		if m.Subject == "BUY skipped for BTCUSDT" {
			skips++
		}
	}
	assert.Equal(t, 1, skips)
}

func TestUnactionableQuantitySkipsBroker(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, p *broker.PaperConfig) {
		p.Constraint = lot.NewConstraint(1, 9000, 0.001)
	}, falling(30, 51000))
	ctx := context.Background()
	require.NoError(t, h.engine.Reconcile(ctx))

	h.feed.Reset(rising(30, 49000)...)
	require.NoError(t, h.engine.Cycle(ctx))
	assert.Empty(t, h.paper.Submitted())
	assert.Equal(t, "skipped", h.journal.Decisions[len(h.journal.Decisions)-1].Result)
}

func TestInsufficientDataAbstains(t *testing.T) {
	h := newHarness(t, nil, falling(30, 51000))
	ctx := context.Background()
	require.NoError(t, h.engine.Reconcile(ctx))

	h.feed.Reset(50000)
	require.NoError(t, h.engine.Cycle(ctx))
	assert.Equal(t, "abstain", h.engine.Status().LastResult)
}

func TestDriftCheck(t *testing.T) {
	h := newHarness(t, nil, falling(30, 51000))
	ctx := context.Background()
	require.NoError(t, h.engine.Reconcile(ctx))

	report, err := h.engine.CheckDrift(ctx)
	require.NoError(t, err)
	assert.False(t, report.Drifted())

	h.paper.SetBalance("BTC", 0.25)
	report, err = h.engine.CheckDrift(ctx)
	require.NoError(t, err)
	assert.True(t, report.Drifted())
	assert.Equal(t, 0.0, h.engine.Ledger().Snapshot().Position)
}

func TestDriftCheckFlagsOverlappingLedger(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, p *broker.PaperConfig) {
		p.BaseBalance = 0.1
	}, rising(30, 49000))
	ctx := context.Background()
	require.NoError(t, h.engine.Reconcile(ctx))

	report, err := h.engine.CheckDrift(ctx)
	require.NoError(t, err)
	assert.True(t, report.Overlap)
	assert.True(t, report.Drifted())
	assert.Contains(t, report.String(), "both balance and position")
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil, falling(30, 51000))
	assert.Error(t, h.engine.Run(context.Background()))

	require.NoError(t, h.engine.Reconcile(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, h.engine.Run(ctx))

	status := h.engine.Status()
	assert.Greater(t, status.Cycles, 1)
	require.NotNil(t, status.Ledger)
	assert.Equal(t, strategy.Bearish, status.Ledger.Trend)
}

func TestTimedOutWorkingOrderIsCancelled(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, p *broker.PaperConfig) {
		cfg.OrderTimeout = 20 * time.Millisecond
	}, falling(30, 51000))
	h.withBroker(t, slowBroker{h.paper})
	ctx := context.Background()
	require.NoError(t, h.engine.Reconcile(ctx))

	h.paper.HoldOrders(true)
	h.feed.Reset(rising(30, 49000)...)
	assert.ErrorIs(t, h.engine.Cycle(ctx), broker.ErrOrderRejected)
	assert.Equal(t, 0, h.paper.Working())
	assert.False(t, h.engine.exec.Pending())
	assert.Equal(t, strategy.Bearish, h.engine.Ledger().Snapshot().Trend)

	// the first order is closed, so the retry is the only live order
	h.paper.HoldOrders(false)
	require.NoError(t, h.engine.Cycle(ctx))
	assert.Len(t, h.paper.Submitted(), 2)
	assert.Equal(t, strategy.Bullish, h.engine.Ledger().Snapshot().Trend)
}

func TestWorkingOrderBlocksNewOrdersUntilResolved(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, p *broker.PaperConfig) {
		cfg.OrderTimeout = 20 * time.Millisecond
	}, falling(30, 51000))
	h.withBroker(t, slowBroker{h.paper})
	ctx := context.Background()
	require.NoError(t, h.engine.Reconcile(ctx))

	h.paper.HoldOrders(true)
	h.paper.FailCancel(errors.New("cancel rejected"))
	h.feed.Reset(rising(30, 49000)...)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, h.engine.Cycle(ctx), ErrOrderWorking)
	}
	assert.Len(t, h.paper.Submitted(), 1)
	assert.Equal(t, 1, h.paper.Working())
	assert.Equal(t, strategy.Bearish, h.engine.Ledger().Snapshot().Trend)
	assert.Equal(t, 1, h.count("BUY Order Working for BTCUSDT"))

	h.paper.FillWorking()
	require.NoError(t, h.engine.Cycle(ctx))
	require.NoError(t, h.engine.Cycle(ctx))
	assert.Len(t, h.paper.Submitted(), 1)

	s := h.engine.Ledger().Snapshot()
	assert.Equal(t, strategy.Bullish, s.Trend)
	assert.Equal(t, 0.0, s.Balance)
	assert.InDelta(t, 0.198, s.Position, 1e-12)
	assert.Equal(t, 1, h.count("BUY Order for BTCUSDT - Status: Filled"))

	var results []string
	for _, d := range h.journal.Decisions[1:] {
		results = append(results, d.Result)
	}
	assert.Equal(t, []string{"working", "working", "working", "filled", "hold"}, results)
}

func TestShutdownDuringFetchIsQuiet(t *testing.T) {
	h := newHarness(t, nil, falling(30, 51000))
	require.NoError(t, h.engine.Reconcile(context.Background()))
	sent := len(h.notices.Messages())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.feed.Fail(context.Canceled)
	require.NoError(t, h.engine.Cycle(ctx))
	assert.Len(t, h.notices.Messages(), sent)
	assert.Equal(t, "stopped", h.engine.Status().LastResult)
}

func TestReconcileWithRetryRejectsNoAttempts(t *testing.T) {
	h := newHarness(t, nil, falling(30, 51000))
	err := h.engine.ReconcileWithRetry(context.Background(), 0)
	assert.ErrorIs(t, err, ErrReconciliation)
	assert.Nil(t, h.engine.Ledger())
}
