package journal

import (
	"errors"
	"time"

	"trendbot/internal/strategy"
)

// Decision is one journaled cycle, hold cycles included.
type Decision struct {
	RunID         string          `json:"run_id"`
	Timestamp     time.Time       `json:"timestamp"`
	BarTime       time.Time       `json:"bar_time"`
	Symbol        string          `json:"symbol"`
	Close         float64         `json:"close"`
	ShortEMA      float64         `json:"short_ema"`
	LongEMA       float64         `json:"long_ema"`
	Trend         strategy.Trend  `json:"trend"`
	PrevTrend     strategy.Trend  `json:"prev_trend"`
	Crossed       bool            `json:"crossed"`
	Intent        strategy.Action `json:"intent"`
	IntentQty     float64         `json:"intent_qty,omitempty"`
	IntentQuote   float64         `json:"intent_quote,omitempty"`
	Reason        string          `json:"reason"`
	Result        string          `json:"result"`
	RejectReason  string          `json:"reject_reason,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	FilledQty     float64         `json:"filled_qty,omitempty"`
	AvgPrice      float64         `json:"avg_price,omitempty"`
	Balance       float64         `json:"balance"`
	Position      float64         `json:"position"`
}

type Recorder interface {
	Append(d Decision)
	Close() error
}

// Multi writes every decision to each recorder.
type Multi []Recorder

func (m Multi) Append(d Decision) {
	for _, r := range m {
		r.Append(d)
	}
}

func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

// Discard drops every decision.
type Discard struct{}

func (Discard) Append(Decision) {}
func (Discard) Close() error    { return nil }

// Memory keeps decisions in a slice; handy for tests.
type Memory struct {
	Decisions []Decision
}

func (m *Memory) Append(d Decision) { m.Decisions = append(m.Decisions, d) }
func (m *Memory) Close() error      { return nil }
