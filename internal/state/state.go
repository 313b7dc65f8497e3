package state

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"trendbot/internal/strategy"

	"github.com/shopspring/decimal"
)

var ErrStaleCommit = errors.New("transition already committed")

type TradingState struct {
	Trend       strategy.Trend `json:"trend"`
	Balance     float64        `json:"balance"`
	Position    float64        `json:"position"`
	MaxExposure float64        `json:"max_exposure"`
}

// Exclusive reports whether exactly one of balance and position is active.
// Holdings at or below dust count as zero.
func (s TradingState) Exclusive(dust float64) bool {
	hasBalance := s.Balance > 0
	hasPosition := s.Position > dust
	return hasBalance != hasPosition
}

// Fill is the confirmed result of a transition order.
type Fill struct {
	Qty      float64
	Proceeds float64
}

// Ledger owns the TradingState of one symbol. Decide is pure with respect to
// the state; only Commit and Adopt mutate it.
type Ledger struct {
	mu         sync.RWMutex
	state      TradingState
	feeReserve float64
}

func NewLedger(initial TradingState, feeReserve float64) *Ledger {
	if initial.Trend == "" {
		initial.Trend = strategy.Unknown
	}
	return &Ledger{state: initial, feeReserve: feeReserve}
}

func (l *Ledger) Snapshot() TradingState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Ledger) Decide(trend strategy.Trend) strategy.TradeIntent {
	l.mu.RLock()
	s := l.state
	l.mu.RUnlock()

	if trend == strategy.Unknown || trend == "" {
		return strategy.TradeIntent{Action: strategy.Hold, Trend: s.Trend, Reason: "trend_unknown"}
	}
	if trend == s.Trend {
		return strategy.TradeIntent{Action: strategy.Hold, Trend: trend, Reason: "trend_unchanged"}
	}

	switch trend {
	case strategy.Bullish:
		if s.Balance > 0 {
			spend := s.Balance
			if s.MaxExposure > 0 {
				spend = math.Min(spend, s.MaxExposure)
			}
			return strategy.TradeIntent{
				Action: strategy.Buy,
				Trend:  trend,
				Quote:  reserveFee(spend, l.feeReserve),
				Reason: "bullish_transition",
			}
		}
		return strategy.TradeIntent{Action: strategy.Adopt, Trend: trend, Reason: "no_balance_to_invest"}
	case strategy.Bearish:
		if s.Position > 0 {
			return strategy.TradeIntent{
				Action: strategy.Sell,
				Trend:  trend,
				Qty:    s.Position,
				Reason: "bearish_transition",
			}
		}
		return strategy.TradeIntent{Action: strategy.Adopt, Trend: trend, Reason: "no_position_to_sell"}
	}
	return strategy.TradeIntent{Action: strategy.Hold, Trend: s.Trend, Reason: "unsupported_trend"}
}

func reserveFee(spend, feeReserve float64) float64 {
	keep := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(feeReserve))
	return decimal.NewFromFloat(spend).Mul(keep).InexactFloat64()
}

// Commit records a filled transition order. A second commit for a trend the
// ledger already holds is rejected with ErrStaleCommit.
func (l *Ledger) Commit(intent strategy.TradeIntent, fill Fill) error {
	if fill.Qty <= 0 {
		return fmt.Errorf("commit %s: filled quantity must be > 0, got %v", intent.Action, fill.Qty)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Trend == intent.Trend {
		return fmt.Errorf("commit %s %s: %w", intent.Action, intent.Trend, ErrStaleCommit)
	}

	switch intent.Action {
	case strategy.Buy:
		l.state.Balance = 0
		l.state.Position = fill.Qty
	case strategy.Sell:
		l.state.Position = 0
		l.state.Balance = fill.Proceeds
	default:
		return fmt.Errorf("commit: unsupported action %s", intent.Action)
	}
	l.state.Trend = intent.Trend
	return nil
}

// Adopt records a trend that needs no order to be aligned with.
func (l *Ledger) Adopt(trend strategy.Trend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Trend = trend
}
