package risk

import (
	"errors"
	"testing"

	"trendbot/internal/lot"
	"trendbot/internal/strategy"

	"github.com/shopspring/decimal"
)

var btcLot = lot.NewConstraint(0.0001, 100, 0.0001)

func TestGateApprovesValidBuy(t *testing.T) {
	err := Gate{}.Evaluate(Check{
		Action:     strategy.Buy,
		Qty:        decimal.RequireFromString("0.198"),
		Constraint: btcLot,
		Funds:      Funds{Balance: 10000, Price: 50000},
	})
	if err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
}

func TestGateRejectsBuyAboveBalance(t *testing.T) {
	err := Gate{}.Evaluate(Check{
		Action:     strategy.Buy,
		Qty:        decimal.RequireFromString("0.3"),
		Constraint: btcLot,
		Funds:      Funds{Balance: 10000, Price: 50000},
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestGateRejectsSellAbovePosition(t *testing.T) {
	err := Gate{}.Evaluate(Check{
		Action:     strategy.Sell,
		Qty:        decimal.RequireFromString("0.6"),
		Constraint: btcLot,
		Funds:      Funds{Position: 0.5, Price: 50000},
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestGateRejectsKillSwitch(t *testing.T) {
	err := Gate{KillSwitch: true}.Evaluate(Check{
		Action:     strategy.Sell,
		Qty:        decimal.RequireFromString("0.5"),
		Constraint: btcLot,
		Funds:      Funds{Position: 0.5},
	})
	if !errors.Is(err, ErrKillSwitch) {
		t.Fatalf("expected kill switch rejection, got %v", err)
	}
}

func TestGateRejectsBelowMinimum(t *testing.T) {
	err := Gate{}.Evaluate(Check{
		Action:     strategy.Sell,
		Qty:        decimal.Zero,
		Constraint: btcLot,
		Funds:      Funds{Position: 0.00005},
	})
	if !errors.Is(err, ErrNotActionable) {
		t.Fatalf("expected not actionable, got %v", err)
	}
}
