package risk

import (
	"errors"
	"fmt"

	"trendbot/internal/lot"
	"trendbot/internal/strategy"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotActionable       = errors.New("quantity not actionable")
	ErrKillSwitch          = errors.New("kill switch enabled")
)

// Funds is what the ledger believes is available when the order is checked.
type Funds struct {
	Balance  float64
	Position float64
	Price    float64
}

type Check struct {
	Action     strategy.Action
	Qty        decimal.Decimal
	Constraint lot.Constraint
	Funds      Funds
}

type Gate struct {
	KillSwitch bool
}

// Evaluate runs the guards an order must pass before it reaches the broker.
// Qty is expected to be normalized already.
func (g Gate) Evaluate(c Check) error {
	notional := c.Qty.Mul(decimal.NewFromFloat(c.Funds.Price))
	logger := log.With().
		Str("component", "risk").
		Str("action", string(c.Action)).
		Stringer("qty", c.Qty).
		Float64("price", c.Funds.Price).
		Stringer("notional", notional).
		Logger()

	if g.KillSwitch {
		logger.Info().Str("reason", "kill_switch_enabled").Msg("risk rejected")
		return ErrKillSwitch
	}
	if !c.Constraint.Actionable(c.Qty) {
		logger.Info().Str("reason", "not_actionable").Stringer("lot", c.Constraint).Msg("risk rejected")
		return fmt.Errorf("%w: %s below minimum %s", ErrNotActionable, c.Qty, c.Constraint.MinQty)
	}

	switch c.Action {
	case strategy.Buy:
		if c.Funds.Price <= 0 {
			return fmt.Errorf("%w: no price to value the order", ErrNotActionable)
		}
		if notional.GreaterThan(decimal.NewFromFloat(c.Funds.Balance)) {
			logger.Info().Str("reason", "insufficient_balance").Float64("balance", c.Funds.Balance).Msg("risk rejected")
			return fmt.Errorf("%w: need %s, have %v", ErrInsufficientBalance, notional.StringFixed(2), c.Funds.Balance)
		}
	case strategy.Sell:
		if c.Qty.GreaterThan(decimal.NewFromFloat(c.Funds.Position)) {
			logger.Info().Str("reason", "insufficient_position").Float64("position", c.Funds.Position).Msg("risk rejected")
			return fmt.Errorf("%w: selling %s, holding %v", ErrInsufficientBalance, c.Qty, c.Funds.Position)
		}
	default:
		return fmt.Errorf("%w: unsupported action %s", ErrNotActionable, c.Action)
	}

	logger.Debug().Msg("risk approved")
	return nil
}
