// Package lot maps desired order quantities onto exchange LOT_SIZE rules.
package lot

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Constraint is an exchange LOT_SIZE filter for one symbol.
type Constraint struct {
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
	StepSize decimal.Decimal
}

func NewConstraint(minQty, maxQty, stepSize float64) Constraint {
	return Constraint{
		MinQty:   decimal.NewFromFloat(minQty),
		MaxQty:   decimal.NewFromFloat(maxQty),
		StepSize: decimal.NewFromFloat(stepSize),
	}
}

// ParseConstraint builds a Constraint from the string form exchanges report.
func ParseConstraint(minQty, maxQty, stepSize string) (Constraint, error) {
	minD, err := decimal.NewFromString(minQty)
	if err != nil {
		return Constraint{}, fmt.Errorf("parse minQty %q: %w", minQty, err)
	}
	maxD, err := decimal.NewFromString(maxQty)
	if err != nil {
		return Constraint{}, fmt.Errorf("parse maxQty %q: %w", maxQty, err)
	}
	stepD, err := decimal.NewFromString(stepSize)
	if err != nil {
		return Constraint{}, fmt.Errorf("parse stepSize %q: %w", stepSize, err)
	}
	if !stepD.IsPositive() {
		return Constraint{}, fmt.Errorf("stepSize must be > 0, got %s", stepSize)
	}
	return Constraint{MinQty: minD, MaxQty: maxD, StepSize: stepD}, nil
}

// Precision is the number of decimal places the step size is quoted with.
func (c Constraint) Precision() int32 {
	s := c.StepSize.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return int32(len(s) - i - 1)
	}
	return 0
}

// Normalize truncates qty down to a whole number of steps, clamped to MaxQty
// when MaxQty is set. It never rounds up.
func Normalize(qty decimal.Decimal, c Constraint) decimal.Decimal {
	if !qty.IsPositive() || !c.StepSize.IsPositive() {
		return decimal.Zero
	}
	if c.MaxQty.IsPositive() && qty.GreaterThan(c.MaxQty) {
		qty = c.MaxQty
	}
	steps, _ := qty.QuoRem(c.StepSize, 0)
	return steps.Mul(c.StepSize).Truncate(c.Precision())
}

// Actionable reports whether an already normalized quantity can be submitted.
func (c Constraint) Actionable(qty decimal.Decimal) bool {
	return qty.IsPositive() && qty.GreaterThanOrEqual(c.MinQty)
}

// IsDust reports whether a held quantity is too small to trade.
func (c Constraint) IsDust(qty decimal.Decimal) bool {
	return !qty.IsPositive() || qty.LessThan(c.MinQty)
}

func (c Constraint) String() string {
	return fmt.Sprintf("min=%s max=%s step=%s", c.MinQty, c.MaxQty, c.StepSize)
}
