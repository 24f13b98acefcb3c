package signals

import (
	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// PyramidSignal says the position qualifies for one more unit. NewStop is
// the anticipated unified stop at the trigger price; the order manager
// recomputes it from the actual fill.
type PyramidSignal struct {
	NextEntry decimal.Decimal
	NewStop   decimal.Decimal
}

// PyramidCalculator spaces add-on entries at fixed N intervals above the
// initial entry and moves the unified stop 2N below each new fill.
type PyramidCalculator struct {
	intervalN decimal.Decimal
	maxUnits  int
}

// NewPyramidCalculator builds a calculator with interval k (in units of N,
// classically 0.5) and the per-stock unit cap.
func NewPyramidCalculator(intervalN decimal.Decimal, maxUnits int) *PyramidCalculator {
	return &PyramidCalculator{intervalN: intervalN, maxUnits: maxUnits}
}

// NextEntryPrice returns the trigger for the next unit given the position
// base entry, current N, and units already held: entry + units*k*N.
func (c *PyramidCalculator) NextEntryPrice(entry, n decimal.Decimal, currentUnits int) decimal.Decimal {
	step := c.intervalN.Mul(n).Mul(decimal.NewFromInt(int64(currentUnits)))
	return entry.Add(step)
}

// UnifiedStop is the stop shared by all units after a fill: fill - 2N.
func (c *PyramidCalculator) UnifiedStop(fillPrice, n decimal.Decimal) decimal.Decimal {
	return fillPrice.Sub(two.Mul(n))
}

// Check fires when price has reached the next trigger and the unit cap is
// not exhausted.
func (c *PyramidCalculator) Check(entry, n, price decimal.Decimal, currentUnits int) *PyramidSignal {
	if currentUnits < 1 || currentUnits >= c.maxUnits {
		return nil
	}
	if !n.IsPositive() {
		return nil
	}

	nextEntry := c.NextEntryPrice(entry, n, currentUnits)
	if price.LessThan(nextEntry) {
		return nil
	}
	return &PyramidSignal{
		NextEntry: nextEntry,
		NewStop:   c.UnifiedStop(price, n),
	}
}
