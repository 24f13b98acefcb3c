// Package risk implements position sizing, stop-loss policy and the unit
// limit model. A unit is one turtle position block sized to risk a fixed
// fraction of account value on a 2N move.
package risk

import (
	"github.com/shopspring/decimal"
)

// StopType records which stop rule dominated.
type StopType string

const (
	StopType2N   StopType = "2N"
	StopType8Pct StopType = "8%"
)

var (
	two = decimal.NewFromInt(2)
	one = decimal.NewFromInt(1)
)

// StopCalculator derives initial, trailing and breakeven stops.
type StopCalculator struct {
	stopLossPct decimal.Decimal // e.g. 0.08
}

// NewStopCalculator builds a calculator with the hard percentage floor.
func NewStopCalculator(stopLossPct decimal.Decimal) *StopCalculator {
	return &StopCalculator{stopLossPct: stopLossPct}
}

// Initial returns the tighter of entry-2N and entry*(1-pct), with the rule
// that produced it.
func (c *StopCalculator) Initial(entry, n decimal.Decimal) (decimal.Decimal, StopType) {
	stop2N := entry.Sub(two.Mul(n))
	stopPct := entry.Mul(one.Sub(c.stopLossPct))

	if stop2N.GreaterThanOrEqual(stopPct) {
		return stop2N, StopType2N
	}
	return stopPct, StopType8Pct
}

// Trailing returns highest-2N, the trailing variant used by the monitoring
// job to report tighter candidate stops on winners.
func (c *StopCalculator) Trailing(highest, n decimal.Decimal) decimal.Decimal {
	return highest.Sub(two.Mul(n))
}

// Breakeven returns the entry price itself; applied once a position is
// comfortably profitable so a reversal cannot turn it into a loss.
func (c *StopCalculator) Breakeven(entry decimal.Decimal) decimal.Decimal {
	return entry
}

// Tighten returns the higher of the current stop and a candidate stop.
// Stops only ever move up.
func (c *StopCalculator) Tighten(current, candidate decimal.Decimal) decimal.Decimal {
	if candidate.GreaterThan(current) {
		return candidate
	}
	return current
}
