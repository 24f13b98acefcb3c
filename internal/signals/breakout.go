package signals

import (
	"github.com/shopspring/decimal"
)

// System tags which turtle system produced a signal.
type System int

const (
	System1 System = 1 // 20-day entry, 10-day exit
	System2 System = 2 // 55-day entry, 20-day exit
)

// SignalType is the closed set of turtle signal kinds.
type SignalType string

const (
	SignalEntryS1  SignalType = "ENTRY_S1"
	SignalEntryS2  SignalType = "ENTRY_S2"
	SignalExitS1   SignalType = "EXIT_S1"
	SignalExitS2   SignalType = "EXIT_S2"
	SignalStopLoss SignalType = "STOP_LOSS"
	SignalPyramid  SignalType = "PYRAMID"
)

// BreakoutParams holds the Donchian window lengths in days.
type BreakoutParams struct {
	S1Entry int
	S1Exit  int
	S2Entry int
	S2Exit  int
}

// DefaultBreakoutParams returns the classic turtle windows.
func DefaultBreakoutParams() BreakoutParams {
	return BreakoutParams{S1Entry: 20, S1Exit: 10, S2Entry: 55, S2Exit: 20}
}

// Breakout is a positive entry or exit classification.
type Breakout struct {
	Type          SignalType
	System        System
	BreakoutLevel decimal.Decimal
}

// ProximityTarget marks a system whose breakout level the price is near but
// has not crossed. DistancePct is a fraction of the level, e.g. 0.004.
type ProximityTarget struct {
	System        System
	BreakoutLevel decimal.Decimal
	DistancePct   decimal.Decimal
}

// BreakoutDetector classifies prices against Donchian channels. The channel
// window always EXCLUDES the current bar: with a series of n bars, the
// reference for period p is the extreme of bars [n-p-1, n-1).
type BreakoutDetector struct {
	params BreakoutParams
}

// NewBreakoutDetector builds a detector with the given windows.
func NewBreakoutDetector(params BreakoutParams) *BreakoutDetector {
	return &BreakoutDetector{params: params}
}

// channelHigh returns the max of the period highs before the current bar.
// ok is false when the series is too short.
func (d *BreakoutDetector) channelHigh(highs []decimal.Decimal, period int) (decimal.Decimal, bool) {
	n := len(highs)
	if n < period+1 {
		return decimal.Zero, false
	}
	max := highs[n-period-1]
	for _, h := range highs[n-period : n-1] {
		if h.GreaterThan(max) {
			max = h
		}
	}
	return max, true
}

// channelLow returns the min of the period lows before the current bar.
func (d *BreakoutDetector) channelLow(lows []decimal.Decimal, period int) (decimal.Decimal, bool) {
	n := len(lows)
	if n < period+1 {
		return decimal.Zero, false
	}
	min := lows[n-period-1]
	for _, l := range lows[n-period : n-1] {
		if l.LessThan(min) {
			min = l
		}
	}
	return min, true
}

// CheckEntry classifies price against both entry channels. System 2 wins
// when both fire. System 1 is skipped when the previous System-1 trade on
// this stock was a winner (the classic turtle filter).
func (d *BreakoutDetector) CheckEntry(price decimal.Decimal, highs []decimal.Decimal, previousS1Winner bool) *Breakout {
	if s2High, ok := d.channelHigh(highs, d.params.S2Entry); ok && price.GreaterThan(s2High) {
		return &Breakout{Type: SignalEntryS2, System: System2, BreakoutLevel: s2High}
	}

	if previousS1Winner {
		return nil
	}
	if s1High, ok := d.channelHigh(highs, d.params.S1Entry); ok && price.GreaterThan(s1High) {
		return &Breakout{Type: SignalEntryS1, System: System1, BreakoutLevel: s1High}
	}
	return nil
}

// CheckExit classifies price against the exit channel of the system the
// position was entered under.
func (d *BreakoutDetector) CheckExit(price decimal.Decimal, lows []decimal.Decimal, entrySystem System) *Breakout {
	period := d.params.S1Exit
	sigType := SignalExitS1
	if entrySystem == System2 {
		period = d.params.S2Exit
		sigType = SignalExitS2
	}

	low, ok := d.channelLow(lows, period)
	if !ok {
		return nil
	}
	if price.LessThan(low) {
		return &Breakout{Type: sigType, System: entrySystem, BreakoutLevel: low}
	}
	return nil
}

// ProximityTargets lists the entry levels the price sits just below, within
// proximityPct (a fraction, e.g. 0.03). A stock with targets is worth fast
// polling. The System-1 winner filter applies here too, so the watcher never
// tracks a level it would refuse to trade.
func (d *BreakoutDetector) ProximityTargets(price decimal.Decimal, highs []decimal.Decimal, proximityPct decimal.Decimal, previousS1Winner bool) []ProximityTarget {
	var targets []ProximityTarget

	appendIfNear := func(level decimal.Decimal, system System) {
		if !level.IsPositive() || price.GreaterThan(level) {
			return
		}
		distance := level.Sub(price).Div(level)
		if distance.LessThanOrEqual(proximityPct) {
			targets = append(targets, ProximityTarget{
				System:        system,
				BreakoutLevel: level,
				DistancePct:   distance,
			})
		}
	}

	if s2High, ok := d.channelHigh(highs, d.params.S2Entry); ok {
		appendIfNear(s2High, System2)
	}
	if !previousS1Winner {
		if s1High, ok := d.channelHigh(highs, d.params.S1Entry); ok {
			appendIfNear(s1High, System1)
		}
	}
	return targets
}
