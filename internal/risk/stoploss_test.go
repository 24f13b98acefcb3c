package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestInitialStop2NDominates(t *testing.T) {
	calc := NewStopCalculator(decimal.NewFromFloat(0.08))

	// entry 50000, N 1500: 2N stop 47000 vs 8% stop 46000. The tighter
	// (higher) stop wins.
	stop, stopType := calc.Initial(decimal.NewFromInt(50000), decimal.NewFromInt(1500))
	if !stop.Equal(decimal.NewFromInt(47000)) {
		t.Errorf("stop = %s, want 47000", stop)
	}
	if stopType != StopType2N {
		t.Errorf("stopType = %s, want %s", stopType, StopType2N)
	}
}

func TestInitialStop8PctDominates(t *testing.T) {
	calc := NewStopCalculator(decimal.NewFromFloat(0.08))

	// entry 50000, N 3000: 2N stop 44000 vs 8% stop 46000.
	stop, stopType := calc.Initial(decimal.NewFromInt(50000), decimal.NewFromInt(3000))
	if !stop.Equal(decimal.NewFromInt(46000)) {
		t.Errorf("stop = %s, want 46000", stop)
	}
	if stopType != StopType8Pct {
		t.Errorf("stopType = %s, want %s", stopType, StopType8Pct)
	}
}

func TestTrailingStop(t *testing.T) {
	calc := NewStopCalculator(decimal.NewFromFloat(0.08))

	got := calc.Trailing(decimal.NewFromInt(56000), decimal.NewFromInt(1500))
	if !got.Equal(decimal.NewFromInt(53000)) {
		t.Errorf("Trailing = %s, want 53000", got)
	}
}

func TestTightenOnlyMovesUp(t *testing.T) {
	calc := NewStopCalculator(decimal.NewFromFloat(0.08))

	current := decimal.NewFromInt(47000)
	if got := calc.Tighten(current, decimal.NewFromInt(48000)); !got.Equal(decimal.NewFromInt(48000)) {
		t.Errorf("Tighten up = %s, want 48000", got)
	}
	if got := calc.Tighten(current, decimal.NewFromInt(46000)); !got.Equal(current) {
		t.Errorf("Tighten down = %s, want unchanged 47000", got)
	}
}

func TestBreakeven(t *testing.T) {
	calc := NewStopCalculator(decimal.NewFromFloat(0.08))
	entry := decimal.NewFromInt(50000)
	if got := calc.Breakeven(entry); !got.Equal(entry) {
		t.Errorf("Breakeven = %s, want %s", got, entry)
	}
}
