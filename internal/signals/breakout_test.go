package signals

import (
	"testing"

	"github.com/shopspring/decimal"
)

// ascendingHighs builds n highs of base + i*step.
func ascendingHighs(n int, base, step int64) []decimal.Decimal {
	out := make([]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		out[i] = decimal.NewFromInt(base + int64(i)*step)
	}
	return out
}

func TestCheckEntrySystem1(t *testing.T) {
	det := NewBreakoutDetector(DefaultBreakoutParams())

	// 25 bars, highs 50000..51200. The 20-day window excludes the current
	// bar, so the reference is max of indices 4..23 = 51150. Only 25 bars
	// means System 2 is not eligible.
	highs := ascendingHighs(25, 50000, 50)
	price := decimal.NewFromInt(60000)

	got := det.CheckEntry(price, highs, false)
	if got == nil {
		t.Fatal("expected a breakout, got nil")
	}
	if got.Type != SignalEntryS1 {
		t.Errorf("Type = %s, want %s", got.Type, SignalEntryS1)
	}
	if got.System != System1 {
		t.Errorf("System = %d, want %d", got.System, System1)
	}
	if !got.BreakoutLevel.Equal(decimal.NewFromInt(51150)) {
		t.Errorf("BreakoutLevel = %s, want 51150", got.BreakoutLevel)
	}
}

func TestCheckEntrySystem1SkippedAfterWinner(t *testing.T) {
	det := NewBreakoutDetector(DefaultBreakoutParams())
	highs := ascendingHighs(25, 50000, 50)

	// A winning previous System-1 trade suppresses the System-1 entry, and
	// System 2 has too little history to take over.
	got := det.CheckEntry(decimal.NewFromInt(60000), highs, true)
	if got != nil {
		t.Errorf("expected no breakout, got %s", got.Type)
	}
}

func TestCheckEntrySystem2Preempts(t *testing.T) {
	det := NewBreakoutDetector(DefaultBreakoutParams())

	// 60 bars, highs 50000 + i*30. The 55-day window covers indices 4..58,
	// max = 50000 + 58*30 = 51740. System 2 wins even when System 1 would
	// also fire, and ignores the winner filter.
	highs := ascendingHighs(60, 50000, 30)
	price := decimal.NewFromInt(60000)

	for _, prevWinner := range []bool{false, true} {
		got := det.CheckEntry(price, highs, prevWinner)
		if got == nil {
			t.Fatalf("prevWinner=%v: expected a breakout, got nil", prevWinner)
		}
		if got.Type != SignalEntryS2 {
			t.Errorf("prevWinner=%v: Type = %s, want %s", prevWinner, got.Type, SignalEntryS2)
		}
		if !got.BreakoutLevel.Equal(decimal.NewFromInt(51740)) {
			t.Errorf("prevWinner=%v: BreakoutLevel = %s, want 51740", prevWinner, got.BreakoutLevel)
		}
	}
}

func TestCheckEntryNoBreakout(t *testing.T) {
	det := NewBreakoutDetector(DefaultBreakoutParams())
	highs := ascendingHighs(25, 50000, 50)

	// At exactly the channel high there is no breakout; it must be crossed.
	got := det.CheckEntry(decimal.NewFromInt(51150), highs, false)
	if got != nil {
		t.Errorf("expected no breakout at the channel level, got %s", got.Type)
	}
}

func TestCheckExit(t *testing.T) {
	det := NewBreakoutDetector(DefaultBreakoutParams())

	// 25 lows ascending 50000 + i*50. The System-1 10-day exit window is
	// indices 14..23, min = 50700.
	lows := ascendingHighs(25, 50000, 50)

	got := det.CheckExit(decimal.NewFromInt(50000), lows, System1)
	if got == nil {
		t.Fatal("expected an exit, got nil")
	}
	if got.Type != SignalExitS1 {
		t.Errorf("Type = %s, want %s", got.Type, SignalExitS1)
	}
	if !got.BreakoutLevel.Equal(decimal.NewFromInt(50700)) {
		t.Errorf("BreakoutLevel = %s, want 50700", got.BreakoutLevel)
	}

	// At the channel low there is no exit.
	if got := det.CheckExit(decimal.NewFromInt(50700), lows, System1); got != nil {
		t.Errorf("expected no exit at the channel level, got %s", got.Type)
	}
}

func TestCheckExitSystem2Window(t *testing.T) {
	det := NewBreakoutDetector(DefaultBreakoutParams())

	// System 2 exits on the 20-day window: indices 4..23, min = 50200.
	lows := ascendingHighs(25, 50000, 50)

	got := det.CheckExit(decimal.NewFromInt(50100), lows, System2)
	if got == nil {
		t.Fatal("expected an exit, got nil")
	}
	if got.Type != SignalExitS2 {
		t.Errorf("Type = %s, want %s", got.Type, SignalExitS2)
	}
	if !got.BreakoutLevel.Equal(decimal.NewFromInt(50200)) {
		t.Errorf("BreakoutLevel = %s, want 50200", got.BreakoutLevel)
	}
}

func TestProximityTargets(t *testing.T) {
	det := NewBreakoutDetector(DefaultBreakoutParams())
	highs := ascendingHighs(25, 50000, 50)
	proximity := decimal.NewFromFloat(0.03)

	// 50000 is about 2.25% below the 51150 level: within the threshold.
	targets := det.ProximityTargets(decimal.NewFromInt(50000), highs, proximity, false)
	if len(targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(targets))
	}
	if targets[0].System != System1 {
		t.Errorf("System = %d, want %d", targets[0].System, System1)
	}
	if !targets[0].BreakoutLevel.Equal(decimal.NewFromInt(51150)) {
		t.Errorf("BreakoutLevel = %s, want 51150", targets[0].BreakoutLevel)
	}
	if targets[0].DistancePct.GreaterThan(proximity) {
		t.Errorf("DistancePct = %s exceeds threshold", targets[0].DistancePct)
	}
}

func TestProximityTargetsFiltered(t *testing.T) {
	det := NewBreakoutDetector(DefaultBreakoutParams())
	highs := ascendingHighs(25, 50000, 50)
	proximity := decimal.NewFromFloat(0.03)

	// The winner filter removes the System-1 target and System 2 has no
	// window yet.
	if targets := det.ProximityTargets(decimal.NewFromInt(50000), highs, proximity, true); len(targets) != 0 {
		t.Errorf("targets = %d, want 0 with winner filter", len(targets))
	}

	// Too far below the level.
	if targets := det.ProximityTargets(decimal.NewFromInt(48000), highs, proximity, false); len(targets) != 0 {
		t.Errorf("targets = %d, want 0 when price is far away", len(targets))
	}
}
