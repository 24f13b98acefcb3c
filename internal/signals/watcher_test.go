package signals

import (
	"testing"

	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/database"
)

// watchedFixture holds 25 completed bars with highs 50000..51200. With the
// live price appended as the current bar, the 20-day channel covers the
// last 20 completed bars and tops out at 51200.
func watchedFixture() *WatchedStock {
	highs := ascendingHighs(25, 50000, 50)
	return &WatchedStock{
		StockID:          1,
		Symbol:           "005930",
		Market:           database.MarketKRX,
		Highs:            highs,
		N:                decimal.NewFromInt(1000),
		PreviousS1Winner: false,
		LastPrice:        decimal.NewFromInt(50000),
		Targets: []ProximityTarget{
			{System: System1, BreakoutLevel: decimal.NewFromInt(51200)},
		},
	}
}

func newTestWatcher() *ProximityWatcher {
	det := NewBreakoutDetector(DefaultBreakoutParams())
	return NewProximityWatcher(det, decimal.NewFromFloat(0.03))
}

func TestWatcherRegisterIdempotent(t *testing.T) {
	w := newTestWatcher()

	w.Register(watchedFixture())
	w.Register(watchedFixture())
	if w.Count() != 1 {
		t.Errorf("Count = %d, want 1 after duplicate register", w.Count())
	}

	w.Unregister(1)
	if w.Count() != 0 {
		t.Errorf("Count = %d, want 0 after unregister", w.Count())
	}
}

func TestWatcherCheckBreakoutFires(t *testing.T) {
	w := newTestWatcher()
	w.Register(watchedFixture())

	// Crossing 51200 fires the entry and removes the stock from the set.
	got := w.CheckBreakout(1, decimal.NewFromInt(51250))
	if got == nil {
		t.Fatal("expected a breakout, got nil")
	}
	if got.Type != SignalEntryS1 {
		t.Errorf("Type = %s, want %s", got.Type, SignalEntryS1)
	}
	if !got.BreakoutLevel.Equal(decimal.NewFromInt(51200)) {
		t.Errorf("BreakoutLevel = %s, want 51200", got.BreakoutLevel)
	}
	if w.Count() != 0 {
		t.Errorf("Count = %d, want 0 after breakout", w.Count())
	}
}

func TestWatcherCheckBreakoutHoldsNearLevel(t *testing.T) {
	w := newTestWatcher()
	w.Register(watchedFixture())

	// Still below the level and within 3%: stays watched, no signal.
	if got := w.CheckBreakout(1, decimal.NewFromInt(50500)); got != nil {
		t.Fatalf("expected no breakout, got %s", got.Type)
	}
	if w.Count() != 1 {
		t.Errorf("Count = %d, want 1 while price stays near", w.Count())
	}
}

func TestWatcherEvictsWhenPriceMovesAway(t *testing.T) {
	w := newTestWatcher()
	w.Register(watchedFixture())

	// More than 3% below every target: evicted without a signal.
	if got := w.CheckBreakout(1, decimal.NewFromInt(47000)); got != nil {
		t.Fatalf("expected no breakout, got %s", got.Type)
	}
	if w.Count() != 0 {
		t.Errorf("Count = %d, want 0 after eviction", w.Count())
	}
}

func TestWatcherUnknownStock(t *testing.T) {
	w := newTestWatcher()
	if got := w.CheckBreakout(99, decimal.NewFromInt(51200)); got != nil {
		t.Errorf("expected nil for unknown stock, got %+v", got)
	}
}

func TestWatcherUpdatePrice(t *testing.T) {
	w := newTestWatcher()
	w.Register(watchedFixture())

	w.UpdatePrice(1, decimal.NewFromInt(50750))
	ws := w.Watched()
	if len(ws) != 1 {
		t.Fatalf("Watched = %d entries, want 1", len(ws))
	}
	if !ws[0].LastPrice.Equal(decimal.NewFromInt(50750)) {
		t.Errorf("LastPrice = %s, want 50750", ws[0].LastPrice)
	}
}
