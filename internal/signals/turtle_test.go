package signals

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/database"
)

type fakeStore struct {
	positions  []database.Position
	bars       map[int64][]database.DailyPrice
	candidates []database.Candidate
	lastS1     map[int64]*database.Position
}

func (f *fakeStore) GetOpenPositions(ctx context.Context, market database.Market) ([]database.Position, error) {
	return f.positions, nil
}

func (f *fakeStore) GetPeriod(ctx context.Context, stockID int64, nDays int) ([]database.DailyPrice, error) {
	bars := f.bars[stockID]
	if len(bars) > nDays {
		bars = bars[len(bars)-nDays:]
	}
	return bars, nil
}

func (f *fakeStore) GetCandidates(ctx context.Context, minScore int, market database.Market) ([]database.Candidate, error) {
	return f.candidates, nil
}

func (f *fakeStore) GetStockByID(ctx context.Context, id int64) (*database.Stock, error) {
	return nil, database.ErrNotFound
}

func (f *fakeStore) GetLastClosedSystem1Position(ctx context.Context, stockID int64) (*database.Position, error) {
	if p, ok := f.lastS1[stockID]; ok {
		return p, nil
	}
	return nil, database.ErrNotFound
}

var _ Store = (*fakeStore)(nil)

// flatBars builds n identical bars: high 51000, low 49000, close 50000.
// Constant true range 2000 makes N exactly 2000.
func flatBars(n int) []database.DailyPrice {
	bars := make([]database.DailyPrice, n)
	day := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = database.DailyPrice{
			StockID:   1,
			TradeDate: day.AddDate(0, 0, i),
			Open:      decimal.NewFromInt(50000),
			High:      decimal.NewFromInt(51000),
			Low:       decimal.NewFromInt(49000),
			Close:     decimal.NewFromInt(50000),
		}
	}
	return bars
}

// ascendingBars builds n bars with high = base + i*step.
func ascendingBars(n int, base, step int64) []database.DailyPrice {
	bars := make([]database.DailyPrice, n)
	day := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		high := base + int64(i)*step
		bars[i] = database.DailyPrice{
			TradeDate: day.AddDate(0, 0, i),
			Open:      decimal.NewFromInt(high - 700),
			High:      decimal.NewFromInt(high),
			Low:       decimal.NewFromInt(high - 1000),
			Close:     decimal.NewFromInt(high - 500),
		}
	}
	return bars
}

func testEngine(store Store) *Engine {
	return NewEngine(store, EngineConfig{
		Breakout:          DefaultBreakoutParams(),
		ATRPeriod:         20,
		PyramidInterval:   decimal.NewFromFloat(0.5),
		MaxUnitsPerStock:  4,
		MinCandidateScore: 5,
	}, zerolog.Nop())
}

func openPosition() database.Position {
	return database.Position{
		ID:            10,
		StockID:       1,
		EntryPrice:    decimal.NewFromInt(50000),
		EntrySystem:   1,
		Quantity:      100,
		Units:         1,
		StopLossPrice: decimal.NewFromInt(47000),
		Status:        database.PositionOpen,
		Symbol:        "005930",
		Name:          "Samsung Electronics",
		Market:        database.MarketKRX,
	}
}

func TestEvaluateStopLossPreemptsEverything(t *testing.T) {
	store := &fakeStore{
		positions: []database.Position{openPosition()},
		bars:      map[int64][]database.DailyPrice{1: flatBars(25)},
	}
	engine := testEngine(store)

	// 46500 is below both the stop (47000) and the 10-day channel low
	// (49000). The stop wins and the position is excluded from pyramiding.
	quotes := map[int64]decimal.Decimal{1: decimal.NewFromInt(46500)}
	eval, err := engine.Evaluate(context.Background(), database.MarketKRX, quotes)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if len(eval.Exits) != 1 {
		t.Fatalf("Exits = %d, want 1", len(eval.Exits))
	}
	if eval.Exits[0].Type != SignalStopLoss {
		t.Errorf("exit type = %s, want %s", eval.Exits[0].Type, SignalStopLoss)
	}
	if eval.Exits[0].PositionID != 10 {
		t.Errorf("PositionID = %d, want 10", eval.Exits[0].PositionID)
	}
	if len(eval.Pyramids) != 0 {
		t.Errorf("Pyramids = %d, want 0 for an exiting position", len(eval.Pyramids))
	}
}

func TestEvaluateChannelExit(t *testing.T) {
	store := &fakeStore{
		positions: []database.Position{openPosition()},
		bars:      map[int64][]database.DailyPrice{1: flatBars(25)},
	}
	engine := testEngine(store)

	// 48500 is above the stop but below the 10-day channel low of 49000.
	quotes := map[int64]decimal.Decimal{1: decimal.NewFromInt(48500)}
	eval, err := engine.Evaluate(context.Background(), database.MarketKRX, quotes)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if len(eval.Exits) != 1 {
		t.Fatalf("Exits = %d, want 1", len(eval.Exits))
	}
	if eval.Exits[0].Type != SignalExitS1 {
		t.Errorf("exit type = %s, want %s", eval.Exits[0].Type, SignalExitS1)
	}
	if !eval.Exits[0].BreakoutLevel.Equal(decimal.NewFromInt(49000)) {
		t.Errorf("BreakoutLevel = %s, want 49000", eval.Exits[0].BreakoutLevel)
	}
}

func TestEvaluatePyramid(t *testing.T) {
	store := &fakeStore{
		positions: []database.Position{openPosition()},
		bars:      map[int64][]database.DailyPrice{1: flatBars(25)},
	}
	engine := testEngine(store)

	// N = 2000, trigger = 50000 + 0.5*2000 = 51000. Price 51200 crossed it
	// and sits above both stop and channel low, so only a pyramid fires.
	quotes := map[int64]decimal.Decimal{1: decimal.NewFromInt(51200)}
	eval, err := engine.Evaluate(context.Background(), database.MarketKRX, quotes)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if len(eval.Exits) != 0 {
		t.Fatalf("Exits = %d, want 0", len(eval.Exits))
	}
	if len(eval.Pyramids) != 1 {
		t.Fatalf("Pyramids = %d, want 1", len(eval.Pyramids))
	}
	pyr := eval.Pyramids[0]
	if !pyr.NextEntry.Equal(decimal.NewFromInt(51000)) {
		t.Errorf("NextEntry = %s, want 51000", pyr.NextEntry)
	}
	if !pyr.NewStop.Equal(decimal.NewFromInt(47200)) {
		t.Errorf("NewStop = %s, want 47200", pyr.NewStop)
	}
	if !pyr.ATR.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("ATR = %s, want 2000", pyr.ATR)
	}
}

func TestEvaluateEntrySystem2(t *testing.T) {
	store := &fakeStore{
		bars: map[int64][]database.DailyPrice{2: ascendingBars(60, 50000, 30)},
		candidates: []database.Candidate{
			{StockID: 2, Symbol: "AAPL", Market: database.MarketUS, TotalScore: 6},
		},
	}
	engine := testEngine(store)

	quotes := map[int64]decimal.Decimal{2: decimal.NewFromInt(60000)}
	eval, err := engine.Evaluate(context.Background(), database.MarketUS, quotes)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if len(eval.Entries) != 1 {
		t.Fatalf("Entries = %d, want 1", len(eval.Entries))
	}
	entry := eval.Entries[0]
	if entry.Type != SignalEntryS2 {
		t.Errorf("entry type = %s, want %s", entry.Type, SignalEntryS2)
	}
	if !entry.BreakoutLevel.Equal(decimal.NewFromInt(51740)) {
		t.Errorf("BreakoutLevel = %s, want 51740", entry.BreakoutLevel)
	}
	if !entry.ATR.IsPositive() {
		t.Errorf("ATR = %s, want positive", entry.ATR)
	}
}

func TestEvaluateEntrySystem1WinnerFilter(t *testing.T) {
	// Only 25 bars: System 2 is ineligible, so everything rides on the
	// System-1 filter. With no trade history the filter defaults to winner,
	// which suppresses the entry.
	store := &fakeStore{
		bars: map[int64][]database.DailyPrice{3: ascendingBars(25, 50000, 50)},
		candidates: []database.Candidate{
			{StockID: 3, Symbol: "035420", Market: database.MarketKRX, TotalScore: 7},
		},
	}
	engine := testEngine(store)
	quotes := map[int64]decimal.Decimal{3: decimal.NewFromInt(60000)}

	eval, err := engine.Evaluate(context.Background(), database.MarketKRX, quotes)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(eval.Entries) != 0 {
		t.Fatalf("Entries = %d, want 0 with default winner state", len(eval.Entries))
	}

	// A losing previous System-1 trade re-enables the entry.
	loss := decimal.NewFromInt(-500000)
	store.lastS1 = map[int64]*database.Position{
		3: {StockID: 3, EntrySystem: 1, PnL: &loss},
	}
	engine = testEngine(store)

	eval, err = engine.Evaluate(context.Background(), database.MarketKRX, quotes)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(eval.Entries) != 1 {
		t.Fatalf("Entries = %d, want 1 after a losing trade", len(eval.Entries))
	}
	if eval.Entries[0].Type != SignalEntryS1 {
		t.Errorf("entry type = %s, want %s", eval.Entries[0].Type, SignalEntryS1)
	}
	if !eval.Entries[0].BreakoutLevel.Equal(decimal.NewFromInt(51150)) {
		t.Errorf("BreakoutLevel = %s, want 51150", eval.Entries[0].BreakoutLevel)
	}
}

func TestEvaluateSkipsHeldCandidates(t *testing.T) {
	store := &fakeStore{
		positions: []database.Position{openPosition()},
		bars:      map[int64][]database.DailyPrice{1: ascendingBars(60, 50000, 30)},
		candidates: []database.Candidate{
			{StockID: 1, Symbol: "005930", Market: database.MarketKRX, TotalScore: 7},
		},
	}
	engine := testEngine(store)

	quotes := map[int64]decimal.Decimal{1: decimal.NewFromInt(60000)}
	eval, err := engine.Evaluate(context.Background(), database.MarketKRX, quotes)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(eval.Entries) != 0 {
		t.Errorf("Entries = %d, want 0 for an already-held stock", len(eval.Entries))
	}
}

func TestInvalidateS1DropsCache(t *testing.T) {
	store := &fakeStore{lastS1: map[int64]*database.Position{}}
	engine := testEngine(store)
	ctx := context.Background()

	winner, err := engine.PreviousS1Winner(ctx, 5)
	if err != nil {
		t.Fatalf("PreviousS1Winner: %v", err)
	}
	if !winner {
		t.Error("expected default winner=true with no history")
	}

	// New history only becomes visible after invalidation.
	loss := decimal.NewFromInt(-1)
	store.lastS1[5] = &database.Position{StockID: 5, EntrySystem: 1, PnL: &loss}

	winner, _ = engine.PreviousS1Winner(ctx, 5)
	if !winner {
		t.Error("expected cached winner=true before invalidation")
	}

	engine.InvalidateS1(5)
	winner, _ = engine.PreviousS1Winner(ctx, 5)
	if winner {
		t.Error("expected winner=false after invalidation")
	}
}
