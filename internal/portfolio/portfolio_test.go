package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/broker"
	"turtle-trading-bot/internal/database"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestBuildSummary(t *testing.T) {
	positions := []database.Position{
		{
			ID: 1, StockID: 1, Symbol: "005930",
			EntryPrice: dec(50000), Quantity: 100, Units: 2,
			StopLossPrice: dec(47000), Market: database.MarketKRX,
		},
		{
			ID: 2, StockID: 2, Symbol: "035420",
			EntryPrice: dec(200000), Quantity: 10, Units: 1,
			StopLossPrice: dec(184000), Market: database.MarketKRX,
		},
	}
	quotes := map[int64]decimal.Decimal{
		1: dec(52000),
		// stock 2 has no quote and falls back to its entry price
	}
	balance := &broker.AccountBalance{CashBalance: dec(10_000_000)}

	s := BuildSummary(database.MarketKRX, positions, quotes, balance, 20)

	if s.PositionCount != 2 {
		t.Errorf("PositionCount = %d, want 2", s.PositionCount)
	}
	if s.TotalUnits != 3 {
		t.Errorf("TotalUnits = %d, want 3", s.TotalUnits)
	}
	if s.AvailableUnits != 17 {
		t.Errorf("AvailableUnits = %d, want 17", s.AvailableUnits)
	}

	// 52000*100 + 200000*10 = 7_200_000
	if !s.SecuritiesValue.Equal(dec(7_200_000)) {
		t.Errorf("SecuritiesValue = %s, want 7200000", s.SecuritiesValue)
	}
	if !s.TotalValue.Equal(dec(17_200_000)) {
		t.Errorf("TotalValue = %s, want 17200000", s.TotalValue)
	}
	// Unrealized: (52000-50000)*100 = 200000 on stock 1, zero on stock 2.
	if !s.TotalUnrealizedPnL.Equal(dec(200_000)) {
		t.Errorf("TotalUnrealizedPnL = %s, want 200000", s.TotalUnrealizedPnL)
	}
}

func TestBuildRiskView(t *testing.T) {
	positions := []database.Position{
		{
			ID: 1, StockID: 1, EntryPrice: dec(50000), Quantity: 100,
			StopLossPrice: dec(47000),
		},
		{
			// Trading within 2% of its stop.
			ID: 2, StockID: 2, EntryPrice: dec(50000), Quantity: 50,
			StopLossPrice: dec(47000),
		},
	}
	quotes := map[int64]decimal.Decimal{
		1: dec(52000),
		2: dec(47500),
	}

	rv := BuildRiskView(positions, quotes, dec(100_000_000))

	// (52000-47000)*100 + (47500-47000)*50 = 525000
	if !rv.TotalRiskAmount.Equal(dec(525_000)) {
		t.Errorf("TotalRiskAmount = %s, want 525000", rv.TotalRiskAmount)
	}
	if rv.PositionsAtRisk != 1 {
		t.Errorf("PositionsAtRisk = %d, want 1", rv.PositionsAtRisk)
	}
}

func TestCalculateStats(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	exit1 := day.AddDate(0, 0, 10)
	exit2 := day.AddDate(0, 0, 20)

	win := dec(500_000)
	loss := dec(-200_000)
	closed := []database.Position{
		{ID: 1, EntryDate: day, ExitDate: &exit1, PnL: &win},
		{ID: 2, EntryDate: day, ExitDate: &exit2, PnL: &loss},
	}

	s := CalculateStats(closed)

	if s.TotalTrades != 2 {
		t.Fatalf("TotalTrades = %d, want 2", s.TotalTrades)
	}
	if s.Wins != 1 || s.Losses != 1 {
		t.Errorf("Wins/Losses = %d/%d, want 1/1", s.Wins, s.Losses)
	}
	if !s.WinRate.Equal(dec(50)) {
		t.Errorf("WinRate = %s, want 50", s.WinRate)
	}
	if !s.TotalPnL.Equal(dec(300_000)) {
		t.Errorf("TotalPnL = %s, want 300000", s.TotalPnL)
	}
	if !s.ProfitFactor.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("ProfitFactor = %s, want 2.5", s.ProfitFactor)
	}
	if !s.AvgLoss.Equal(dec(-200_000)) {
		t.Errorf("AvgLoss = %s, want -200000", s.AvgLoss)
	}
	if !s.BestTrade.Equal(win) {
		t.Errorf("BestTrade = %s, want %s", s.BestTrade, win)
	}
	if !s.WorstTrade.Equal(loss) {
		t.Errorf("WorstTrade = %s, want %s", s.WorstTrade, loss)
	}
	if !s.AvgHoldingDays.Equal(dec(15)) {
		t.Errorf("AvgHoldingDays = %s, want 15", s.AvgHoldingDays)
	}
}

func TestCalculateStatsEmpty(t *testing.T) {
	s := CalculateStats(nil)
	if s.TotalTrades != 0 {
		t.Errorf("TotalTrades = %d, want 0", s.TotalTrades)
	}
	if FormatStats(s) != "no closed trades" {
		t.Errorf("unexpected empty format: %q", FormatStats(s))
	}
}
