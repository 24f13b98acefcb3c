package backtest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/database"
	"turtle-trading-bot/internal/signals"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// fakeSource serves one stock's bar history. GetPeriodUpTo slices the
// history the way the repository would.
type fakeSource struct {
	dates      []time.Time
	bars       []database.DailyPrice
	candidates []database.Candidate
}

func (f *fakeSource) GetTradingDates(ctx context.Context, market database.Market, start, end time.Time) ([]time.Time, error) {
	return f.dates, nil
}

func (f *fakeSource) GetPeriodUpTo(ctx context.Context, stockID int64, upTo time.Time, nDays int) ([]database.DailyPrice, error) {
	var out []database.DailyPrice
	for _, b := range f.bars {
		if !b.TradeDate.After(upTo) {
			out = append(out, b)
		}
	}
	if len(out) > nDays {
		out = out[len(out)-nDays:]
	}
	return out, nil
}

func (f *fakeSource) GetCandidatesOn(ctx context.Context, date time.Time, minScore int, market database.Market) ([]database.Candidate, error) {
	return f.candidates, nil
}

var _ DataSource = (*fakeSource)(nil)

var baseDay = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func day(i int) time.Time { return baseDay.AddDate(0, 0, i) }

func flatBar(i int) database.DailyPrice {
	return database.DailyPrice{
		StockID: 1, TradeDate: day(i),
		Open: d(50000), High: d(51000), Low: d(49000), Close: d(50000),
	}
}

func bar(i int, high, low, close int64) database.DailyPrice {
	return database.DailyPrice{
		StockID: 1, TradeDate: day(i),
		Open: d(close), High: d(high), Low: d(low), Close: d(close),
	}
}

func testConfig(start, end time.Time) Config {
	return Config{
		Market:            database.MarketKRX,
		Start:             start,
		End:               end,
		InitialCapital:    d(100_000_000),
		Commission:        decimal.Zero,
		Breakout:          signals.DefaultBreakoutParams(),
		ATRPeriod:         20,
		PyramidInterval:   decimal.NewFromFloat(0.5),
		RiskPerTrade:      decimal.NewFromFloat(0.02),
		StopLossPct:       decimal.NewFromFloat(0.08),
		MaxUnitsPerStock:  4,
		MaxTotalUnits:     20,
		MinCandidateScore: 5,
	}
}

// 60 flat warmup bars, a System-2 breakout on day 60, a crash through the
// stop on day 61.
//
// Entry day: channel high 51000, close 52000, ATR (19*2000 + 3000)/20 = 2050.
// Stop = 52000 - 2*2050 = 47900 (the 2N stop dominates 8%). Unit quantity
// floor(100M*0.02/4100) = 487. Crash bar's low 46000 touches the stop, so the
// exit fills at 47900 for a loss of 4100*487 = 1996700.
func TestRunEntryThenStopLoss(t *testing.T) {
	src := &fakeSource{
		dates:      []time.Time{day(60), day(61)},
		candidates: []database.Candidate{{StockID: 1, Symbol: "005930", Market: database.MarketKRX, TotalScore: 7}},
	}
	for i := 0; i < 60; i++ {
		src.bars = append(src.bars, flatBar(i))
	}
	src.bars = append(src.bars, bar(60, 53000, 50500, 52000))
	src.bars = append(src.bars, bar(61, 50000, 46000, 47000))

	eng := New(src, testConfig(day(60), day(61)), zerolog.Nop())
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.TotalTrades != 1 {
		t.Fatalf("TotalTrades = %d, want 1", result.TotalTrades)
	}
	trade := result.Trades[0]
	if trade.System != signals.System2 {
		t.Errorf("System = %d, want 2", trade.System)
	}
	if trade.Quantity != 487 {
		t.Errorf("Quantity = %d, want 487", trade.Quantity)
	}
	if !trade.ExitPrice.Equal(d(47900)) {
		t.Errorf("ExitPrice = %s, want 47900", trade.ExitPrice)
	}
	if trade.ExitReason != "STOP_LOSS" {
		t.Errorf("ExitReason = %s, want STOP_LOSS", trade.ExitReason)
	}
	if !trade.PnL.Equal(d(-1_996_700)) {
		t.Errorf("PnL = %s, want -1996700", trade.PnL)
	}

	if result.Losses != 1 || result.Wins != 0 {
		t.Errorf("Wins/Losses = %d/%d, want 0/1", result.Wins, result.Losses)
	}
	if !result.FinalCapital.Equal(d(98_003_300)) {
		t.Errorf("FinalCapital = %s, want 98003300", result.FinalCapital)
	}
	if len(result.EquityCurve) != 2 {
		t.Fatalf("EquityCurve length = %d, want 2", len(result.EquityCurve))
	}
	// Entry day marks to market at the entry price, so equity is unchanged.
	if !result.EquityCurve[0].Equity.Equal(d(100_000_000)) {
		t.Errorf("entry day equity = %s, want 100000000", result.EquityCurve[0].Equity)
	}
}

// The breakout entry is followed by a bar whose high touches the pyramid
// trigger 52000 + 0.5*2050 = 53025. The added unit fills at the trigger and
// the unified stop moves to 53025 - 2*2050 = 48925. The run ends with the
// position open, so it liquidates at the last close.
func TestRunPyramidAndLiquidation(t *testing.T) {
	src := &fakeSource{
		dates:      []time.Time{day(60), day(61)},
		candidates: []database.Candidate{{StockID: 1, Symbol: "005930", Market: database.MarketKRX, TotalScore: 7}},
	}
	for i := 0; i < 60; i++ {
		src.bars = append(src.bars, flatBar(i))
	}
	src.bars = append(src.bars, bar(60, 53000, 50500, 52000))
	src.bars = append(src.bars, bar(61, 54000, 52500, 53500))

	eng := New(src, testConfig(day(60), day(61)), zerolog.Nop())
	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.TotalTrades != 1 {
		t.Fatalf("TotalTrades = %d, want 1", result.TotalTrades)
	}
	trade := result.Trades[0]
	if trade.Units != 2 {
		t.Errorf("Units = %d, want 2", trade.Units)
	}
	// 487 shares at 52000 plus 487 at 53025.
	if trade.Quantity != 974 {
		t.Errorf("Quantity = %d, want 974", trade.Quantity)
	}
	if !trade.EntryPrice.Equal(decimal.NewFromFloat(52512.5)) {
		t.Errorf("EntryPrice = %s, want 52512.5", trade.EntryPrice)
	}
	if !trade.ExitPrice.Equal(d(53500)) {
		t.Errorf("ExitPrice = %s, want 53500", trade.ExitPrice)
	}
	if trade.ExitReason != "end_of_backtest" {
		t.Errorf("ExitReason = %s, want end_of_backtest", trade.ExitReason)
	}
	// (53500 - 52512.5) * 974 = 961825
	if !trade.PnL.Equal(d(961_825)) {
		t.Errorf("PnL = %s, want 961825", trade.PnL)
	}

	if result.Wins != 1 {
		t.Errorf("Wins = %d, want 1", result.Wins)
	}
	if !result.FinalCapital.Equal(d(100_961_825)) {
		t.Errorf("FinalCapital = %s, want 100961825", result.FinalCapital)
	}
}

func TestRunNoTradingDates(t *testing.T) {
	src := &fakeSource{}
	eng := New(src, testConfig(day(0), day(1)), zerolog.Nop())
	if _, err := eng.Run(context.Background()); err == nil {
		t.Error("expected an error with no trading dates")
	}
}

func TestFormatResult(t *testing.T) {
	r := &Result{
		Market:         database.MarketKRX,
		Start:          day(0),
		End:            day(61),
		TradingDays:    2,
		InitialCapital: d(100_000_000),
		FinalCapital:   d(98_003_300),
	}
	out := FormatResult(r)
	if !strings.Contains(out, "BACKTEST RESULTS") {
		t.Errorf("unexpected format output: %q", out)
	}
	if !strings.Contains(out, "98003300") {
		t.Errorf("missing final capital in output: %q", out)
	}
}
