// Package backtest replays the turtle system over stored daily bars. Fills
// go through the simulated broker so the execution path matches paper
// trading; the daily loop stands in for the realtime cycle.
package backtest

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/broker"
	"turtle-trading-bot/internal/database"
	"turtle-trading-bot/internal/risk"
	"turtle-trading-bot/internal/signals"
)

// DataSource is the historical read surface. *database.Repository
// satisfies it.
type DataSource interface {
	GetTradingDates(ctx context.Context, market database.Market, start, end time.Time) ([]time.Time, error)
	GetPeriodUpTo(ctx context.Context, stockID int64, upTo time.Time, nDays int) ([]database.DailyPrice, error)
	GetCandidatesOn(ctx context.Context, date time.Time, minScore int, market database.Market) ([]database.Candidate, error)
}

var _ DataSource = (*database.Repository)(nil)

// Config drives one backtest run. Percentages are fractions.
type Config struct {
	Market         database.Market
	Start          time.Time
	End            time.Time
	InitialCapital decimal.Decimal
	Commission     decimal.Decimal

	Breakout          signals.BreakoutParams
	ATRPeriod         int
	PyramidInterval   decimal.Decimal
	RiskPerTrade      decimal.Decimal
	StopLossPct       decimal.Decimal
	MaxUnitsPerStock  int
	MaxTotalUnits     int
	MinCandidateScore int
}

// Trade is one completed round trip.
type Trade struct {
	Symbol     string
	System     signals.System
	EntryDate  time.Time
	ExitDate   time.Time
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Quantity   int64
	Units      int
	PnL        decimal.Decimal
	PnLPct     decimal.Decimal
	ExitReason string
}

// EquityPoint is the account value after one simulated day.
type EquityPoint struct {
	Date   time.Time
	Equity decimal.Decimal
}

// Result carries the run metrics. Money stays decimal; the dimensionless
// ratios are computed as floats at report time.
type Result struct {
	Market         database.Market
	Start          time.Time
	End            time.Time
	TradingDays    int
	InitialCapital decimal.Decimal
	FinalCapital   decimal.Decimal
	TotalReturnPct decimal.Decimal
	CAGR           float64
	MaxDrawdownPct decimal.Decimal
	SharpeRatio    float64
	TotalTrades    int
	Wins           int
	Losses         int
	WinRatePct     decimal.Decimal
	ProfitFactor   decimal.Decimal
	Trades         []Trade
	EquityCurve    []EquityPoint
}

// simPosition is the engine's own view of an open holding. The broker
// tracks cash and quantity; the turtle state (units, stops, triggers)
// lives here.
type simPosition struct {
	stockID      int64
	symbol       string
	system       signals.System
	entryDate    time.Time
	initialEntry decimal.Decimal
	avgEntry     decimal.Decimal
	quantity     int64
	units        int
	stop         decimal.Decimal
	n            decimal.Decimal
}

// Engine replays one market over one date range.
type Engine struct {
	source   DataSource
	cfg      Config
	detector *signals.BreakoutDetector
	pyramid  *signals.PyramidCalculator
	stops    *risk.StopCalculator
	sizer    *risk.PositionSizer
	log      zerolog.Logger
}

// New builds a backtest engine.
func New(source DataSource, cfg Config, log zerolog.Logger) *Engine {
	stops := risk.NewStopCalculator(cfg.StopLossPct)
	return &Engine{
		source:   source,
		cfg:      cfg,
		detector: signals.NewBreakoutDetector(cfg.Breakout),
		pyramid:  signals.NewPyramidCalculator(cfg.PyramidInterval, cfg.MaxUnitsPerStock),
		stops:    stops,
		sizer:    risk.NewPositionSizer(cfg.RiskPerTrade, stops),
		log:      log.With().Str("component", "backtest").Logger(),
	}
}

// Run replays the configured range day by day. Exits are evaluated before
// pyramids, pyramids before entries, matching the live cycle.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	dates, err := e.source.GetTradingDates(ctx, e.cfg.Market, e.cfg.Start, e.cfg.End)
	if err != nil {
		return nil, fmt.Errorf("load trading dates: %w", err)
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("no trading dates between %s and %s",
			e.cfg.Start.Format("2006-01-02"), e.cfg.End.Format("2006-01-02"))
	}

	sim := broker.NewPaperBroker(e.cfg.InitialCapital)
	open := make(map[int64]*simPosition)
	s1Winner := make(map[int64]bool)

	result := &Result{
		Market:         e.cfg.Market,
		Start:          dates[0],
		End:            dates[len(dates)-1],
		TradingDays:    len(dates),
		InitialCapital: e.cfg.InitialCapital,
	}

	for _, day := range dates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		e.runExitsAndPyramids(ctx, sim, open, s1Winner, day, result)
		e.runEntries(ctx, sim, open, s1Winner, day)

		equity, err := e.markToMarket(ctx, sim, open, day)
		if err != nil {
			return nil, err
		}
		result.EquityCurve = append(result.EquityCurve, EquityPoint{Date: day, Equity: equity})
	}

	// Liquidate what is still open at the last close.
	last := dates[len(dates)-1]
	for _, pos := range open {
		bars, err := e.source.GetPeriodUpTo(ctx, pos.stockID, last, 1)
		if err != nil || len(bars) == 0 {
			continue
		}
		e.closePosition(ctx, sim, pos, bars[len(bars)-1].Close, last, "end_of_backtest", s1Winner, result)
		delete(open, pos.stockID)
	}

	finalizeResult(result)
	return result, nil
}

func (e *Engine) runExitsAndPyramids(ctx context.Context, sim *broker.PaperBroker, open map[int64]*simPosition, s1Winner map[int64]bool, day time.Time, result *Result) {
	for _, pos := range open {
		bars, err := e.source.GetPeriodUpTo(ctx, pos.stockID, day, signals.EntryBarDepth)
		if err != nil || len(bars) == 0 {
			continue
		}
		bar := bars[len(bars)-1]
		if !bar.TradeDate.Equal(day) {
			continue
		}

		// Stop first: an intraday touch fills at the stop price.
		if bar.Low.LessThanOrEqual(pos.stop) {
			e.closePosition(ctx, sim, pos, pos.stop, day, "STOP_LOSS", s1Winner, result)
			delete(open, pos.stockID)
			continue
		}

		lows := make([]decimal.Decimal, len(bars))
		for i, b := range bars {
			lows[i] = b.Low
		}
		if exit := e.detector.CheckExit(bar.Close, lows, pos.system); exit != nil {
			e.closePosition(ctx, sim, pos, bar.Close, day, string(exit.Type), s1Winner, result)
			delete(open, pos.stockID)
			continue
		}

		// Pyramid on an intraday touch of the next trigger, filled at the
		// trigger. Stop evaluation for the added unit happens next day.
		trigger := e.pyramid.NextEntryPrice(pos.initialEntry, pos.n, pos.units)
		if pos.units < e.cfg.MaxUnitsPerStock && bar.High.GreaterThanOrEqual(trigger) {
			e.addUnit(ctx, sim, pos, trigger)
		}
	}
}

func (e *Engine) runEntries(ctx context.Context, sim *broker.PaperBroker, open map[int64]*simPosition, s1Winner map[int64]bool, day time.Time) {
	totalUnits := 0
	for _, pos := range open {
		totalUnits += pos.units
	}
	if totalUnits >= e.cfg.MaxTotalUnits {
		return
	}

	candidates, err := e.source.GetCandidatesOn(ctx, day, e.cfg.MinCandidateScore, e.cfg.Market)
	if err != nil {
		return
	}

	for _, cand := range candidates {
		if totalUnits >= e.cfg.MaxTotalUnits {
			return
		}
		if _, held := open[cand.StockID]; held {
			continue
		}

		bars, err := e.source.GetPeriodUpTo(ctx, cand.StockID, day, signals.EntryBarDepth)
		if err != nil || len(bars) < signals.MinEntryBars {
			continue
		}
		bar := bars[len(bars)-1]
		if !bar.TradeDate.Equal(day) {
			continue
		}

		highs := make([]decimal.Decimal, len(bars))
		lows := make([]decimal.Decimal, len(bars))
		closes := make([]decimal.Decimal, len(bars))
		for i, b := range bars {
			highs[i] = b.High
			lows[i] = b.Low
			closes[i] = b.Close
		}

		prevWinner, tracked := s1Winner[cand.StockID]
		if !tracked {
			prevWinner = true
		}
		breakout := e.detector.CheckEntry(bar.Close, highs, prevWinner)
		if breakout == nil {
			continue
		}

		atr, err := signals.CalculateATR(highs, lows, closes, e.cfg.ATRPeriod)
		if err != nil {
			continue
		}

		balance, err := sim.GetBalance(ctx)
		if err != nil {
			continue
		}
		equity := balance.TotalValue
		sizing, err := e.sizer.Size(equity, bar.Close, atr.ATR, balance.CashBalance)
		if err != nil {
			continue
		}

		sim.SetPrice(cand.Symbol, bar.Close)
		ack, err := broker.BuyMarket(ctx, sim, cand.Symbol, sizing.Quantity)
		if err != nil || !ack.Success {
			continue
		}

		open[cand.StockID] = &simPosition{
			stockID:      cand.StockID,
			symbol:       cand.Symbol,
			system:       breakout.System,
			entryDate:    day,
			initialEntry: bar.Close,
			avgEntry:     bar.Close,
			quantity:     sizing.Quantity,
			units:        1,
			stop:         sizing.Stop,
			n:            atr.ATR,
		}
		totalUnits++
	}
}

func (e *Engine) addUnit(ctx context.Context, sim *broker.PaperBroker, pos *simPosition, fill decimal.Decimal) {
	balance, err := sim.GetBalance(ctx)
	if err != nil {
		return
	}
	sizing, err := e.sizer.Size(balance.TotalValue, fill, pos.n, balance.CashBalance)
	if err != nil {
		return
	}

	sim.SetPrice(pos.symbol, fill)
	ack, err := broker.BuyMarket(ctx, sim, pos.symbol, sizing.Quantity)
	if err != nil || !ack.Success {
		return
	}

	oldCost := pos.avgEntry.Mul(decimal.NewFromInt(pos.quantity))
	addCost := fill.Mul(decimal.NewFromInt(sizing.Quantity))
	pos.quantity += sizing.Quantity
	pos.avgEntry = oldCost.Add(addCost).Div(decimal.NewFromInt(pos.quantity))
	pos.units++
	pos.stop = e.pyramid.UnifiedStop(fill, pos.n)
}

func (e *Engine) closePosition(ctx context.Context, sim *broker.PaperBroker, pos *simPosition, price decimal.Decimal, day time.Time, reason string, s1Winner map[int64]bool, result *Result) {
	sim.SetPrice(pos.symbol, price)
	if _, err := broker.SellMarket(ctx, sim, pos.symbol, pos.quantity); err != nil {
		e.log.Warn().Err(err).Str("symbol", pos.symbol).Msg("simulated exit failed")
		return
	}

	qty := decimal.NewFromInt(pos.quantity)
	gross := price.Sub(pos.avgEntry).Mul(qty)
	fees := pos.avgEntry.Add(price).Mul(qty).Mul(e.cfg.Commission)
	pnl := gross.Sub(fees)

	cost := pos.avgEntry.Mul(qty)
	pnlPct := decimal.Zero
	if cost.IsPositive() {
		pnlPct = pnl.Div(cost)
	}

	if pos.system == signals.System1 {
		s1Winner[pos.stockID] = pnl.IsPositive()
	}

	result.Trades = append(result.Trades, Trade{
		Symbol:     pos.symbol,
		System:     pos.system,
		EntryDate:  pos.entryDate,
		ExitDate:   day,
		EntryPrice: pos.avgEntry,
		ExitPrice:  price,
		Quantity:   pos.quantity,
		Units:      pos.units,
		PnL:        pnl,
		PnLPct:     pnlPct,
		ExitReason: reason,
	})
}

func (e *Engine) markToMarket(ctx context.Context, sim *broker.PaperBroker, open map[int64]*simPosition, day time.Time) (decimal.Decimal, error) {
	for _, pos := range open {
		bars, err := e.source.GetPeriodUpTo(ctx, pos.stockID, day, 1)
		if err == nil && len(bars) > 0 {
			sim.SetPrice(pos.symbol, bars[len(bars)-1].Close)
		}
	}
	balance, err := sim.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mark to market: %w", err)
	}
	return balance.TotalValue, nil
}

// finalizeResult computes the aggregate metrics from trades and the equity
// curve.
func finalizeResult(r *Result) {
	if len(r.EquityCurve) > 0 {
		r.FinalCapital = r.EquityCurve[len(r.EquityCurve)-1].Equity
	} else {
		r.FinalCapital = r.InitialCapital
	}

	if r.InitialCapital.IsPositive() {
		r.TotalReturnPct = r.FinalCapital.Sub(r.InitialCapital).
			Div(r.InitialCapital).Mul(decimal.NewFromInt(100))
	}

	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for _, t := range r.Trades {
		r.TotalTrades++
		if t.PnL.IsPositive() {
			r.Wins++
			grossProfit = grossProfit.Add(t.PnL)
		} else {
			r.Losses++
			grossLoss = grossLoss.Add(t.PnL.Abs())
		}
	}
	if r.TotalTrades > 0 {
		r.WinRatePct = decimal.NewFromInt(int64(r.Wins)).
			Div(decimal.NewFromInt(int64(r.TotalTrades))).Mul(decimal.NewFromInt(100))
	}
	if grossLoss.IsPositive() {
		r.ProfitFactor = grossProfit.Div(grossLoss)
	}

	r.MaxDrawdownPct = maxDrawdown(r.EquityCurve)
	r.CAGR = cagr(r.InitialCapital, r.FinalCapital, r.Start, r.End)
	r.SharpeRatio = sharpe(r.EquityCurve)
}

func maxDrawdown(curve []EquityPoint) decimal.Decimal {
	if len(curve) == 0 {
		return decimal.Zero
	}
	peak := curve[0].Equity
	maxDD := decimal.Zero
	for _, p := range curve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(p.Equity).Div(peak).Mul(decimal.NewFromInt(100))
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func cagr(initial, final decimal.Decimal, start, end time.Time) float64 {
	years := end.Sub(start).Hours() / (24 * 365.25)
	if years <= 0 || !initial.IsPositive() {
		return 0
	}
	ratio, _ := final.Div(initial).Float64()
	if ratio <= 0 {
		return 0
	}
	return math.Pow(ratio, 1/years) - 1
}

// sharpe is the annualized daily-return Sharpe ratio with a zero risk-free
// rate.
func sharpe(curve []EquityPoint) float64 {
	if len(curve) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		cur, _ := curve[i].Equity.Float64()
		if prev > 0 {
			returns = append(returns, cur/prev-1)
		}
	}
	if len(returns) == 0 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(len(returns)))
	if stdDev == 0 {
		return 0
	}
	return mean / stdDev * math.Sqrt(252)
}

// FormatResult renders the run for the CLI.
func FormatResult(r *Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== BACKTEST RESULTS [%s] ===\n", r.Market)
	fmt.Fprintf(&sb, "Period:          %s to %s (%d trading days)\n",
		r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), r.TradingDays)
	fmt.Fprintf(&sb, "Initial Capital: %s\n", r.InitialCapital.StringFixed(0))
	fmt.Fprintf(&sb, "Final Capital:   %s\n", r.FinalCapital.StringFixed(0))
	fmt.Fprintf(&sb, "Total Return:    %s%%\n", r.TotalReturnPct.StringFixed(2))
	fmt.Fprintf(&sb, "CAGR:            %.2f%%\n", r.CAGR*100)
	fmt.Fprintf(&sb, "Max Drawdown:    %s%%\n", r.MaxDrawdownPct.StringFixed(2))
	fmt.Fprintf(&sb, "Sharpe Ratio:    %.2f\n", r.SharpeRatio)
	fmt.Fprintf(&sb, "Trades:          %d (%d wins / %d losses, %s%% win rate)\n",
		r.TotalTrades, r.Wins, r.Losses, r.WinRatePct.StringFixed(1))
	fmt.Fprintf(&sb, "Profit Factor:   %s\n", r.ProfitFactor.StringFixed(2))
	return sb.String()
}
