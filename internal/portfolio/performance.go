package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/database"
)

// Stats summarizes closed trades.
type Stats struct {
	TotalTrades    int
	Wins           int
	Losses         int
	WinRate        decimal.Decimal // percent
	TotalPnL       decimal.Decimal
	AvgWin         decimal.Decimal
	AvgLoss        decimal.Decimal
	ProfitFactor   decimal.Decimal // gross profit / gross loss
	BestTrade      decimal.Decimal
	WorstTrade     decimal.Decimal
	AvgHoldingDays decimal.Decimal
}

// Tracker computes performance statistics from the store.
type Tracker struct {
	repo *database.Repository
}

// NewTracker builds a tracker.
func NewTracker(repo *database.Repository) *Tracker {
	return &Tracker{repo: repo}
}

// Calculate loads closed positions for a market (optionally bounded by
// since) and computes stats.
func (t *Tracker) Calculate(ctx context.Context, market database.Market, since time.Time) (*Stats, error) {
	positions, err := t.repo.GetClosedPositions(ctx, market, since)
	if err != nil {
		return nil, fmt.Errorf("load closed positions: %w", err)
	}
	return CalculateStats(positions), nil
}

// CalculateStats computes stats over closed positions. Pure; no I/O.
func CalculateStats(closed []database.Position) *Stats {
	s := &Stats{}

	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	holdingDays := decimal.Zero
	withDates := 0

	for _, pos := range closed {
		if pos.PnL == nil {
			continue
		}
		pnl := *pos.PnL
		s.TotalTrades++
		s.TotalPnL = s.TotalPnL.Add(pnl)

		if pnl.IsPositive() {
			s.Wins++
			grossProfit = grossProfit.Add(pnl)
		} else {
			s.Losses++
			grossLoss = grossLoss.Add(pnl.Abs())
		}

		if s.TotalTrades == 1 || pnl.GreaterThan(s.BestTrade) {
			s.BestTrade = pnl
		}
		if s.TotalTrades == 1 || pnl.LessThan(s.WorstTrade) {
			s.WorstTrade = pnl
		}

		if pos.ExitDate != nil {
			days := pos.ExitDate.Sub(pos.EntryDate).Hours() / 24
			holdingDays = holdingDays.Add(decimal.NewFromFloat(days))
			withDates++
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.Wins)).
			Div(decimal.NewFromInt(int64(s.TotalTrades))).Mul(hundred)
	}
	if s.Wins > 0 {
		s.AvgWin = grossProfit.Div(decimal.NewFromInt(int64(s.Wins)))
	}
	if s.Losses > 0 {
		s.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(s.Losses))).Neg()
	}
	if grossLoss.IsPositive() {
		s.ProfitFactor = grossProfit.Div(grossLoss)
	}
	if withDates > 0 {
		s.AvgHoldingDays = holdingDays.Div(decimal.NewFromInt(int64(withDates)))
	}
	return s
}

// FormatStats renders stats for the daily report.
func FormatStats(s *Stats) string {
	if s.TotalTrades == 0 {
		return "no closed trades"
	}
	return fmt.Sprintf("trades=%d win_rate=%s%% pnl=%s profit_factor=%s avg_win=%s avg_loss=%s best=%s worst=%s avg_hold_days=%s",
		s.TotalTrades,
		s.WinRate.StringFixed(1),
		s.TotalPnL.StringFixed(0),
		s.ProfitFactor.StringFixed(2),
		s.AvgWin.StringFixed(0),
		s.AvgLoss.StringFixed(0),
		s.BestTrade.StringFixed(0),
		s.WorstTrade.StringFixed(0),
		s.AvgHoldingDays.StringFixed(1))
}
