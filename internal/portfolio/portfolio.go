// Package portfolio joins stored positions with live quotes for summaries,
// risk views and stop-loss monitoring, and computes performance statistics
// over closed trades.
package portfolio

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/broker"
	"turtle-trading-bot/internal/database"
)

var hundred = decimal.NewFromInt(100)

// PositionView is one open position marked to market.
type PositionView struct {
	Position         database.Position
	CurrentPrice     decimal.Decimal
	MarketValue      decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	UnrealizedPnLPct decimal.Decimal
}

// Summary is the portfolio snapshot.
type Summary struct {
	Market             database.Market
	TotalValue         decimal.Decimal
	CashBalance        decimal.Decimal
	SecuritiesValue    decimal.Decimal
	TotalUnrealizedPnL decimal.Decimal
	TotalUnrealizedPct decimal.Decimal
	TotalUnits         int
	AvailableUnits     int
	MaxUnits           int
	PositionCount      int
	Positions          []PositionView
}

// RiskView aggregates how much is at risk if every stop is hit.
type RiskView struct {
	TotalRiskAmount      decimal.Decimal
	TotalRiskPct         decimal.Decimal
	MaxDrawdownPotential decimal.Decimal
	PositionsAtRisk      int
}

// Manager produces portfolio views for one market.
type Manager struct {
	repo          *database.Repository
	maxUnitsTotal int
	log           zerolog.Logger
}

// NewManager builds a portfolio manager.
func NewManager(repo *database.Repository, maxUnitsTotal int, log zerolog.Logger) *Manager {
	return &Manager{
		repo:          repo,
		maxUnitsTotal: maxUnitsTotal,
		log:           log.With().Str("component", "portfolio").Logger(),
	}
}

// BuildSummary joins positions with quotes and the account balance.
// Positions without a quote are marked at entry price. Pure; no I/O.
func BuildSummary(market database.Market, positions []database.Position, quotes map[int64]decimal.Decimal, balance *broker.AccountBalance, maxUnits int) *Summary {
	s := &Summary{
		Market:        market,
		MaxUnits:      maxUnits,
		PositionCount: len(positions),
	}
	if balance != nil {
		s.CashBalance = balance.CashBalance
	}

	totalCost := decimal.Zero
	for _, pos := range positions {
		price, ok := quotes[pos.StockID]
		if !ok || !price.IsPositive() {
			price = pos.EntryPrice
		}

		qty := decimal.NewFromInt(pos.Quantity)
		view := PositionView{
			Position:     pos,
			CurrentPrice: price,
			MarketValue:  price.Mul(qty),
		}
		cost := pos.EntryPrice.Mul(qty)
		view.UnrealizedPnL = view.MarketValue.Sub(cost)
		if cost.IsPositive() {
			view.UnrealizedPnLPct = view.UnrealizedPnL.Div(cost).Mul(hundred)
		}

		s.Positions = append(s.Positions, view)
		s.SecuritiesValue = s.SecuritiesValue.Add(view.MarketValue)
		s.TotalUnrealizedPnL = s.TotalUnrealizedPnL.Add(view.UnrealizedPnL)
		s.TotalUnits += pos.Units
		totalCost = totalCost.Add(cost)
	}

	s.TotalValue = s.CashBalance.Add(s.SecuritiesValue)
	if totalCost.IsPositive() {
		s.TotalUnrealizedPct = s.TotalUnrealizedPnL.Div(totalCost).Mul(hundred)
	}
	s.AvailableUnits = maxUnits - s.TotalUnits
	if s.AvailableUnits < 0 {
		s.AvailableUnits = 0
	}
	return s
}

// BuildRiskView measures distance to stops. Pure; no I/O.
func BuildRiskView(positions []database.Position, quotes map[int64]decimal.Decimal, accountValue decimal.Decimal) *RiskView {
	rv := &RiskView{}
	for _, pos := range positions {
		price, ok := quotes[pos.StockID]
		if !ok || !price.IsPositive() {
			price = pos.EntryPrice
		}

		atRisk := price.Sub(pos.StopLossPrice).Mul(decimal.NewFromInt(pos.Quantity))
		if atRisk.IsPositive() {
			rv.TotalRiskAmount = rv.TotalRiskAmount.Add(atRisk)
		}
		rv.MaxDrawdownPotential = rv.MaxDrawdownPotential.Add(atRisk)

		// Within 2% of the stop counts as at risk.
		if pos.StopLossPrice.IsPositive() {
			distance := price.Sub(pos.StopLossPrice).Div(pos.StopLossPrice)
			if distance.LessThanOrEqual(decimal.NewFromFloat(0.02)) {
				rv.PositionsAtRisk++
			}
		}
	}
	if accountValue.IsPositive() {
		rv.TotalRiskPct = rv.TotalRiskAmount.Div(accountValue).Mul(hundred)
	}
	return rv
}

// Summary loads open positions, quotes them through the broker and builds
// the snapshot. Per-symbol quote failures fall back to entry price.
func (m *Manager) Summary(ctx context.Context, market database.Market, b broker.Broker) (*Summary, error) {
	positions, err := m.repo.GetOpenPositions(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	balance, err := b.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}

	quotes := m.quoteAll(ctx, b, positions)
	return BuildSummary(market, positions, quotes, balance, m.maxUnitsTotal), nil
}

// Risk builds the risk view for a market.
func (m *Manager) Risk(ctx context.Context, market database.Market, b broker.Broker) (*RiskView, error) {
	positions, err := m.repo.GetOpenPositions(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	balance, err := b.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	quotes := m.quoteAll(ctx, b, positions)
	return BuildRiskView(positions, quotes, balance.TotalValue), nil
}

// CheckStopLosses returns the open positions trading at or below their
// stop. The monitoring job reports these; execution happens through the
// signal engine on the next cycle.
func (m *Manager) CheckStopLosses(ctx context.Context, market database.Market, quotes map[int64]decimal.Decimal) ([]database.Position, error) {
	positions, err := m.repo.GetOpenPositions(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	var triggered []database.Position
	for _, pos := range positions {
		price, ok := quotes[pos.StockID]
		if !ok || !price.IsPositive() {
			continue
		}
		if price.LessThanOrEqual(pos.StopLossPrice) {
			triggered = append(triggered, pos)
		}
	}
	return triggered, nil
}

func (m *Manager) quoteAll(ctx context.Context, b broker.Broker, positions []database.Position) map[int64]decimal.Decimal {
	quotes := make(map[int64]decimal.Decimal, len(positions))
	failed := 0
	for _, pos := range positions {
		price, err := b.GetCurrentPrice(ctx, pos.Symbol)
		if err != nil {
			failed++
			continue
		}
		quotes[pos.StockID] = price
	}
	if failed > 0 {
		m.log.Warn().
			Int("failed_count", failed).
			Int("total_requested", len(positions)).
			Msg("quote fetch failures while building summary")
	}
	return quotes
}

// FormatSummary renders a summary for logs and the daily report.
func FormatSummary(s *Summary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] total %s | cash %s | securities %s | unrealized %s (%s%%) | units %d/%d | positions %d\n",
		s.Market,
		s.TotalValue.StringFixed(0),
		s.CashBalance.StringFixed(0),
		s.SecuritiesValue.StringFixed(0),
		s.TotalUnrealizedPnL.StringFixed(0),
		s.TotalUnrealizedPct.StringFixed(2),
		s.TotalUnits, s.MaxUnits,
		s.PositionCount)

	for _, v := range s.Positions {
		fmt.Fprintf(&sb, "  %-8s units=%d qty=%d entry=%s now=%s stop=%s pnl=%s (%s%%)\n",
			v.Position.Symbol,
			v.Position.Units,
			v.Position.Quantity,
			v.Position.EntryPrice.StringFixed(2),
			v.CurrentPrice.StringFixed(2),
			v.Position.StopLossPrice.StringFixed(2),
			v.UnrealizedPnL.StringFixed(0),
			v.UnrealizedPnLPct.StringFixed(2))
	}
	return sb.String()
}
