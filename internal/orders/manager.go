// Package orders translates turtle signals into broker orders and persists
// the outcome. Each execution path (entry, pyramid, exit) commits its order
// write, position mutation and signal flag in a single transaction, so a
// crash can never leave a half-recorded trade.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/broker"
	"turtle-trading-bot/internal/database"
	"turtle-trading-bot/internal/events"
	"turtle-trading-bot/internal/logging"
	"turtle-trading-bot/internal/risk"
	"turtle-trading-bot/internal/signals"
)

// ExecutionResult is the structured outcome of one signal execution.
type ExecutionResult struct {
	Success       bool
	OrderID       int64
	BrokerOrderID string
	Symbol        string
	Side          broker.OrderSide
	Quantity      int64
	FilledPrice   decimal.Decimal
	Message       string

	// Pyramid metadata
	Units    int
	AvgPrice decimal.Decimal

	// Exit metadata
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	PnL        decimal.Decimal
	PnLPct     decimal.Decimal
	ExitReason string
}

// Config carries the execution tunables.
type Config struct {
	MaxEntrySlippagePct decimal.Decimal // e.g. 0.015
	StatusPollRetries   int
	StatusPollDelay     time.Duration
}

// Manager executes signals against a broker and the store.
type Manager struct {
	repo   *database.Repository
	limits *risk.UnitLimitManager
	sizer  *risk.PositionSizer
	stops  *risk.StopCalculator
	cfg    Config
	audit  *logging.AuditLogger
	bus    *events.EventBus
	log    zerolog.Logger
}

// NewManager builds an order manager.
func NewManager(repo *database.Repository, limits *risk.UnitLimitManager, sizer *risk.PositionSizer, stops *risk.StopCalculator, cfg Config, audit *logging.AuditLogger, bus *events.EventBus, log zerolog.Logger) *Manager {
	if cfg.StatusPollRetries <= 0 {
		cfg.StatusPollRetries = 3
	}
	if cfg.StatusPollDelay <= 0 {
		cfg.StatusPollDelay = time.Second
	}
	return &Manager{
		repo:   repo,
		limits: limits,
		sizer:  sizer,
		stops:  stops,
		cfg:    cfg,
		audit:  audit,
		bus:    bus,
		log:    log.With().Str("component", "order_manager").Logger(),
	}
}

// Slippage returns (price-level)/level. Exceeded is true when it is above
// the allowed maximum; a zero or negative level disables the guard.
func Slippage(price, level, maxPct decimal.Decimal) (decimal.Decimal, bool) {
	if !level.IsPositive() {
		return decimal.Zero, false
	}
	slip := price.Sub(level).Div(level)
	return slip, slip.GreaterThan(maxPct)
}

// ResolveFillPrice polls the broker for the actual fill, falling back to
// the signal price when the venue returns no usable status. A pending
// broker call is allowed to finish; only the retry sleeps watch ctx.
func ResolveFillPrice(ctx context.Context, b broker.Broker, brokerOrderID string, fallback decimal.Decimal, retries int, delay time.Duration) (decimal.Decimal, int64) {
	for attempt := 0; attempt < retries; attempt++ {
		status, err := b.GetOrderStatus(ctx, brokerOrderID)
		if err == nil && status != nil && status.FilledPrice.IsPositive() {
			return status.FilledPrice, status.FilledQuantity
		}
		select {
		case <-ctx.Done():
			return fallback, 0
		case <-time.After(delay):
		}
	}
	return fallback, 0
}

// ============================================================
// Entry
// ============================================================

// ExecuteEntry runs the full entry path for an ENTRY_S1/ENTRY_S2 signal:
// slippage guard, unit limits, sizing, market buy, fill resolution, then
// one transaction writing the order, the new position and the signal flag.
func (m *Manager) ExecuteEntry(ctx context.Context, b broker.Broker, sig signals.TurtleSignal) ExecutionResult {
	result := ExecutionResult{Symbol: sig.Symbol, Side: broker.SideBuy}

	// Slippage guard: the breakout has to still be fresh.
	if slip, exceeded := Slippage(sig.Price, sig.BreakoutLevel, m.cfg.MaxEntrySlippagePct); exceeded {
		m.audit.Event("entry_slippage_rejected").
			Str("market", string(sig.Market)).
			Str("symbol", sig.Symbol).
			Str("price", sig.Price.String()).
			Str("breakout_level", sig.BreakoutLevel.String()).
			Str("slippage", slip.String()).
			Send()
		result.Message = fmt.Sprintf("slippage %s exceeds maximum", slip.StringFixed(4))
		return result
	}

	stock, err := m.repo.GetStockByID(ctx, sig.StockID)
	if err != nil {
		result.Message = fmt.Sprintf("stock lookup failed: %v", err)
		return result
	}

	rejection, err := m.limits.CanAddUnit(ctx, sig.StockID, stock.Sector, stock.Market)
	if err != nil {
		result.Message = fmt.Sprintf("unit limit check failed: %v", err)
		return result
	}
	if rejection != nil {
		m.audit.Event("unit_limit_blocked").
			Str("market", string(sig.Market)).
			Str("symbol", sig.Symbol).
			Str("limit", rejection.Limit).
			Int("current", rejection.Current).
			Int("max", rejection.Max).
			Send()
		result.Message = rejection.String()
		return result
	}

	balance, err := b.GetBalance(ctx)
	if err != nil {
		result.Message = fmt.Sprintf("balance query failed: %v", err)
		return result
	}

	sizing, err := m.sizer.Size(balance.TotalValue, sig.Price, sig.ATR, balance.BuyingPower)
	if err != nil {
		if errors.Is(err, risk.ErrInsufficientFunds) {
			m.audit.Event("insufficient_funds").
				Str("market", string(sig.Market)).
				Str("symbol", sig.Symbol).
				Str("price", sig.Price.String()).
				Str("buying_power", balance.BuyingPower.String()).
				Send()
		}
		result.Message = err.Error()
		return result
	}
	result.Quantity = sizing.Quantity

	order := &database.Order{
		StockID:  sig.StockID,
		Side:     database.SideBuy,
		Method:   database.MethodMarket,
		Quantity: sizing.Quantity,
	}
	if _, err := m.repo.InsertOrder(ctx, order); err != nil {
		result.Message = fmt.Sprintf("order insert failed: %v", err)
		return result
	}
	result.OrderID = order.ID

	ack, err := broker.BuyMarket(ctx, b, sig.Symbol, sizing.Quantity)
	if err != nil || ack == nil || !ack.Success {
		return m.failOrder(ctx, order.ID, result, "buy order failed", err, ack, sig)
	}
	result.BrokerOrderID = ack.OrderID

	fillPrice, _ := ResolveFillPrice(ctx, b, ack.OrderID, sig.Price, m.cfg.StatusPollRetries, m.cfg.StatusPollDelay)
	result.FilledPrice = fillPrice

	// Effective stop from the actual fill: max(fill-2N, fill*0.92).
	stop, stopType := m.stops.Initial(fillPrice, sig.ATR)

	position := &database.Position{
		StockID:       sig.StockID,
		EntryDate:     time.Now(),
		EntryPrice:    fillPrice,
		EntrySystem:   int(sig.System),
		Quantity:      sizing.Quantity,
		Units:         1,
		StopLossPrice: stop,
		StopLossType:  string(stopType),
	}

	err = m.repo.WithTx(ctx, func(tx *database.Repository) error {
		if err := tx.MarkOrderFilled(ctx, order.ID, sizing.Quantity, fillPrice, ack.OrderID); err != nil {
			return err
		}
		if _, err := tx.InsertPosition(ctx, position); err != nil {
			return err
		}
		if err := tx.AttachOrderPosition(ctx, order.ID, position.ID); err != nil {
			return err
		}
		if sig.SignalID > 0 {
			return tx.MarkSignalExecuted(ctx, sig.SignalID)
		}
		return nil
	})
	if err != nil {
		result.Message = fmt.Sprintf("entry commit failed: %v", err)
		m.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("entry transaction failed")
		return result
	}

	slip, _ := Slippage(fillPrice, sig.BreakoutLevel, m.cfg.MaxEntrySlippagePct)
	m.audit.Event("entry_filled").
		Str("market", string(sig.Market)).
		Str("symbol", sig.Symbol).
		Str("signal_type", string(sig.Type)).
		Int64("quantity", sizing.Quantity).
		Str("fill_price", fillPrice.String()).
		Str("slippage", slip.String()).
		Send()
	m.audit.Event("position_opened").
		Str("market", string(sig.Market)).
		Str("symbol", sig.Symbol).
		Int("system", int(sig.System)).
		Str("entry_price", fillPrice.String()).
		Str("stop_loss", stop.String()).
		Str("stop_type", string(stopType)).
		Send()

	m.bus.Publish(events.Event{
		Type:   events.EventPositionOpened,
		Market: string(sig.Market),
		Data: map[string]any{
			"symbol":    sig.Symbol,
			"system":    int(sig.System),
			"quantity":  sizing.Quantity,
			"price":     fillPrice.String(),
			"stop_loss": stop.String(),
		},
	})

	result.Success = true
	result.Message = "entry filled"
	return result
}

// ============================================================
// Pyramid
// ============================================================

// ExecutePyramid adds one unit to an open position. Same guards as an
// entry; the fill atomically grows the position and raises the unified
// stop to fill-2N.
func (m *Manager) ExecutePyramid(ctx context.Context, b broker.Broker, sig signals.TurtleSignal) ExecutionResult {
	result := ExecutionResult{Symbol: sig.Symbol, Side: broker.SideBuy}

	if slip, exceeded := Slippage(sig.Price, sig.NextEntry, m.cfg.MaxEntrySlippagePct); exceeded {
		m.audit.Event("entry_slippage_rejected").
			Str("market", string(sig.Market)).
			Str("symbol", sig.Symbol).
			Str("signal_type", string(signals.SignalPyramid)).
			Str("price", sig.Price.String()).
			Str("trigger", sig.NextEntry.String()).
			Str("slippage", slip.String()).
			Send()
		result.Message = fmt.Sprintf("slippage %s exceeds maximum", slip.StringFixed(4))
		return result
	}

	position, err := m.repo.GetOpenPositionByStock(ctx, sig.StockID)
	if err != nil {
		result.Message = fmt.Sprintf("position lookup failed: %v", err)
		return result
	}

	stock, err := m.repo.GetStockByID(ctx, sig.StockID)
	if err != nil {
		result.Message = fmt.Sprintf("stock lookup failed: %v", err)
		return result
	}

	rejection, err := m.limits.CanAddUnit(ctx, sig.StockID, stock.Sector, stock.Market)
	if err != nil {
		result.Message = fmt.Sprintf("unit limit check failed: %v", err)
		return result
	}
	if rejection != nil {
		m.audit.Event("unit_limit_blocked").
			Str("market", string(sig.Market)).
			Str("symbol", sig.Symbol).
			Str("limit", rejection.Limit).
			Int("current", rejection.Current).
			Int("max", rejection.Max).
			Send()
		result.Message = rejection.String()
		return result
	}

	balance, err := b.GetBalance(ctx)
	if err != nil {
		result.Message = fmt.Sprintf("balance query failed: %v", err)
		return result
	}

	sizing, err := m.sizer.Size(balance.TotalValue, sig.Price, sig.ATR, balance.BuyingPower)
	if err != nil {
		if errors.Is(err, risk.ErrInsufficientFunds) {
			m.audit.Event("insufficient_funds").
				Str("market", string(sig.Market)).
				Str("symbol", sig.Symbol).
				Str("price", sig.Price.String()).
				Str("buying_power", balance.BuyingPower.String()).
				Send()
		}
		result.Message = err.Error()
		return result
	}
	result.Quantity = sizing.Quantity

	order := &database.Order{
		PositionID: &position.ID,
		StockID:    sig.StockID,
		Side:       database.SideBuy,
		Method:     database.MethodMarket,
		Quantity:   sizing.Quantity,
	}
	if _, err := m.repo.InsertOrder(ctx, order); err != nil {
		result.Message = fmt.Sprintf("order insert failed: %v", err)
		return result
	}
	result.OrderID = order.ID

	ack, err := broker.BuyMarket(ctx, b, sig.Symbol, sizing.Quantity)
	if err != nil || ack == nil || !ack.Success {
		return m.failOrder(ctx, order.ID, result, "pyramid order failed", err, ack, sig)
	}
	result.BrokerOrderID = ack.OrderID

	fillPrice, _ := ResolveFillPrice(ctx, b, ack.OrderID, sig.Price, m.cfg.StatusPollRetries, m.cfg.StatusPollDelay)
	result.FilledPrice = fillPrice

	// Unified stop from the actual fill.
	newStop := fillPrice.Sub(sig.ATR.Mul(decimal.NewFromInt(2)))

	err = m.repo.WithTx(ctx, func(tx *database.Repository) error {
		if err := tx.MarkOrderFilled(ctx, order.ID, sizing.Quantity, fillPrice, ack.OrderID); err != nil {
			return err
		}
		if err := tx.AddPyramidUnit(ctx, position.ID, sizing.Quantity, fillPrice, newStop); err != nil {
			return err
		}
		if sig.SignalID > 0 {
			return tx.MarkSignalExecuted(ctx, sig.SignalID)
		}
		return nil
	})
	if err != nil {
		result.Message = fmt.Sprintf("pyramid commit failed: %v", err)
		m.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("pyramid transaction failed")
		return result
	}

	oldQty := decimal.NewFromInt(position.Quantity)
	addQty := decimal.NewFromInt(sizing.Quantity)
	avgPrice := position.EntryPrice.Mul(oldQty).Add(fillPrice.Mul(addQty)).Div(oldQty.Add(addQty))

	result.Units = position.Units + 1
	result.AvgPrice = avgPrice

	m.audit.Event("pyramid_filled").
		Str("market", string(sig.Market)).
		Str("symbol", sig.Symbol).
		Int("units", result.Units).
		Int64("quantity", sizing.Quantity).
		Str("fill_price", fillPrice.String()).
		Str("avg_price", avgPrice.String()).
		Str("new_stop", newStop.String()).
		Send()

	m.bus.Publish(events.Event{
		Type:   events.EventPositionPyramided,
		Market: string(sig.Market),
		Data: map[string]any{
			"symbol":    sig.Symbol,
			"units":     result.Units,
			"avg_price": avgPrice.String(),
			"new_stop":  newStop.String(),
		},
	})

	result.Success = true
	result.Message = "pyramid filled"
	return result
}

// ============================================================
// Exit
// ============================================================

// ExecuteExit sells the whole position at market. No slippage guard: exits
// prioritize execution over price.
func (m *Manager) ExecuteExit(ctx context.Context, b broker.Broker, sig signals.TurtleSignal) ExecutionResult {
	result := ExecutionResult{Symbol: sig.Symbol, Side: broker.SideSell, ExitReason: string(sig.Type)}

	position, err := m.repo.GetOpenPositionByStock(ctx, sig.StockID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Inconsistent state: an exit signal without a position.
			m.log.Warn().Str("symbol", sig.Symbol).Msg("exit signal for stock without open position")
			result.Message = "no open position"
			return result
		}
		result.Message = fmt.Sprintf("position lookup failed: %v", err)
		return result
	}
	result.Quantity = position.Quantity

	order := &database.Order{
		PositionID: &position.ID,
		StockID:    sig.StockID,
		Side:       database.SideSell,
		Method:     database.MethodMarket,
		Quantity:   position.Quantity,
	}
	if _, err := m.repo.InsertOrder(ctx, order); err != nil {
		result.Message = fmt.Sprintf("order insert failed: %v", err)
		return result
	}
	result.OrderID = order.ID

	ack, err := broker.SellMarket(ctx, b, sig.Symbol, position.Quantity)
	if err != nil || ack == nil || !ack.Success {
		return m.failOrder(ctx, order.ID, result, "sell order failed", err, ack, sig)
	}
	result.BrokerOrderID = ack.OrderID

	fillPrice, _ := ResolveFillPrice(ctx, b, ack.OrderID, sig.Price, m.cfg.StatusPollRetries, m.cfg.StatusPollDelay)

	pnl, pnlPct := RealizedPnL(position.EntryPrice, fillPrice, position.Quantity)

	err = m.repo.WithTx(ctx, func(tx *database.Repository) error {
		if err := tx.MarkOrderFilled(ctx, order.ID, position.Quantity, fillPrice, ack.OrderID); err != nil {
			return err
		}
		if err := tx.ClosePosition(ctx, position.ID, time.Now(), fillPrice, string(sig.Type), pnl, pnlPct); err != nil {
			return err
		}
		if sig.SignalID > 0 {
			return tx.MarkSignalExecuted(ctx, sig.SignalID)
		}
		return nil
	})
	if err != nil {
		result.Message = fmt.Sprintf("exit commit failed: %v", err)
		m.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("exit transaction failed")
		return result
	}

	result.Success = true
	result.Message = "exit filled"
	result.FilledPrice = fillPrice
	result.EntryPrice = position.EntryPrice
	result.ExitPrice = fillPrice
	result.PnL = pnl
	result.PnLPct = pnlPct

	if sig.Type == signals.SignalStopLoss {
		m.audit.Event("stop_loss_triggered").
			Str("market", string(sig.Market)).
			Str("symbol", sig.Symbol).
			Str("stop_price", position.StopLossPrice.String()).
			Str("fill_price", fillPrice.String()).
			Send()
	}
	m.audit.Event("position_closed").
		Str("market", string(sig.Market)).
		Str("symbol", sig.Symbol).
		Str("exit_reason", string(sig.Type)).
		Str("entry_price", position.EntryPrice.String()).
		Str("exit_price", fillPrice.String()).
		Int64("quantity", position.Quantity).
		Int("units", position.Units).
		Str("pnl", pnl.String()).
		Str("pnl_pct", pnlPct.String()).
		Send()

	m.bus.Publish(events.Event{
		Type:   events.EventPositionClosed,
		Market: string(sig.Market),
		Data: map[string]any{
			"symbol":      sig.Symbol,
			"exit_reason": string(sig.Type),
			"pnl":         pnl.String(),
			"pnl_pct":     pnlPct.String(),
		},
	})

	return result
}

// RealizedPnL computes (exit-entry)*qty and the fractional return.
func RealizedPnL(entry, exit decimal.Decimal, quantity int64) (pnl, pnlPct decimal.Decimal) {
	diff := exit.Sub(entry)
	pnl = diff.Mul(decimal.NewFromInt(quantity))
	if entry.IsPositive() {
		pnlPct = diff.Div(entry)
	}
	return pnl, pnlPct
}

// failOrder records a broker failure on the pending order row and emits
// the audit event. The order-row update runs outside the execution
// transaction on purpose: the failure must be recorded even though the
// trade never happened.
func (m *Manager) failOrder(ctx context.Context, orderID int64, result ExecutionResult, msg string, err error, ack *broker.OrderResult, sig signals.TurtleSignal) ExecutionResult {
	reason := msg
	if err != nil {
		reason = fmt.Sprintf("%s: %v", msg, err)
	} else if ack != nil && ack.Message != "" {
		reason = fmt.Sprintf("%s: %s", msg, ack.Message)
	}

	if dbErr := m.repo.MarkOrderFailed(ctx, orderID, reason); dbErr != nil {
		m.log.Error().Err(dbErr).Int64("order_id", orderID).Msg("failed to record order failure")
	}

	m.audit.Event("order_failed").
		Str("market", string(sig.Market)).
		Str("symbol", sig.Symbol).
		Str("signal_type", string(sig.Type)).
		Str("reason", reason).
		Send()

	m.bus.Publish(events.Event{
		Type:   events.EventOrderFailed,
		Market: string(sig.Market),
		Data:   map[string]any{"symbol": sig.Symbol, "reason": reason},
	})

	result.Message = reason
	return result
}
