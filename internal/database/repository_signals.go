package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ============================================================
// Signals
// ============================================================

// InsertSignal records a detected signal. Signal rows are cheap and
// informational; duplicates across adjacent cycles are acceptable.
func (r *Repository) InsertSignal(ctx context.Context, s *Signal) (int64, error) {
	query := `
		INSERT INTO signals (stock_id, signal_type, system, price, atr_n)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := r.q.QueryRow(ctx, query,
		s.StockID, s.SignalType, s.System, s.Price, s.ATRN,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert signal: %w", err)
	}
	return s.ID, nil
}

// MarkSignalExecuted flips the is_executed flag after a successful fill.
func (r *Repository) MarkSignalExecuted(ctx context.Context, signalID int64) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE signals SET is_executed = TRUE WHERE id = $1`, signalID)
	if err != nil {
		return fmt.Errorf("failed to mark signal executed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSignalsForDay returns the signals created on a date for a market,
// used by the daily report.
func (r *Repository) GetSignalsForDay(ctx context.Context, market Market, day string) ([]Signal, error) {
	query := `
		SELECT sg.id, sg.stock_id, sg.signal_type, sg.system, sg.price, sg.atr_n,
			sg.is_executed, sg.created_at
		FROM signals sg
		JOIN stocks s ON s.id = sg.stock_id
		WHERE s.market = $1 AND sg.created_at::date = $2::date
		ORDER BY sg.created_at ASC`

	rows, err := r.q.Query(ctx, query, market, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var sigs []Signal
	for rows.Next() {
		var s Signal
		err := rows.Scan(&s.ID, &s.StockID, &s.SignalType, &s.System,
			&s.Price, &s.ATRN, &s.IsExecuted, &s.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sigs = append(sigs, s)
	}
	return sigs, rows.Err()
}

// ============================================================
// Trading state
// ============================================================

// UpsertTradingState creates or updates the per-market liveness row.
func (r *Repository) UpsertTradingState(ctx context.Context, market Market, isActive bool) error {
	query := `
		INSERT INTO trading_state (market, is_active, heartbeat_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (market) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			heartbeat_at = NOW(),
			updated_at = NOW()`

	if _, err := r.q.Exec(ctx, query, market, isActive); err != nil {
		return fmt.Errorf("failed to upsert trading state: %w", err)
	}
	return nil
}

// UpdateHeartbeat refreshes heartbeat_at so observers can see liveness.
func (r *Repository) UpdateHeartbeat(ctx context.Context, market Market) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE trading_state SET heartbeat_at = NOW() WHERE market = $1`, market)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTradingState returns the liveness row for a market.
func (r *Repository) GetTradingState(ctx context.Context, market Market) (*TradingState, error) {
	query := `SELECT market, is_active, heartbeat_at, updated_at FROM trading_state WHERE market = $1`

	var ts TradingState
	err := r.q.QueryRow(ctx, query, market).Scan(
		&ts.Market, &ts.IsActive, &ts.HeartbeatAt, &ts.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan trading state: %w", err)
	}
	return &ts, nil
}

// SetTradingActive toggles the is_active flag. The orchestrator checks this
// every cycle and stops the market loop when an external process clears it.
func (r *Repository) SetTradingActive(ctx context.Context, market Market, active bool) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE trading_state SET is_active = $2, updated_at = NOW() WHERE market = $1`,
		market, active)
	if err != nil {
		return fmt.Errorf("failed to set trading active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
