package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ============================================================
// Positions
// ============================================================

const positionColumns = `p.id, p.stock_id, p.entry_date, p.entry_price, p.entry_system,
	p.quantity, p.units, p.stop_loss_price, p.stop_loss_type, p.status,
	p.exit_date, p.exit_price, p.exit_reason, p.pnl, p.pnl_pct,
	p.created_at, p.updated_at,
	s.symbol, s.name, s.market, s.sector`

func scanPosition(row pgx.Row) (*Position, error) {
	var p Position
	err := row.Scan(&p.ID, &p.StockID, &p.EntryDate, &p.EntryPrice, &p.EntrySystem,
		&p.Quantity, &p.Units, &p.StopLossPrice, &p.StopLossType, &p.Status,
		&p.ExitDate, &p.ExitPrice, &p.ExitReason, &p.PnL, &p.PnLPct,
		&p.CreatedAt, &p.UpdatedAt,
		&p.Symbol, &p.Name, &p.Market, &p.Sector)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	return &p, nil
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...any) ([]Position, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		err := rows.Scan(&p.ID, &p.StockID, &p.EntryDate, &p.EntryPrice, &p.EntrySystem,
			&p.Quantity, &p.Units, &p.StopLossPrice, &p.StopLossType, &p.Status,
			&p.ExitDate, &p.ExitPrice, &p.ExitReason, &p.PnL, &p.PnLPct,
			&p.CreatedAt, &p.UpdatedAt,
			&p.Symbol, &p.Name, &p.Market, &p.Sector)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetOpenPositions returns all OPEN positions for one market.
func (r *Repository) GetOpenPositions(ctx context.Context, market Market) ([]Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions p
		JOIN stocks s ON s.id = p.stock_id
		WHERE p.status = 'OPEN' AND s.market = $1
		ORDER BY p.entry_date ASC, p.id ASC`
	return r.queryPositions(ctx, query, market)
}

// GetOpenPositionByStock returns the single OPEN position for a stock,
// or ErrNotFound.
func (r *Repository) GetOpenPositionByStock(ctx context.Context, stockID int64) (*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions p
		JOIN stocks s ON s.id = p.stock_id
		WHERE p.stock_id = $1 AND p.status = 'OPEN'`
	return scanPosition(r.q.QueryRow(ctx, query, stockID))
}

// GetClosedPositions returns CLOSED positions for a market, most recent
// exits first. A zero since means no lower bound.
func (r *Repository) GetClosedPositions(ctx context.Context, market Market, since time.Time) ([]Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions p
		JOIN stocks s ON s.id = p.stock_id
		WHERE p.status = 'CLOSED' AND s.market = $1
			AND ($2::date IS NULL OR p.exit_date >= $2::date)
		ORDER BY p.exit_date DESC, p.id DESC`

	var sinceArg any
	if !since.IsZero() {
		sinceArg = since
	}
	return r.queryPositions(ctx, query, market, sinceArg)
}

// GetLastClosedSystem1Position returns the most recently closed System-1
// position for a stock, used to decide the S1 entry filter.
func (r *Repository) GetLastClosedSystem1Position(ctx context.Context, stockID int64) (*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions p
		JOIN stocks s ON s.id = p.stock_id
		WHERE p.stock_id = $1 AND p.status = 'CLOSED' AND p.entry_system = 1
		ORDER BY p.exit_date DESC, p.id DESC
		LIMIT 1`
	return scanPosition(r.q.QueryRow(ctx, query, stockID))
}

// InsertPosition creates an OPEN position after an entry fill.
func (r *Repository) InsertPosition(ctx context.Context, p *Position) (int64, error) {
	query := `
		INSERT INTO positions (stock_id, entry_date, entry_price, entry_system,
			quantity, units, stop_loss_price, stop_loss_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'OPEN')
		RETURNING id, created_at`

	err := r.q.QueryRow(ctx, query,
		p.StockID, p.EntryDate, p.EntryPrice, p.EntrySystem,
		p.Quantity, p.Units, p.StopLossPrice, p.StopLossType,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position: %w", err)
	}
	return p.ID, nil
}

// AddPyramidUnit applies a pyramid fill: quantity grows, entry_price becomes
// the quantity-weighted average, units increments, and the unified stop is
// raised, all in one statement so the mutation is atomic with the enclosing
// transaction.
func (r *Repository) AddPyramidUnit(ctx context.Context, positionID int64, fillQty int64, fillPrice, newStop decimal.Decimal) error {
	query := `
		UPDATE positions SET
			entry_price = (entry_price * quantity + $2 * $3) / (quantity + $2),
			quantity = quantity + $2,
			units = units + 1,
			stop_loss_price = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'OPEN'`

	tag, err := r.q.Exec(ctx, query, positionID, fillQty, fillPrice, newStop)
	if err != nil {
		return fmt.Errorf("failed to add pyramid unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClosePosition freezes an OPEN position with its exit fields and realized
// P&L. pnlPct is a fraction, not scaled by 100.
func (r *Repository) ClosePosition(ctx context.Context, positionID int64, exitDate time.Time, exitPrice decimal.Decimal, exitReason string, pnl, pnlPct decimal.Decimal) error {
	query := `
		UPDATE positions SET
			status = 'CLOSED',
			exit_date = $2,
			exit_price = $3,
			exit_reason = $4,
			pnl = $5,
			pnl_pct = $6,
			updated_at = NOW()
		WHERE id = $1 AND status = 'OPEN'`

	tag, err := r.q.Exec(ctx, query, positionID, exitDate, exitPrice, exitReason, pnl, pnlPct)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStopLoss persists a new stop for an OPEN position.
func (r *Repository) UpdateStopLoss(ctx context.Context, positionID int64, stop decimal.Decimal, stopType string) error {
	query := `
		UPDATE positions SET stop_loss_price = $2, stop_loss_type = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'OPEN'`

	tag, err := r.q.Exec(ctx, query, positionID, stop, stopType)
	if err != nil {
		return fmt.Errorf("failed to update stop loss: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================
// Unit counting (for the unit limit manager)
// ============================================================

// CountOpenUnits sums units across all OPEN positions.
func (r *Repository) CountOpenUnits(ctx context.Context) (int, error) {
	var total int
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(units), 0) FROM positions WHERE status = 'OPEN'`,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count open units: %w", err)
	}
	return total, nil
}

// CountOpenUnitsForStock sums units of the stock's OPEN position, if any.
func (r *Repository) CountOpenUnitsForStock(ctx context.Context, stockID int64) (int, error) {
	var total int
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(units), 0) FROM positions WHERE status = 'OPEN' AND stock_id = $1`,
		stockID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count open units for stock: %w", err)
	}
	return total, nil
}

// CountOpenUnitsForSector sums units across OPEN positions in one sector.
func (r *Repository) CountOpenUnitsForSector(ctx context.Context, sector string) (int, error) {
	var total int
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(p.units), 0)
		 FROM positions p JOIN stocks s ON s.id = p.stock_id
		 WHERE p.status = 'OPEN' AND s.sector = $1`,
		sector,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count open units for sector: %w", err)
	}
	return total, nil
}

// CountOpenUnitsForMarket sums units across OPEN positions in one market.
// Positions in the same market are treated as loosely correlated.
func (r *Repository) CountOpenUnitsForMarket(ctx context.Context, market Market) (int, error) {
	var total int
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(p.units), 0)
		 FROM positions p JOIN stocks s ON s.id = p.stock_id
		 WHERE p.status = 'OPEN' AND s.market = $1`,
		market,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count open units for market: %w", err)
	}
	return total, nil
}
