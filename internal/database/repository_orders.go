package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ============================================================
// Orders
// ============================================================

const orderColumns = `id, position_id, stock_id, side, method, quantity, price,
	status, filled_quantity, filled_price, broker_order_id, failure_reason,
	created_at, filled_at`

// InsertOrder creates a PENDING order row before the broker call.
func (r *Repository) InsertOrder(ctx context.Context, o *Order) (int64, error) {
	query := `
		INSERT INTO orders (position_id, stock_id, side, method, quantity, price, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING')
		RETURNING id, created_at`

	err := r.q.QueryRow(ctx, query,
		o.PositionID, o.StockID, o.Side, o.Method, o.Quantity, o.Price,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert order: %w", err)
	}
	o.Status = OrderPending
	return o.ID, nil
}

// MarkOrderFilled transitions a PENDING order to FILLED with its fill data.
func (r *Repository) MarkOrderFilled(ctx context.Context, orderID int64, filledQty int64, filledPrice decimal.Decimal, brokerOrderID string) error {
	query := `
		UPDATE orders SET
			status = 'FILLED',
			filled_quantity = $2,
			filled_price = $3,
			broker_order_id = $4,
			filled_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`

	tag, err := r.q.Exec(ctx, query, orderID, filledQty, filledPrice, brokerOrderID)
	if err != nil {
		return fmt.Errorf("failed to mark order filled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOrderFailed transitions a PENDING order to FAILED with a reason.
func (r *Repository) MarkOrderFailed(ctx context.Context, orderID int64, reason string) error {
	query := `
		UPDATE orders SET status = 'FAILED', failure_reason = $2
		WHERE id = $1 AND status = 'PENDING'`

	tag, err := r.q.Exec(ctx, query, orderID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachOrderPosition links an entry order to the position it opened.
func (r *Repository) AttachOrderPosition(ctx context.Context, orderID, positionID int64) error {
	_, err := r.q.Exec(ctx,
		`UPDATE orders SET position_id = $2 WHERE id = $1`, orderID, positionID)
	if err != nil {
		return fmt.Errorf("failed to attach order to position: %w", err)
	}
	return nil
}

// GetOrderByID returns one order.
func (r *Repository) GetOrderByID(ctx context.Context, id int64) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	var o Order
	err := r.q.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.PositionID, &o.StockID, &o.Side, &o.Method, &o.Quantity, &o.Price,
		&o.Status, &o.FilledQuantity, &o.FilledPrice, &o.BrokerOrderID, &o.FailureReason,
		&o.CreatedAt, &o.FilledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return &o, nil
}

// GetOrdersForDay returns all orders created on a given date for a market,
// used by the daily report.
func (r *Repository) GetOrdersForDay(ctx context.Context, market Market, day string) ([]Order, error) {
	query := `
		SELECT o.id, o.position_id, o.stock_id, o.side, o.method, o.quantity, o.price,
			o.status, o.filled_quantity, o.filled_price, o.broker_order_id, o.failure_reason,
			o.created_at, o.filled_at
		FROM orders o
		JOIN stocks s ON s.id = o.stock_id
		WHERE s.market = $1 AND o.created_at::date = $2::date
		ORDER BY o.created_at ASC`

	rows, err := r.q.Query(ctx, query, market, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		err := rows.Scan(&o.ID, &o.PositionID, &o.StockID, &o.Side, &o.Method,
			&o.Quantity, &o.Price, &o.Status, &o.FilledQuantity, &o.FilledPrice,
			&o.BrokerOrderID, &o.FailureReason, &o.CreatedAt, &o.FilledAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
