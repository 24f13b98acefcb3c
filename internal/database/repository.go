package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// so repository methods work identically inside and outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// Repository provides data access for all trading entities.
type Repository struct {
	q    Querier
	pool *pgxpool.Pool
}

// NewRepository creates a repository bound to the pool.
func NewRepository(db *DB) *Repository {
	return &Repository{q: db.Pool, pool: db.Pool}
}

// WithTx runs fn against a transaction-bound repository. The order manager
// uses this so an order write, a position mutation and a signal flag commit
// or roll back together.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Repository) error) error {
	if r.pool == nil {
		return errors.New("repository is already transaction-bound")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txRepo := &Repository{q: tx}
	if err := fn(txRepo); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ============================================================
// Stocks
// ============================================================

const stockColumns = `id, symbol, name, market, exchange, sector,
	shares_outstanding, institutional_ownership, is_active, created_at, updated_at`

func scanStock(row pgx.Row) (*Stock, error) {
	var s Stock
	err := row.Scan(&s.ID, &s.Symbol, &s.Name, &s.Market, &s.Exchange, &s.Sector,
		&s.SharesOutstanding, &s.InstitutionalOwnership, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan stock: %w", err)
	}
	return &s, nil
}

// GetStockByID returns stock metadata including the market tag.
func (r *Repository) GetStockByID(ctx context.Context, id int64) (*Stock, error) {
	query := `SELECT ` + stockColumns + ` FROM stocks WHERE id = $1`
	return scanStock(r.q.QueryRow(ctx, query, id))
}

// GetStockBySymbol returns a stock by (symbol, market).
func (r *Repository) GetStockBySymbol(ctx context.Context, symbol string, market Market) (*Stock, error) {
	query := `SELECT ` + stockColumns + ` FROM stocks WHERE symbol = $1 AND market = $2`
	return scanStock(r.q.QueryRow(ctx, query, symbol, market))
}

// UpsertStock inserts or refreshes a stock row. Stocks are never deleted,
// only marked inactive.
func (r *Repository) UpsertStock(ctx context.Context, s *Stock) (int64, error) {
	query := `
		INSERT INTO stocks (symbol, name, market, exchange, sector,
			shares_outstanding, institutional_ownership, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, market) DO UPDATE SET
			name = EXCLUDED.name,
			exchange = EXCLUDED.exchange,
			sector = EXCLUDED.sector,
			shares_outstanding = EXCLUDED.shares_outstanding,
			institutional_ownership = EXCLUDED.institutional_ownership,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
		RETURNING id`

	var id int64
	err := r.q.QueryRow(ctx, query,
		s.Symbol, s.Name, s.Market, s.Exchange, s.Sector,
		s.SharesOutstanding, s.InstitutionalOwnership, s.IsActive,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert stock %s: %w", s.Symbol, err)
	}
	return id, nil
}

// ============================================================
// Daily prices
// ============================================================

// GetPeriod returns the last nDays bars for a stock, ascending by date.
func (r *Repository) GetPeriod(ctx context.Context, stockID int64, nDays int) ([]DailyPrice, error) {
	query := `
		SELECT id, stock_id, trade_date, open, high, low, close, volume
		FROM (
			SELECT id, stock_id, trade_date, open, high, low, close, volume
			FROM daily_prices
			WHERE stock_id = $1
			ORDER BY trade_date DESC
			LIMIT $2
		) recent
		ORDER BY trade_date ASC`

	rows, err := r.q.Query(ctx, query, stockID, nDays)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily prices: %w", err)
	}
	defer rows.Close()

	return scanDailyPrices(rows)
}

// GetPeriodUpTo returns up to nDays bars ending at the given date inclusive,
// ascending. The backtest replay uses this to avoid lookahead.
func (r *Repository) GetPeriodUpTo(ctx context.Context, stockID int64, upTo time.Time, nDays int) ([]DailyPrice, error) {
	query := `
		SELECT id, stock_id, trade_date, open, high, low, close, volume
		FROM (
			SELECT id, stock_id, trade_date, open, high, low, close, volume
			FROM daily_prices
			WHERE stock_id = $1 AND trade_date <= $2
			ORDER BY trade_date DESC
			LIMIT $3
		) recent
		ORDER BY trade_date ASC`

	rows, err := r.q.Query(ctx, query, stockID, upTo, nDays)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily prices: %w", err)
	}
	defer rows.Close()

	return scanDailyPrices(rows)
}

// GetTradingDates returns the distinct bar dates for a market in [start, end].
func (r *Repository) GetTradingDates(ctx context.Context, market Market, start, end time.Time) ([]time.Time, error) {
	query := `
		SELECT DISTINCT dp.trade_date
		FROM daily_prices dp
		JOIN stocks s ON s.id = dp.stock_id
		WHERE s.market = $1 AND dp.trade_date BETWEEN $2 AND $3
		ORDER BY dp.trade_date ASC`

	rows, err := r.q.Query(ctx, query, market, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query trading dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan trading date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// UpsertDailyPrice inserts one bar, ignoring duplicates for (stock, date).
func (r *Repository) UpsertDailyPrice(ctx context.Context, p *DailyPrice) error {
	query := `
		INSERT INTO daily_prices (stock_id, trade_date, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stock_id, trade_date) DO NOTHING`

	_, err := r.q.Exec(ctx, query,
		p.StockID, p.TradeDate, p.Open, p.High, p.Low, p.Close, p.Volume)
	if err != nil {
		return fmt.Errorf("failed to insert daily price: %w", err)
	}
	return nil
}

func scanDailyPrices(rows pgx.Rows) ([]DailyPrice, error) {
	var prices []DailyPrice
	for rows.Next() {
		var p DailyPrice
		err := rows.Scan(&p.ID, &p.StockID, &p.TradeDate,
			&p.Open, &p.High, &p.Low, &p.Close, &p.Volume)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily price: %w", err)
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// ============================================================
// Screener output (read-only to the engine)
// ============================================================

// GetLatestPeriod returns the most recent (fiscal_year, fiscal_quarter)
// present in fundamentals, for freshness checks before premarket screening.
func (r *Repository) GetLatestPeriod(ctx context.Context) (int, int, error) {
	query := `
		SELECT fiscal_year, COALESCE(fiscal_quarter, 0)
		FROM fundamentals
		ORDER BY fiscal_year DESC, fiscal_quarter DESC NULLS LAST
		LIMIT 1`

	var year, quarter int
	err := r.q.QueryRow(ctx, query).Scan(&year, &quarter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, fmt.Errorf("failed to query latest period: %w", err)
	}
	return year, quarter, nil
}

// GetCandidates returns today's screener candidates with score >= minScore
// for one market.
func (r *Repository) GetCandidates(ctx context.Context, minScore int, market Market) ([]Candidate, error) {
	return r.GetCandidatesOn(ctx, time.Now(), minScore, market)
}

// GetCandidatesOn returns the candidates scored on a specific date.
func (r *Repository) GetCandidatesOn(ctx context.Context, date time.Time, minScore int, market Market) ([]Candidate, error) {
	query := `
		SELECT c.stock_id, s.symbol, s.name, s.market, s.sector,
			c.total_score, c.rs_rating, c.score_date
		FROM canslim_scores c
		JOIN stocks s ON s.id = c.stock_id
		WHERE c.score_date = $1::date
			AND c.is_candidate = TRUE
			AND c.total_score >= $2
			AND s.market = $3
			AND s.is_active = TRUE
		ORDER BY c.total_score DESC, s.symbol ASC`

	rows, err := r.q.Query(ctx, query, date, minScore, market)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		err := rows.Scan(&c.StockID, &c.Symbol, &c.Name, &c.Market, &c.Sector,
			&c.TotalScore, &c.RSRating, &c.ScoreDate)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}
