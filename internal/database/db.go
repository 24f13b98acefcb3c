package database

import (
	"context"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection pool from a connection URL.
// NUMERIC columns scan into decimal.Decimal via the registered codec.
func NewDB(ctx context.Context, databaseURL string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// RunMigrations creates tables if they don't exist.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS stocks (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			name VARCHAR(200) NOT NULL,
			market VARCHAR(10) NOT NULL,
			exchange VARCHAR(20),
			sector VARCHAR(100),
			shares_outstanding BIGINT,
			institutional_ownership NUMERIC(10, 4),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (symbol, market)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_prices (
			id BIGSERIAL PRIMARY KEY,
			stock_id BIGINT NOT NULL REFERENCES stocks(id),
			trade_date DATE NOT NULL,
			open NUMERIC(20, 4) NOT NULL,
			high NUMERIC(20, 4) NOT NULL,
			low NUMERIC(20, 4) NOT NULL,
			close NUMERIC(20, 4) NOT NULL,
			volume BIGINT NOT NULL,
			UNIQUE (stock_id, trade_date)
		)`,
		`CREATE TABLE IF NOT EXISTS fundamentals (
			id BIGSERIAL PRIMARY KEY,
			stock_id BIGINT NOT NULL REFERENCES stocks(id),
			fiscal_year INT NOT NULL,
			fiscal_quarter INT,
			revenue NUMERIC(24, 2),
			net_income NUMERIC(24, 2),
			eps NUMERIC(20, 4),
			equity NUMERIC(24, 2),
			roe NUMERIC(10, 4),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (stock_id, fiscal_year, fiscal_quarter)
		)`,
		`CREATE TABLE IF NOT EXISTS canslim_scores (
			id BIGSERIAL PRIMARY KEY,
			stock_id BIGINT NOT NULL REFERENCES stocks(id),
			score_date DATE NOT NULL,
			c_flag BOOLEAN NOT NULL DEFAULT FALSE,
			a_flag BOOLEAN NOT NULL DEFAULT FALSE,
			n_flag BOOLEAN NOT NULL DEFAULT FALSE,
			s_flag BOOLEAN NOT NULL DEFAULT FALSE,
			l_flag BOOLEAN NOT NULL DEFAULT FALSE,
			i_flag BOOLEAN NOT NULL DEFAULT FALSE,
			m_flag BOOLEAN NOT NULL DEFAULT FALSE,
			total_score INT NOT NULL DEFAULT 0,
			rs_rating INT,
			is_candidate BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (stock_id, score_date)
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			stock_id BIGINT NOT NULL REFERENCES stocks(id),
			signal_type VARCHAR(20) NOT NULL,
			system INT,
			price NUMERIC(20, 4) NOT NULL,
			atr_n NUMERIC(20, 4),
			is_executed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			stock_id BIGINT NOT NULL REFERENCES stocks(id),
			entry_date DATE NOT NULL,
			entry_price NUMERIC(20, 4) NOT NULL,
			entry_system INT NOT NULL,
			quantity BIGINT NOT NULL,
			units INT NOT NULL DEFAULT 1,
			stop_loss_price NUMERIC(20, 4) NOT NULL,
			stop_loss_type VARCHAR(10) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			exit_date DATE,
			exit_price NUMERIC(20, 4),
			exit_reason VARCHAR(20),
			pnl NUMERIC(24, 4),
			pnl_pct NUMERIC(12, 6),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_stock
			ON positions (stock_id) WHERE status = 'OPEN'`,
		`CREATE TABLE IF NOT EXISTS orders (
			id BIGSERIAL PRIMARY KEY,
			position_id BIGINT REFERENCES positions(id),
			stock_id BIGINT NOT NULL REFERENCES stocks(id),
			side VARCHAR(4) NOT NULL,
			method VARCHAR(10) NOT NULL,
			quantity BIGINT NOT NULL,
			price NUMERIC(20, 4),
			status VARCHAR(10) NOT NULL DEFAULT 'PENDING',
			filled_quantity BIGINT NOT NULL DEFAULT 0,
			filled_price NUMERIC(20, 4),
			broker_order_id VARCHAR(60),
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			filled_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS trading_state (
			market VARCHAR(10) PRIMARY KEY,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_prices_stock_date
			ON daily_prices (stock_id, trade_date DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_stock_created
			ON signals (stock_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status
			ON positions (status)`,
		`CREATE INDEX IF NOT EXISTS idx_canslim_scores_date
			ON canslim_scores (score_date, is_candidate)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}
