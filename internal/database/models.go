package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies which exchange a stock trades on.
type Market string

const (
	MarketKRX Market = "KRX"
	MarketUS  Market = "US"
)

// Position status values
const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"
)

// Order status values
const (
	OrderPending   = "PENDING"
	OrderFilled    = "FILLED"
	OrderPartial   = "PARTIAL"
	OrderCancelled = "CANCELLED"
	OrderFailed    = "FAILED"
)

// Order side values
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order method values
const (
	MethodMarket = "MARKET"
	MethodLimit  = "LIMIT"
)

// Stock is one listed instrument. Screener metrics (shares outstanding,
// institutional ownership) are carried but opaque to the trading engine.
type Stock struct {
	ID                     int64
	Symbol                 string
	Name                   string
	Market                 Market
	Exchange               *string
	Sector                 *string
	SharesOutstanding      *int64
	InstitutionalOwnership *decimal.Decimal
	IsActive               bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// DailyPrice is one OHLCV bar. Append-only, unique per (stock, date).
type DailyPrice struct {
	ID        int64
	StockID   int64
	TradeDate time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// Candidate is the slice of a CANSLIM score row the engine consumes.
type Candidate struct {
	StockID    int64
	Symbol     string
	Name       string
	Market     Market
	Sector     *string
	TotalScore int
	RSRating   *int
	ScoreDate  time.Time
}

// Signal records a detected turtle signal. Written once when detected;
// is_executed flips on a successful broker fill. Unexecuted signals are
// informational and do not carry forward.
type Signal struct {
	ID         int64
	StockID    int64
	SignalType string
	System     *int
	Price      decimal.Decimal
	ATRN       *decimal.Decimal
	IsExecuted bool
	CreatedAt  time.Time
}

// Position is one open or closed turtle position. EntryPrice is always the
// quantity-weighted average across all fills; Units only grows while OPEN.
type Position struct {
	ID            int64
	StockID       int64
	EntryDate     time.Time
	EntryPrice    decimal.Decimal
	EntrySystem   int
	Quantity      int64
	Units         int
	StopLossPrice decimal.Decimal
	StopLossType  string
	Status        string
	ExitDate      *time.Time
	ExitPrice     *decimal.Decimal
	ExitReason    *string
	PnL           *decimal.Decimal
	PnLPct        *decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Joined from stocks for convenience; not columns of positions.
	Symbol string
	Name   string
	Market Market
	Sector *string
}

// Order is one broker order. Append-only aside from the status transition
// out of PENDING.
type Order struct {
	ID             int64
	PositionID     *int64
	StockID        int64
	Side           string
	Method         string
	Quantity       int64
	Price          *decimal.Decimal
	Status         string
	FilledQuantity int64
	FilledPrice    *decimal.Decimal
	BrokerOrderID  *string
	FailureReason  *string
	CreatedAt      time.Time
	FilledAt       *time.Time
}

// TradingState is the per-market liveness row shared between the
// orchestrator and observer processes.
type TradingState struct {
	Market      Market
	IsActive    bool
	HeartbeatAt time.Time
	UpdatedAt   time.Time
}
