// Package broker defines the uniform brokerage contract the engine trades
// through, with two peer implementations: a live venue-backed broker and a
// fully in-process paper broker.
package broker

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderMethod is MARKET or LIMIT.
type OrderMethod string

const (
	MethodMarket OrderMethod = "MARKET"
	MethodLimit  OrderMethod = "LIMIT"
)

// AccountBalance summarizes the trading account.
type AccountBalance struct {
	TotalValue      decimal.Decimal
	CashBalance     decimal.Decimal
	SecuritiesValue decimal.Decimal
	BuyingPower     decimal.Decimal
}

// Position is the broker-side view of a holding.
type Position struct {
	Symbol       string
	Quantity     int64
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
}

// OrderRequest describes one order submission. Price is ignored for
// market orders.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Method   OrderMethod
	Quantity int64
	Price    decimal.Decimal
}

// OrderResult is the submission outcome. Raw carries the venue payload for
// the audit trail.
type OrderResult struct {
	Success bool
	OrderID string
	Message string
	Raw     json.RawMessage
}

// OrderStatus is the venue's view of a submitted order.
type OrderStatus struct {
	OrderID        string
	Status         string // PENDING, FILLED, PARTIAL, CANCELLED
	FilledQuantity int64
	FilledPrice    decimal.Decimal
}

// Broker is the whole surface the engine needs from a brokerage.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetBalance(ctx context.Context) (*AccountBalance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
}

// BuyMarket submits a market buy.
func BuyMarket(ctx context.Context, b Broker, symbol string, quantity int64) (*OrderResult, error) {
	return b.PlaceOrder(ctx, OrderRequest{Symbol: symbol, Side: SideBuy, Method: MethodMarket, Quantity: quantity})
}

// SellMarket submits a market sell.
func SellMarket(ctx context.Context, b Broker, symbol string, quantity int64) (*OrderResult, error) {
	return b.PlaceOrder(ctx, OrderRequest{Symbol: symbol, Side: SideSell, Method: MethodMarket, Quantity: quantity})
}

// BuyLimit submits a limit buy at price.
func BuyLimit(ctx context.Context, b Broker, symbol string, quantity int64, price decimal.Decimal) (*OrderResult, error) {
	return b.PlaceOrder(ctx, OrderRequest{Symbol: symbol, Side: SideBuy, Method: MethodLimit, Quantity: quantity, Price: price})
}

// SellLimit submits a limit sell at price.
func SellLimit(ctx context.Context, b Broker, symbol string, quantity int64, price decimal.Decimal) (*OrderResult, error) {
	return b.PlaceOrder(ctx, OrderRequest{Symbol: symbol, Side: SideSell, Method: MethodLimit, Quantity: quantity, Price: price})
}
