package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnknownPrice means the paper broker has no price source for a symbol.
var ErrUnknownPrice = errors.New("no price available for symbol")

// ErrInsufficientCash means a paper buy exceeds the simulated cash balance.
var ErrInsufficientCash = errors.New("insufficient paper cash")

// PriceFunc supplies live quotes to the paper broker. Optional; last-set
// prices are used when absent.
type PriceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

// DefaultPaperCash seeds the simulated account when no initial cash is
// configured (KRW account convention).
var DefaultPaperCash = decimal.NewFromInt(100_000_000)

type paperOrder struct {
	id       string
	symbol   string
	side     OrderSide
	quantity int64
	price    decimal.Decimal
	status   string
	placedAt time.Time
}

// PaperBroker simulates a brokerage entirely in process: a mutable cash
// balance, a position map and a synthetic order book. Every order fills
// immediately at the resolved price and mutates state atomically under one
// lock.
type PaperBroker struct {
	mu         sync.RWMutex
	cash       decimal.Decimal
	positions  map[string]*Position
	orders     map[string]*paperOrder
	lastPrices map[string]decimal.Decimal
	priceFn    PriceFunc
	connected  bool
}

var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates a paper broker seeded with initialCash; a zero
// value falls back to DefaultPaperCash.
func NewPaperBroker(initialCash decimal.Decimal) *PaperBroker {
	if !initialCash.IsPositive() {
		initialCash = DefaultPaperCash
	}
	return &PaperBroker{
		cash:       initialCash,
		positions:  map[string]*Position{},
		orders:     map[string]*paperOrder{},
		lastPrices: map[string]decimal.Decimal{},
	}
}

// SetPriceProvider installs a live quote source.
func (p *PaperBroker) SetPriceProvider(fn PriceFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceFn = fn
}

// SetPrice records a last-known price for a symbol.
func (p *PaperBroker) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPrices[symbol] = price
}

func (p *PaperBroker) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *PaperBroker) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// resolvePrice resolves a quote: injected provider first, then the last
// recorded price. Callers must not hold the lock (the provider may block).
func (p *PaperBroker) resolvePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.RLock()
	fn := p.priceFn
	last, hasLast := p.lastPrices[symbol]
	p.mu.RUnlock()

	if fn != nil {
		price, err := fn(ctx, symbol)
		if err == nil && price.IsPositive() {
			return price, nil
		}
	}
	if hasLast && last.IsPositive() {
		return last, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownPrice, symbol)
}

func (p *PaperBroker) GetBalance(ctx context.Context) (*AccountBalance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	securities := decimal.Zero
	for _, pos := range p.positions {
		price := pos.CurrentPrice
		if !price.IsPositive() {
			price = pos.AvgPrice
		}
		securities = securities.Add(price.Mul(decimal.NewFromInt(pos.Quantity)))
	}

	return &AccountBalance{
		TotalValue:      p.cash.Add(securities),
		CashBalance:     p.cash,
		SecuritiesValue: securities,
		BuyingPower:     p.cash,
	}, nil
}

func (p *PaperBroker) GetPositions(ctx context.Context) ([]Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *PaperBroker) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (p *PaperBroker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return p.resolvePrice(ctx, symbol)
}

// PlaceOrder fills immediately at the resolved price. Buys debit cash and
// average into the position; sells credit cash and shrink or close it.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %d", req.Quantity)
	}

	price := req.Price
	if req.Method == MethodMarket || !price.IsPositive() {
		resolved, err := p.resolvePrice(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
		price = resolved
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	qty := decimal.NewFromInt(req.Quantity)
	cost := price.Mul(qty)

	switch req.Side {
	case SideBuy:
		if cost.GreaterThan(p.cash) {
			return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, cost, p.cash)
		}
		p.cash = p.cash.Sub(cost)

		if pos, ok := p.positions[req.Symbol]; ok {
			oldQty := decimal.NewFromInt(pos.Quantity)
			newQty := pos.Quantity + req.Quantity
			pos.AvgPrice = pos.AvgPrice.Mul(oldQty).Add(cost).Div(decimal.NewFromInt(newQty))
			pos.Quantity = newQty
			pos.CurrentPrice = price
		} else {
			p.positions[req.Symbol] = &Position{
				Symbol:       req.Symbol,
				Quantity:     req.Quantity,
				AvgPrice:     price,
				CurrentPrice: price,
			}
		}

	case SideSell:
		pos, ok := p.positions[req.Symbol]
		if !ok || pos.Quantity < req.Quantity {
			return nil, fmt.Errorf("insufficient paper holdings of %s", req.Symbol)
		}
		p.cash = p.cash.Add(cost)
		pos.Quantity -= req.Quantity
		pos.CurrentPrice = price
		if pos.Quantity == 0 {
			delete(p.positions, req.Symbol)
		}

	default:
		return nil, fmt.Errorf("unknown order side %q", req.Side)
	}

	p.lastPrices[req.Symbol] = price

	order := &paperOrder{
		id:       "PAPER-" + uuid.NewString(),
		symbol:   req.Symbol,
		side:     req.Side,
		quantity: req.Quantity,
		price:    price,
		status:   "FILLED",
		placedAt: time.Now(),
	}
	p.orders[order.id] = order

	raw, _ := json.Marshal(map[string]any{
		"order_id": order.id,
		"symbol":   req.Symbol,
		"side":     req.Side,
		"quantity": req.Quantity,
		"price":    price,
		"status":   order.status,
	})

	return &OrderResult{
		Success: true,
		OrderID: order.id,
		Message: "paper fill",
		Raw:     raw,
	}, nil
}

func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown paper order %s", orderID)
	}
	// Paper orders fill synchronously, so there is never anything to cancel.
	if order.status == "FILLED" {
		return errors.New("order already filled")
	}
	order.status = "CANCELLED"
	return nil
}

func (p *PaperBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown paper order %s", orderID)
	}
	return &OrderStatus{
		OrderID:        order.id,
		Status:         order.status,
		FilledQuantity: order.quantity,
		FilledPrice:    order.price,
	}, nil
}
