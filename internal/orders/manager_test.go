package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/broker"
)

func TestSlippage(t *testing.T) {
	maxPct := decimal.NewFromFloat(0.015)

	tests := []struct {
		name         string
		price, level int64
		wantExceeded bool
	}{
		{"within bounds", 51500, 51150, false},     // 0.68%
		{"exactly at level", 51150, 51150, false},  // 0%
		{"exceeded", 52000, 51150, true},           // 1.66%
		{"negative slippage ok", 51000, 51150, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, exceeded := Slippage(decimal.NewFromInt(tt.price), decimal.NewFromInt(tt.level), maxPct)
			if exceeded != tt.wantExceeded {
				t.Errorf("exceeded = %v, want %v", exceeded, tt.wantExceeded)
			}
		})
	}
}

func TestSlippageZeroLevelDisablesGuard(t *testing.T) {
	slip, exceeded := Slippage(decimal.NewFromInt(99999), decimal.Zero, decimal.NewFromFloat(0.015))
	if exceeded {
		t.Error("exceeded = true, want false with no level")
	}
	if !slip.IsZero() {
		t.Errorf("slip = %s, want 0", slip)
	}
}

// statusBroker serves canned order statuses on top of the paper broker.
type statusBroker struct {
	*broker.PaperBroker
	statuses []*broker.OrderStatus
	calls    int
}

func (s *statusBroker) GetOrderStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	if s.calls >= len(s.statuses) {
		return nil, context.DeadlineExceeded
	}
	st := s.statuses[s.calls]
	s.calls++
	return st, nil
}

func TestResolveFillPrice(t *testing.T) {
	fallback := decimal.NewFromInt(50000)

	b := &statusBroker{
		PaperBroker: broker.NewPaperBroker(decimal.Zero),
		statuses: []*broker.OrderStatus{
			{OrderID: "X", Status: "PENDING"},
			{OrderID: "X", Status: "FILLED", FilledPrice: decimal.NewFromInt(50120), FilledQuantity: 100},
		},
	}

	price, qty := ResolveFillPrice(context.Background(), b, "X", fallback, 3, time.Millisecond)
	if !price.Equal(decimal.NewFromInt(50120)) {
		t.Errorf("price = %s, want 50120", price)
	}
	if qty != 100 {
		t.Errorf("qty = %d, want 100", qty)
	}
}

func TestResolveFillPriceFallsBack(t *testing.T) {
	fallback := decimal.NewFromInt(50000)

	b := &statusBroker{PaperBroker: broker.NewPaperBroker(decimal.Zero)}
	price, qty := ResolveFillPrice(context.Background(), b, "X", fallback, 2, time.Millisecond)
	if !price.Equal(fallback) {
		t.Errorf("price = %s, want fallback %s", price, fallback)
	}
	if qty != 0 {
		t.Errorf("qty = %d, want 0 on fallback", qty)
	}
}

func TestRealizedPnL(t *testing.T) {
	pnl, pnlPct := RealizedPnL(decimal.NewFromInt(50000), decimal.NewFromInt(47000), 100)
	if !pnl.Equal(decimal.NewFromInt(-300000)) {
		t.Errorf("pnl = %s, want -300000", pnl)
	}
	// Fractional return, not a percentage.
	if !pnlPct.Equal(decimal.NewFromFloat(-0.06)) {
		t.Errorf("pnlPct = %s, want -0.06", pnlPct)
	}

	pnl, pnlPct = RealizedPnL(decimal.NewFromInt(50000), decimal.NewFromInt(55000), 200)
	if !pnl.Equal(decimal.NewFromInt(1000000)) {
		t.Errorf("pnl = %s, want 1000000", pnl)
	}
	if !pnlPct.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("pnlPct = %s, want 0.1", pnlPct)
	}
}
