package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPaperBuyAveragesIn(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(decimal.NewFromInt(100_000_000))

	p.SetPrice("005930", decimal.NewFromInt(50_000))
	if _, err := BuyMarket(ctx, p, "005930", 100); err != nil {
		t.Fatalf("first buy: %v", err)
	}

	p.SetPrice("005930", decimal.NewFromInt(50_600))
	if _, err := BuyMarket(ctx, p, "005930", 100); err != nil {
		t.Fatalf("second buy: %v", err)
	}

	pos, err := p.GetPosition(ctx, "005930")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos == nil {
		t.Fatal("expected a position")
	}
	if pos.Quantity != 200 {
		t.Errorf("Quantity = %d, want 200", pos.Quantity)
	}
	if !pos.AvgPrice.Equal(decimal.NewFromInt(50_300)) {
		t.Errorf("AvgPrice = %s, want 50300", pos.AvgPrice)
	}

	balance, err := p.GetBalance(ctx)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	wantCash := decimal.NewFromInt(100_000_000 - 50_000*100 - 50_600*100)
	if !balance.CashBalance.Equal(wantCash) {
		t.Errorf("CashBalance = %s, want %s", balance.CashBalance, wantCash)
	}
}

func TestPaperSellShrinksAndCloses(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(decimal.NewFromInt(100_000_000))
	p.SetPrice("AAPL", decimal.NewFromInt(200))

	if _, err := BuyMarket(ctx, p, "AAPL", 100); err != nil {
		t.Fatalf("buy: %v", err)
	}

	p.SetPrice("AAPL", decimal.NewFromInt(220))
	if _, err := SellMarket(ctx, p, "AAPL", 40); err != nil {
		t.Fatalf("partial sell: %v", err)
	}

	pos, _ := p.GetPosition(ctx, "AAPL")
	if pos == nil || pos.Quantity != 60 {
		t.Fatalf("expected 60 shares after partial sell, got %+v", pos)
	}

	if _, err := SellMarket(ctx, p, "AAPL", 60); err != nil {
		t.Fatalf("closing sell: %v", err)
	}
	pos, _ = p.GetPosition(ctx, "AAPL")
	if pos != nil {
		t.Errorf("expected position closed, got %+v", pos)
	}

	balance, _ := p.GetBalance(ctx)
	wantCash := decimal.NewFromInt(100_000_000 - 200*100 + 220*100)
	if !balance.CashBalance.Equal(wantCash) {
		t.Errorf("CashBalance = %s, want %s", balance.CashBalance, wantCash)
	}
}

func TestPaperBuyInsufficientCash(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(decimal.NewFromInt(1_000_000))
	p.SetPrice("005930", decimal.NewFromInt(50_000))

	_, err := BuyMarket(ctx, p, "005930", 100)
	if !errors.Is(err, ErrInsufficientCash) {
		t.Errorf("expected ErrInsufficientCash, got %v", err)
	}
}

func TestPaperSellWithoutHolding(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(decimal.Zero)
	p.SetPrice("AAPL", decimal.NewFromInt(200))

	if _, err := SellMarket(ctx, p, "AAPL", 10); err == nil {
		t.Error("expected an error selling a stock not held")
	}
}

func TestPaperUnknownPrice(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(decimal.Zero)

	_, err := BuyMarket(ctx, p, "NOQUOTE", 1)
	if !errors.Is(err, ErrUnknownPrice) {
		t.Errorf("expected ErrUnknownPrice, got %v", err)
	}
}

func TestPaperPriceProviderPreferred(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(decimal.NewFromInt(10_000_000))

	p.SetPrice("035420", decimal.NewFromInt(100_000))
	p.SetPriceProvider(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.NewFromInt(123_000), nil
	})

	price, err := p.GetCurrentPrice(ctx, "035420")
	if err != nil {
		t.Fatalf("GetCurrentPrice: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(123_000)) {
		t.Errorf("price = %s, want provider value 123000", price)
	}
}

func TestPaperOrderStatus(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(decimal.NewFromInt(10_000_000))
	p.SetPrice("005930", decimal.NewFromInt(50_000))

	ack, err := BuyMarket(ctx, p, "005930", 10)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !ack.Success || ack.OrderID == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	status, err := p.GetOrderStatus(ctx, ack.OrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if status.Status != "FILLED" {
		t.Errorf("Status = %s, want FILLED", status.Status)
	}
	if status.FilledQuantity != 10 {
		t.Errorf("FilledQuantity = %d, want 10", status.FilledQuantity)
	}
	if !status.FilledPrice.Equal(decimal.NewFromInt(50_000)) {
		t.Errorf("FilledPrice = %s, want 50000", status.FilledPrice)
	}
}
