package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func testSizer() *PositionSizer {
	stops := NewStopCalculator(decimal.NewFromFloat(0.08))
	return NewPositionSizer(decimal.NewFromFloat(0.02), stops)
}

func TestSizeRiskDerivedQuantity(t *testing.T) {
	sizer := testSizer()

	// A=100M, E=50000, N=1500: stop 47000 (2N), risk/share 3000,
	// q = floor(2_000_000 / 3000) = 666.
	got, err := sizer.Size(
		decimal.NewFromInt(100_000_000),
		decimal.NewFromInt(50_000),
		decimal.NewFromInt(1500),
		decimal.NewFromInt(100_000_000),
	)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if got.Quantity != 666 {
		t.Errorf("Quantity = %d, want 666", got.Quantity)
	}
	if !got.Stop.Equal(decimal.NewFromInt(47000)) {
		t.Errorf("Stop = %s, want 47000", got.Stop)
	}
	if got.StopType != StopType2N {
		t.Errorf("StopType = %s, want %s", got.StopType, StopType2N)
	}
	if !got.RiskPerShare.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("RiskPerShare = %s, want 3000", got.RiskPerShare)
	}
	if !got.RequiredCash.Equal(decimal.NewFromInt(33_300_000)) {
		t.Errorf("RequiredCash = %s, want 33300000", got.RequiredCash)
	}
	if got.Reduced {
		t.Error("Reduced = true, want false with ample buying power")
	}
}

func TestSizeReducedByBuyingPower(t *testing.T) {
	sizer := testSizer()

	// Risk-derived size of 666 needs 33.3M; only 10M is available, so the
	// quantity drops to floor(10M / 50000) = 200.
	got, err := sizer.Size(
		decimal.NewFromInt(100_000_000),
		decimal.NewFromInt(50_000),
		decimal.NewFromInt(1500),
		decimal.NewFromInt(10_000_000),
	)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if got.Quantity != 200 {
		t.Errorf("Quantity = %d, want 200", got.Quantity)
	}
	if !got.Reduced {
		t.Error("Reduced = false, want true")
	}
	if !got.RequiredCash.Equal(decimal.NewFromInt(10_000_000)) {
		t.Errorf("RequiredCash = %s, want 10000000", got.RequiredCash)
	}
}

func TestSizeMinimumOneShare(t *testing.T) {
	sizer := testSizer()

	// Tiny account: risk budget cannot cover a single share's risk, but one
	// share is still affordable, so the floor of 1 applies.
	got, err := sizer.Size(
		decimal.NewFromInt(100_000),
		decimal.NewFromInt(50_000),
		decimal.NewFromInt(1500),
		decimal.NewFromInt(60_000),
	)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if got.Quantity != 1 {
		t.Errorf("Quantity = %d, want 1", got.Quantity)
	}
}

func TestSizeInsufficientFunds(t *testing.T) {
	sizer := testSizer()

	_, err := sizer.Size(
		decimal.NewFromInt(100_000_000),
		decimal.NewFromInt(50_000),
		decimal.NewFromInt(1500),
		decimal.NewFromInt(40_000),
	)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}
