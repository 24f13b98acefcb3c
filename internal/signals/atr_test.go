package signals

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestTrueRange(t *testing.T) {
	tests := []struct {
		name                 string
		high, low, prevClose int64
		want                 int64
	}{
		{"range dominates", 52000, 50000, 51000, 2000},
		{"gap up dominates", 55000, 54000, 50000, 5000},
		{"gap down dominates", 48000, 47000, 52000, 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TrueRange(d(tt.high), d(tt.low), d(tt.prevClose))
			if !got.Equal(d(tt.want)) {
				t.Errorf("TrueRange = %s, want %d", got, tt.want)
			}
		})
	}
}

func TestCalculateATR(t *testing.T) {
	// Three identical bars give a constant true range of 2000.
	highs := []decimal.Decimal{d(51000), d(51000), d(51000)}
	lows := []decimal.Decimal{d(49000), d(49000), d(49000)}
	closes := []decimal.Decimal{d(50000), d(50000), d(50000)}

	got, err := CalculateATR(highs, lows, closes, 2)
	if err != nil {
		t.Fatalf("CalculateATR: %v", err)
	}
	if !got.ATR.Equal(d(2000)) {
		t.Errorf("ATR = %s, want 2000", got.ATR)
	}
	if !got.ATRPercent.Equal(d(4)) {
		t.Errorf("ATRPercent = %s, want 4", got.ATRPercent)
	}
}

func TestCalculateATRMixedRanges(t *testing.T) {
	// TRs: bar1 max(3000, 2000, 1000)=3000, bar2 max(1000, 1000, 0)=1000.
	highs := []decimal.Decimal{d(51000), d(52000), d(52000)}
	lows := []decimal.Decimal{d(49000), d(49000), d(51000)}
	closes := []decimal.Decimal{d(50000), d(51000), d(51500)}

	got, err := CalculateATR(highs, lows, closes, 2)
	if err != nil {
		t.Fatalf("CalculateATR: %v", err)
	}
	if !got.ATR.Equal(d(2000)) {
		t.Errorf("ATR = %s, want 2000", got.ATR)
	}
}

func TestCalculateATRInsufficientData(t *testing.T) {
	highs := []decimal.Decimal{d(51000), d(51000)}
	lows := []decimal.Decimal{d(49000), d(49000)}
	closes := []decimal.Decimal{d(50000), d(50000)}

	// Period 20 needs 21 bars.
	_, err := CalculateATR(highs, lows, closes, 20)
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}
