// Package signals implements the turtle signal pipeline: volatility (N),
// Donchian breakout detection, pyramid triggers, the proximity watcher and
// the per-cycle signal engine. All price math is decimal; the calculators
// are pure and do no I/O.
package signals

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInsufficientData is returned when a calculation needs more bars than
// the supplied history contains. Callers skip the stock for the cycle.
var ErrInsufficientData = errors.New("insufficient price history")

var hundred = decimal.NewFromInt(100)

// ATRResult carries the average true range and its percentage of the last
// close. The "N" of turtle terminology is exactly ATR.
type ATRResult struct {
	ATR        decimal.Decimal
	ATRPercent decimal.Decimal
}

// TrueRange computes max(H-L, |H-Cprev|, |L-Cprev|) for one bar.
func TrueRange(high, low, prevClose decimal.Decimal) decimal.Decimal {
	hl := high.Sub(low)
	hc := high.Sub(prevClose).Abs()
	lc := low.Sub(prevClose).Abs()

	tr := hl
	if hc.GreaterThan(tr) {
		tr = hc
	}
	if lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// CalculateATR returns the simple mean of the last period true ranges.
// Bar 0 has no true range, so period+1 bars are required.
func CalculateATR(highs, lows, closes []decimal.Decimal, period int) (ATRResult, error) {
	n := len(highs)
	if period <= 0 || n != len(lows) || n != len(closes) {
		return ATRResult{}, errors.New("mismatched or invalid OHLC series")
	}
	if n < period+1 {
		return ATRResult{}, ErrInsufficientData
	}

	sum := decimal.Zero
	for i := n - period; i < n; i++ {
		sum = sum.Add(TrueRange(highs[i], lows[i], closes[i-1]))
	}

	atr := sum.Div(decimal.NewFromInt(int64(period)))
	lastClose := closes[n-1]

	result := ATRResult{ATR: atr}
	if lastClose.IsPositive() {
		result.ATRPercent = atr.Div(lastClose).Mul(hundred)
	}
	return result, nil
}
