package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds means buying power cannot cover even one share.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Sizing is the sizer's output for one prospective unit.
type Sizing struct {
	Quantity     int64
	Stop         decimal.Decimal
	StopType     StopType
	RiskPerShare decimal.Decimal
	RequiredCash decimal.Decimal
	// Reduced is set when buying power forced the quantity down from the
	// risk-derived size.
	Reduced bool
}

// PositionSizer converts account value, entry price and volatility into a
// share quantity risking riskPerUnit of account on a move to the stop.
type PositionSizer struct {
	riskPerUnit decimal.Decimal // e.g. 0.02
	stops       *StopCalculator
}

// NewPositionSizer builds a sizer.
func NewPositionSizer(riskPerUnit decimal.Decimal, stops *StopCalculator) *PositionSizer {
	return &PositionSizer{riskPerUnit: riskPerUnit, stops: stops}
}

// Size computes the unit quantity:
//
//	q = floor(account * riskPerUnit / (entry - stop)), at least 1,
//
// then caps required cash at buying power, reducing q if needed. If even
// one share is unaffordable the entry is rejected with ErrInsufficientFunds.
func (s *PositionSizer) Size(accountValue, entry, n, buyingPower decimal.Decimal) (Sizing, error) {
	if !entry.IsPositive() {
		return Sizing{}, fmt.Errorf("invalid entry price %s", entry)
	}

	stop, stopType := s.stops.Initial(entry, n)
	riskPerShare := entry.Sub(stop)
	if !riskPerShare.IsPositive() {
		return Sizing{}, fmt.Errorf("non-positive risk per share at entry %s stop %s", entry, stop)
	}

	riskBudget := accountValue.Mul(s.riskPerUnit)
	qty := riskBudget.Div(riskPerShare).IntPart()
	if qty < 1 {
		qty = 1
	}

	sizing := Sizing{
		Quantity:     qty,
		Stop:         stop,
		StopType:     stopType,
		RiskPerShare: riskPerShare,
	}

	required := entry.Mul(decimal.NewFromInt(qty))
	if required.GreaterThan(buyingPower) {
		reduced := buyingPower.Div(entry).IntPart()
		if reduced < 1 {
			return Sizing{}, fmt.Errorf("%w: need %s for one share, have %s",
				ErrInsufficientFunds, entry, buyingPower)
		}
		sizing.Quantity = reduced
		sizing.Reduced = true
		required = entry.Mul(decimal.NewFromInt(reduced))
	}
	sizing.RequiredCash = required

	return sizing, nil
}
