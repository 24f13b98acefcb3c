package risk

import (
	"context"
	"fmt"

	"turtle-trading-bot/internal/database"
)

// UnitLimits holds the configurable unit caps.
type UnitLimits struct {
	MaxPerStock          int
	MaxCorrelated        int // sector-level cap
	MaxLooselyCorrelated int // market-level cap
	MaxTotal             int
}

// DefaultUnitLimits returns the classic turtle caps.
func DefaultUnitLimits() UnitLimits {
	return UnitLimits{MaxPerStock: 4, MaxCorrelated: 10, MaxLooselyCorrelated: 16, MaxTotal: 20}
}

// Rejection names which cap blocked a unit. Limit is one of
// "total", "per_stock", "sector", "market".
type Rejection struct {
	Limit   string
	Current int
	Max     int
}

func (r *Rejection) String() string {
	return fmt.Sprintf("unit limit %s reached (%d/%d)", r.Limit, r.Current, r.Max)
}

// UnitCounter is the store surface the limit manager reads.
// *database.Repository satisfies it.
type UnitCounter interface {
	CountOpenUnits(ctx context.Context) (int, error)
	CountOpenUnitsForStock(ctx context.Context, stockID int64) (int, error)
	CountOpenUnitsForSector(ctx context.Context, sector string) (int, error)
	CountOpenUnitsForMarket(ctx context.Context, market database.Market) (int, error)
}

var _ UnitCounter = (*database.Repository)(nil)

// UnitLimitManager enforces the unit caps against live position state.
// Each check re-reads the store, so sequential signal execution keeps the
// accounting exact.
type UnitLimitManager struct {
	limits  UnitLimits
	counter UnitCounter
}

// NewUnitLimitManager builds a manager.
func NewUnitLimitManager(limits UnitLimits, counter UnitCounter) *UnitLimitManager {
	return &UnitLimitManager{limits: limits, counter: counter}
}

// CanAddUnit checks the caps in order: total, per-stock, sector, then the
// loose market-level group. A nil Rejection means the unit is allowed.
// Positions in the same sector count as correlated; positions in the same
// market as loosely correlated.
func (m *UnitLimitManager) CanAddUnit(ctx context.Context, stockID int64, sector *string, market database.Market) (*Rejection, error) {
	total, err := m.counter.CountOpenUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("count total units: %w", err)
	}
	if total >= m.limits.MaxTotal {
		return &Rejection{Limit: "total", Current: total, Max: m.limits.MaxTotal}, nil
	}

	stockUnits, err := m.counter.CountOpenUnitsForStock(ctx, stockID)
	if err != nil {
		return nil, fmt.Errorf("count stock units: %w", err)
	}
	if stockUnits >= m.limits.MaxPerStock {
		return &Rejection{Limit: "per_stock", Current: stockUnits, Max: m.limits.MaxPerStock}, nil
	}

	if sector != nil && *sector != "" {
		sectorUnits, err := m.counter.CountOpenUnitsForSector(ctx, *sector)
		if err != nil {
			return nil, fmt.Errorf("count sector units: %w", err)
		}
		if sectorUnits >= m.limits.MaxCorrelated {
			return &Rejection{Limit: "sector", Current: sectorUnits, Max: m.limits.MaxCorrelated}, nil
		}
	}

	marketUnits, err := m.counter.CountOpenUnitsForMarket(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("count market units: %w", err)
	}
	if marketUnits >= m.limits.MaxLooselyCorrelated {
		return &Rejection{Limit: "market", Current: marketUnits, Max: m.limits.MaxLooselyCorrelated}, nil
	}

	return nil, nil
}

// Limits returns the configured caps.
func (m *UnitLimitManager) Limits() UnitLimits { return m.limits }
