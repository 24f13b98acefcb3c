package signals

import (
	"sync"

	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/database"
)

// WatchedStock is the per-stock snapshot the fast-poll loop works from.
// History covers complete daily bars; live prices are appended on top when
// checking for a breakout.
type WatchedStock struct {
	StockID          int64
	Symbol           string
	Name             string
	Market           database.Market
	Targets          []ProximityTarget
	Highs            []decimal.Decimal
	Lows             []decimal.Decimal
	Closes           []decimal.Decimal
	N                decimal.Decimal
	PreviousS1Winner bool
	LastPrice        decimal.Decimal
}

// ProximityWatcher holds the set of near-breakout stocks. The orchestrator
// rebuilds it each cycle from the fresh candidate list and fast-polls the
// members at seconds granularity.
type ProximityWatcher struct {
	mu           sync.RWMutex
	detector     *BreakoutDetector
	proximityPct decimal.Decimal
	watched      map[int64]*WatchedStock
}

// NewProximityWatcher builds an empty watcher. proximityPct is a fraction.
func NewProximityWatcher(detector *BreakoutDetector, proximityPct decimal.Decimal) *ProximityWatcher {
	return &ProximityWatcher{
		detector:     detector,
		proximityPct: proximityPct,
		watched:      map[int64]*WatchedStock{},
	}
}

// Register adds or replaces a watched stock. Idempotent by StockID.
func (w *ProximityWatcher) Register(ws *WatchedStock) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[ws.StockID] = ws
}

// Unregister removes a stock from the watch set.
func (w *ProximityWatcher) Unregister(stockID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, stockID)
}

// UpdatePrice records the latest observed quote for a watched stock.
func (w *ProximityWatcher) UpdatePrice(stockID int64, price decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ws, ok := w.watched[stockID]; ok {
		ws.LastPrice = price
	}
}

// Watched returns a snapshot of the current watch set.
func (w *ProximityWatcher) Watched() []*WatchedStock {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*WatchedStock, 0, len(w.watched))
	for _, ws := range w.watched {
		out = append(out, ws)
	}
	return out
}

// Count returns the number of watched stocks.
func (w *ProximityWatcher) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.watched)
}

// Clear drops the entire watch set, ahead of a rebuild.
func (w *ProximityWatcher) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = map[int64]*WatchedStock{}
}

// CheckBreakout re-runs the detector with the live price appended to the
// stored history. On a positive entry the stock is auto-unregistered and
// the breakout returned. If the price has moved away so that no target
// remains within the proximity threshold, the stock is evicted silently.
func (w *ProximityWatcher) CheckBreakout(stockID int64, price decimal.Decimal) *Breakout {
	w.mu.Lock()
	defer w.mu.Unlock()

	ws, ok := w.watched[stockID]
	if !ok {
		return nil
	}
	ws.LastPrice = price

	series := make([]decimal.Decimal, 0, len(ws.Highs)+1)
	series = append(series, ws.Highs...)
	series = append(series, price)

	if breakout := w.detector.CheckEntry(price, series, ws.PreviousS1Winner); breakout != nil {
		delete(w.watched, stockID)
		return breakout
	}

	targets := w.detector.ProximityTargets(price, series, w.proximityPct, ws.PreviousS1Winner)
	if len(targets) == 0 {
		delete(w.watched, stockID)
		return nil
	}
	ws.Targets = targets
	return nil
}
