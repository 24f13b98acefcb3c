package signals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/database"
)

// History depths per evaluation. Entries need the System-2 window (55) plus
// an ATR warmup buffer; exits and pyramids only need the exit windows.
const (
	positionBarDepth = 25

	// EntryBarDepth and MinEntryBars are shared with the watcher rebuild:
	// a candidate needs at least the System-2 window plus one bar.
	EntryBarDepth = 60
	MinEntryBars  = 56
)

// Store is the read surface the engine needs. *database.Repository
// satisfies it.
type Store interface {
	GetOpenPositions(ctx context.Context, market database.Market) ([]database.Position, error)
	GetPeriod(ctx context.Context, stockID int64, nDays int) ([]database.DailyPrice, error)
	GetCandidates(ctx context.Context, minScore int, market database.Market) ([]database.Candidate, error)
	GetStockByID(ctx context.Context, id int64) (*database.Stock, error)
	GetLastClosedSystem1Position(ctx context.Context, stockID int64) (*database.Position, error)
}

var _ Store = (*database.Repository)(nil)

// TurtleSignal is one actionable signal, tagged by Type. The order manager
// dispatches on the type; SignalID links back to the persisted signal row.
type TurtleSignal struct {
	SignalID int64
	StockID  int64
	Symbol   string
	Name     string
	Market   database.Market

	Type   SignalType
	System System
	Price  decimal.Decimal
	ATR    decimal.Decimal

	// Entry fields
	BreakoutLevel decimal.Decimal

	// Pyramid fields
	NextEntry decimal.Decimal
	NewStop   decimal.Decimal

	// Exit fields
	PositionID int64
	Quantity   int64

	Reason    string
	Timestamp time.Time
}

// Evaluation is one cycle's output. Callers must execute the lists in
// order: exits, then pyramids, then entries.
type Evaluation struct {
	Exits    []TurtleSignal
	Pyramids []TurtleSignal
	Entries  []TurtleSignal
}

type stockMeta struct {
	symbol string
	name   string
	market database.Market
}

// EngineConfig carries the tunables the engine needs.
type EngineConfig struct {
	Breakout          BreakoutParams
	ATRPeriod         int
	PyramidInterval   decimal.Decimal
	MaxUnitsPerStock  int
	MinCandidateScore int
}

// Engine evaluates exit, pyramid and entry signals for one market per
// invocation. It keeps a small stock metadata cache and the per-stock
// System-1 winner state.
type Engine struct {
	store    Store
	detector *BreakoutDetector
	pyramid  *PyramidCalculator
	cfg      EngineConfig
	log      zerolog.Logger

	mu        sync.RWMutex
	metaCache map[int64]stockMeta
	s1Winner  map[int64]bool
}

// NewEngine builds a signal engine.
func NewEngine(store Store, cfg EngineConfig, log zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		detector:  NewBreakoutDetector(cfg.Breakout),
		pyramid:   NewPyramidCalculator(cfg.PyramidInterval, cfg.MaxUnitsPerStock),
		cfg:       cfg,
		log:       log.With().Str("component", "turtle_engine").Logger(),
		metaCache: map[int64]stockMeta{},
		s1Winner:  map[int64]bool{},
	}
}

// Detector exposes the shared breakout detector (the watcher rebuild uses
// the same windows).
func (e *Engine) Detector() *BreakoutDetector { return e.detector }

// Evaluate runs one pass for a market. quotes maps stock ID to the latest
// real-time price; stocks without a quote fall back to their last close.
// Database errors abort the evaluation; per-stock calculation problems are
// logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, market database.Market, quotes map[int64]decimal.Decimal) (*Evaluation, error) {
	positions, err := e.store.GetOpenPositions(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}

	eval := &Evaluation{}
	exiting := map[int64]bool{}
	holding := map[int64]bool{}

	// Pass 1: exits. At most one exit signal per position; a position with
	// an exit signal is not considered for pyramiding this cycle.
	for i := range positions {
		pos := &positions[i]
		holding[pos.StockID] = true

		sig, err := e.evaluateExit(ctx, pos, quotes)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("exit evaluation skipped")
			continue
		}
		if sig != nil {
			eval.Exits = append(eval.Exits, *sig)
			exiting[pos.ID] = true
		}
	}

	// Pass 2: pyramids.
	for i := range positions {
		pos := &positions[i]
		if exiting[pos.ID] {
			continue
		}
		sig, err := e.evaluatePyramid(ctx, pos, quotes)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("pyramid evaluation skipped")
			continue
		}
		if sig != nil {
			eval.Pyramids = append(eval.Pyramids, *sig)
		}
	}

	// Pass 3: entries over today's candidates without an open position.
	candidates, err := e.store.GetCandidates(ctx, e.cfg.MinCandidateScore, market)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	for _, cand := range candidates {
		if holding[cand.StockID] {
			continue
		}
		sig, err := e.evaluateEntry(ctx, cand, quotes)
		if err != nil {
			if !errors.Is(err, ErrInsufficientData) {
				e.log.Warn().Err(err).Str("symbol", cand.Symbol).Msg("entry evaluation skipped")
			}
			continue
		}
		if sig != nil {
			eval.Entries = append(eval.Entries, *sig)
		}
	}

	return eval, nil
}

func (e *Engine) evaluateExit(ctx context.Context, pos *database.Position, quotes map[int64]decimal.Decimal) (*TurtleSignal, error) {
	bars, err := e.store.GetPeriod(ctx, pos.StockID, positionBarDepth)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, ErrInsufficientData
	}

	price := currentPrice(pos.StockID, bars, quotes)

	base := TurtleSignal{
		StockID:    pos.StockID,
		Symbol:     pos.Symbol,
		Name:       pos.Name,
		Market:     pos.Market,
		System:     System(pos.EntrySystem),
		Price:      price,
		PositionID: pos.ID,
		Quantity:   pos.Quantity,
		Timestamp:  time.Now(),
	}

	// Stop-loss first; it preempts the channel exit.
	if price.LessThanOrEqual(pos.StopLossPrice) {
		base.Type = SignalStopLoss
		base.Reason = fmt.Sprintf("price %s at or below stop %s", price, pos.StopLossPrice)
		return &base, nil
	}

	lows := extractLows(bars)
	if breakout := e.detector.CheckExit(price, lows, System(pos.EntrySystem)); breakout != nil {
		base.Type = breakout.Type
		base.BreakoutLevel = breakout.BreakoutLevel
		base.Reason = fmt.Sprintf("price %s below %d-day channel low %s",
			price, exitPeriod(e.cfg.Breakout, System(pos.EntrySystem)), breakout.BreakoutLevel)
		return &base, nil
	}
	return nil, nil
}

func (e *Engine) evaluatePyramid(ctx context.Context, pos *database.Position, quotes map[int64]decimal.Decimal) (*TurtleSignal, error) {
	bars, err := e.store.GetPeriod(ctx, pos.StockID, positionBarDepth)
	if err != nil {
		return nil, err
	}

	atr, err := CalculateATR(extractHighs(bars), extractLows(bars), extractCloses(bars), e.cfg.ATRPeriod)
	if err != nil {
		return nil, err
	}

	price := currentPrice(pos.StockID, bars, quotes)
	pyr := e.pyramid.Check(pos.EntryPrice, atr.ATR, price, pos.Units)
	if pyr == nil {
		return nil, nil
	}

	return &TurtleSignal{
		StockID:       pos.StockID,
		Symbol:        pos.Symbol,
		Name:          pos.Name,
		Market:        pos.Market,
		Type:          SignalPyramid,
		System:        System(pos.EntrySystem),
		Price:         price,
		ATR:           atr.ATR,
		BreakoutLevel: pyr.NextEntry,
		NextEntry:     pyr.NextEntry,
		NewStop:       pyr.NewStop,
		PositionID:    pos.ID,
		Reason:        fmt.Sprintf("price %s reached pyramid trigger %s (unit %d)", price, pyr.NextEntry, pos.Units+1),
		Timestamp:     time.Now(),
	}, nil
}

func (e *Engine) evaluateEntry(ctx context.Context, cand database.Candidate, quotes map[int64]decimal.Decimal) (*TurtleSignal, error) {
	bars, err := e.store.GetPeriod(ctx, cand.StockID, EntryBarDepth)
	if err != nil {
		return nil, err
	}
	if len(bars) < e.cfg.ATRPeriod+1 {
		return nil, ErrInsufficientData
	}

	highs := extractHighs(bars)
	atr, err := CalculateATR(highs, extractLows(bars), extractCloses(bars), e.cfg.ATRPeriod)
	if err != nil {
		return nil, err
	}

	price := currentPrice(cand.StockID, bars, quotes)
	winner, err := e.PreviousS1Winner(ctx, cand.StockID)
	if err != nil {
		return nil, err
	}

	breakout := e.detector.CheckEntry(price, highs, winner)
	if breakout == nil {
		return nil, nil
	}

	return &TurtleSignal{
		StockID:       cand.StockID,
		Symbol:        cand.Symbol,
		Name:          cand.Name,
		Market:        cand.Market,
		Type:          breakout.Type,
		System:        breakout.System,
		Price:         price,
		ATR:           atr.ATR,
		BreakoutLevel: breakout.BreakoutLevel,
		Reason:        fmt.Sprintf("price %s broke %s channel high %s", price, breakout.Type, breakout.BreakoutLevel),
		Timestamp:     time.Now(),
	}, nil
}

// PreviousS1Winner reports whether the stock's last closed System-1 trade
// was profitable. With no history it defaults to true, which suppresses
// System-1 entries until a losing System-1 trade is observed. The value is
// cached per stock; InvalidateS1 drops the cache entry after a close.
func (e *Engine) PreviousS1Winner(ctx context.Context, stockID int64) (bool, error) {
	e.mu.RLock()
	winner, ok := e.s1Winner[stockID]
	e.mu.RUnlock()
	if ok {
		return winner, nil
	}

	last, err := e.store.GetLastClosedSystem1Position(ctx, stockID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		winner = true
	case err != nil:
		return false, err
	case last.PnL != nil:
		winner = last.PnL.IsPositive()
	default:
		winner = true
	}

	e.mu.Lock()
	e.s1Winner[stockID] = winner
	e.mu.Unlock()
	return winner, nil
}

// InvalidateS1 drops the cached System-1 winner state for a stock. Called
// after a System-1 position closes so the next lookup re-reads the store.
func (e *Engine) InvalidateS1(stockID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.s1Winner, stockID)
}

// InvalidateMeta flushes the stock metadata cache. Needed only when stock
// metadata is re-ingested.
func (e *Engine) InvalidateMeta() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metaCache = map[int64]stockMeta{}
}

// StockMeta resolves symbol and name for a stock through the cache.
func (e *Engine) StockMeta(ctx context.Context, stockID int64) (symbol, name string, market database.Market, err error) {
	e.mu.RLock()
	meta, ok := e.metaCache[stockID]
	e.mu.RUnlock()
	if ok {
		return meta.symbol, meta.name, meta.market, nil
	}

	stock, err := e.store.GetStockByID(ctx, stockID)
	if err != nil {
		return "", "", "", err
	}

	e.mu.Lock()
	e.metaCache[stockID] = stockMeta{symbol: stock.Symbol, name: stock.Name, market: stock.Market}
	e.mu.Unlock()
	return stock.Symbol, stock.Name, stock.Market, nil
}

// ============================================================
// Helpers
// ============================================================

func currentPrice(stockID int64, bars []database.DailyPrice, quotes map[int64]decimal.Decimal) decimal.Decimal {
	if p, ok := quotes[stockID]; ok && p.IsPositive() {
		return p
	}
	return bars[len(bars)-1].Close
}

func exitPeriod(params BreakoutParams, system System) int {
	if system == System2 {
		return params.S2Exit
	}
	return params.S1Exit
}

func extractHighs(bars []database.DailyPrice) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

func extractLows(bars []database.DailyPrice) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

func extractCloses(bars []database.DailyPrice) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
