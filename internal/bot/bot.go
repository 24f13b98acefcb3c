// Package bot wires the signal engine, order manager, watcher and scheduler
// into the long-running trading process. One TradingBot drives one or both
// markets; each market gets its own broker session and watch set.
package bot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-trading-bot/config"
	"turtle-trading-bot/internal/broker"
	"turtle-trading-bot/internal/cache"
	"turtle-trading-bot/internal/database"
	"turtle-trading-bot/internal/events"
	"turtle-trading-bot/internal/logging"
	"turtle-trading-bot/internal/orders"
	"turtle-trading-bot/internal/portfolio"
	"turtle-trading-bot/internal/risk"
	"turtle-trading-bot/internal/scheduler"
	"turtle-trading-bot/internal/signals"
)

const quoteBatchSize = 20

// marketState is the per-market runtime the bot keeps.
type marketState struct {
	broker  broker.Broker
	watcher *signals.ProximityWatcher
	busy    atomic.Bool
}

// TradingBot is the orchestrator. Construct with New, then Run.
type TradingBot struct {
	cfg      *config.Config
	repo     *database.Repository
	engine   *signals.Engine
	orderMgr *orders.Manager
	pf       *portfolio.Manager
	tracker  *portfolio.Tracker
	stops    *risk.StopCalculator
	sched    *scheduler.Scheduler
	quotes   *cache.QuoteCache
	audit    *logging.AuditLogger
	bus      *events.EventBus
	log      zerolog.Logger

	markets map[database.Market]*marketState

	// runCtx is the process lifetime. Every scheduled job derives its
	// context from it, so cancelling it stops the cycle and fast-poll
	// loops before their next broker call.
	runCtx context.Context

	heartbeatFails int
	shutdown       context.CancelFunc
	wg             sync.WaitGroup
}

// jobContext derives a deadline-bound context for one scheduled job from
// the run context. After shutdown the returned context is already done.
func (b *TradingBot) jobContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	parent := b.runCtx
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, timeout)
}

// New assembles a bot for the given markets. Brokers are provided by the
// caller so live and paper wiring stays in main.
func New(
	cfg *config.Config,
	repo *database.Repository,
	brokers map[database.Market]broker.Broker,
	engine *signals.Engine,
	orderMgr *orders.Manager,
	sched *scheduler.Scheduler,
	quotes *cache.QuoteCache,
	audit *logging.AuditLogger,
	bus *events.EventBus,
	log zerolog.Logger,
) *TradingBot {
	b := &TradingBot{
		cfg:      cfg,
		repo:     repo,
		engine:   engine,
		orderMgr: orderMgr,
		pf:       portfolio.NewManager(repo, cfg.RiskConfig.MaxTotalUnits, log),
		tracker:  portfolio.NewTracker(repo),
		stops:    risk.NewStopCalculator(cfg.RiskConfig.StopLossPctDecimal()),
		sched:    sched,
		quotes:   quotes,
		audit:    audit,
		bus:      bus,
		log:      log.With().Str("component", "bot").Logger(),
		markets:  make(map[database.Market]*marketState, len(brokers)),
	}
	for market, br := range brokers {
		b.markets[market] = &marketState{
			broker:  br,
			watcher: signals.NewProximityWatcher(engine.Detector(), cfg.ScreenerConfig.ProximityPctDecimal()),
		}
	}
	return b
}

// Run starts the bot and blocks until ctx is cancelled or the heartbeat
// declares the process unhealthy.
func (b *TradingBot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.runCtx = ctx
	b.shutdown = cancel
	defer cancel()

	if err := b.start(ctx); err != nil {
		return err
	}

	b.bus.Publish(events.Event{Type: events.EventBotStarted, Data: map[string]any{
		"markets": b.marketList(),
		"mode":    b.cfg.BrokerConfig.Mode,
	}})
	b.audit.Event("bot_started").Str("mode", b.cfg.BrokerConfig.Mode).Send()

	<-ctx.Done()
	b.stop()
	return nil
}

func (b *TradingBot) start(ctx context.Context) error {
	for market, st := range b.markets {
		if err := st.broker.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s broker: %w", market, err)
		}
		if err := b.repo.UpsertTradingState(ctx, market, true); err != nil {
			return fmt.Errorf("init %s trading state: %w", market, err)
		}
	}

	if err := b.registerJobs(); err != nil {
		return err
	}
	b.sched.Start()

	b.wg.Add(1)
	go b.heartbeatLoop(ctx)

	b.log.Info().
		Strs("markets", b.marketList()).
		Str("mode", b.cfg.BrokerConfig.Mode).
		Msg("bot started")
	return nil
}

func (b *TradingBot) stop() {
	b.sched.Stop()
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for market, st := range b.markets {
		if err := st.broker.Disconnect(ctx); err != nil {
			b.log.Warn().Err(err).Str("market", string(market)).Msg("broker disconnect failed")
		}
		if err := b.repo.UpsertTradingState(ctx, market, false); err != nil {
			b.log.Warn().Err(err).Str("market", string(market)).Msg("trading state update failed")
		}
	}

	b.bus.Publish(events.Event{Type: events.EventBotStopped, Data: map[string]any{}})
	b.audit.Event("bot_stopped").Send()
	b.log.Info().Msg("bot stopped")
}

func (b *TradingBot) registerJobs() error {
	for market := range b.markets {
		market := market
		session := b.sched.Session(market)

		// Premarket prep 30 minutes before the open.
		preH, preM := minutesBefore(session.OpenHour, session.OpenMinute, 30)
		if err := b.sched.AddJob("premarket_"+string(market), market,
			scheduler.AtSpec(preH, preM), func() { b.runPremarket(market) }); err != nil {
			return err
		}

		// Realtime cycle during session hours.
		if err := b.sched.AddJob("realtime_"+string(market), market,
			scheduler.EverySpec(b.cfg.ScheduleConfig.CycleIntervalMinutes, session.OpenHour, session.CloseHour),
			func() { b.runCycleJob(market) }); err != nil {
			return err
		}

		// Stop-distance monitoring, offset inside the same window.
		if err := b.sched.AddJob("monitoring_"+string(market), market,
			scheduler.EverySpec(5, session.OpenHour, session.CloseHour),
			func() { b.runMonitoring(market) }); err != nil {
			return err
		}

		// Daily report 30 minutes after the close.
		postH, postM := minutesAfter(session.CloseHour, session.CloseMinute, 30)
		if err := b.sched.AddJob("report_"+string(market), market,
			scheduler.AtSpec(postH, postM), func() { b.runDailyReport(market) }); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce executes a single premarket, cycle and report pass per market,
// skipping the fast-poll loop. Used by the --once flag. Broker sessions
// and the trading_state rows are torn down on the way out, same as Run.
func (b *TradingBot) RunOnce(ctx context.Context) error {
	b.runCtx = ctx

	connected := make([]database.Market, 0, len(b.markets))
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, market := range connected {
			st := b.markets[market]
			if err := st.broker.Disconnect(cleanupCtx); err != nil {
				b.log.Warn().Err(err).Str("market", string(market)).Msg("broker disconnect failed")
			}
			if err := b.repo.UpsertTradingState(cleanupCtx, market, false); err != nil {
				b.log.Warn().Err(err).Str("market", string(market)).Msg("trading state update failed")
			}
		}
	}()

	for market, st := range b.markets {
		if err := st.broker.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s broker: %w", market, err)
		}
		connected = append(connected, market)
		if err := b.repo.UpsertTradingState(ctx, market, true); err != nil {
			return fmt.Errorf("init %s trading state: %w", market, err)
		}
	}
	for market := range b.markets {
		b.runPremarket(market)
		if err := b.RunCycle(ctx, market, false); err != nil {
			return err
		}
		b.runDailyReport(market)
	}
	return nil
}

func (b *TradingBot) runCycleJob(market database.Market) {
	ctx, cancel := b.jobContext(b.cfg.ScheduleConfig.CycleInterval())
	defer cancel()

	if !b.sched.IsMarketOpen(market, time.Now()) {
		return
	}
	if err := b.RunCycle(ctx, market, true); err != nil {
		b.log.Error().Err(err).Str("market", string(market)).Msg("cycle failed")
		b.bus.Publish(events.Event{Type: events.EventError, Market: string(market), Data: map[string]any{
			"error": err.Error(),
		}})
	}
}

// RunCycle runs one full realtime pass: quote refresh, signal evaluation,
// execution in exit, pyramid, entry order, watcher rebuild, and, when
// fastPoll is set, breakout polling until the next cycle boundary. A cycle
// already in flight for the market makes this a no-op.
func (b *TradingBot) RunCycle(ctx context.Context, market database.Market, fastPoll bool) error {
	st, ok := b.markets[market]
	if !ok {
		return fmt.Errorf("market %s not configured", market)
	}
	if !st.busy.CompareAndSwap(false, true) {
		b.log.Warn().Str("market", string(market)).Msg("cycle already running, skipping")
		return nil
	}
	defer st.busy.Store(false)

	state, err := b.repo.GetTradingState(ctx, market)
	if err == nil && state != nil && !state.IsActive {
		b.log.Info().Str("market", string(market)).Msg("trading disabled, cycle skipped")
		return nil
	}

	started := time.Now()

	positions, err := b.repo.GetOpenPositions(ctx, market)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	candidates, err := b.repo.GetCandidates(ctx, b.cfg.ScreenerConfig.MinCandidateScore, market)
	if err != nil {
		return fmt.Errorf("load candidates: %w", err)
	}

	quotes := b.fetchQuotes(ctx, market, st.broker, quoteTargets(positions, candidates))

	eval, err := b.engine.Evaluate(ctx, market, quotes)
	if err != nil {
		return fmt.Errorf("evaluate signals: %w", err)
	}

	executed := b.executeSignals(ctx, st.broker, eval)

	if err := b.rebuildWatcher(ctx, market, st, candidates, quotes); err != nil {
		b.log.Warn().Err(err).Str("market", string(market)).Msg("watcher rebuild failed")
	}

	b.audit.Event("cycle_summary").
		Str("market", string(market)).
		Int("open_positions", len(positions)).
		Int("candidates", len(candidates)).
		Int("exits", len(eval.Exits)).
		Int("pyramids", len(eval.Pyramids)).
		Int("entries", len(eval.Entries)).
		Int("executed", executed).
		Int("watched", st.watcher.Count()).
		Dur("elapsed", time.Since(started)).
		Send()
	b.bus.Publish(events.Event{Type: events.EventCycleCompleted, Market: string(market), Data: map[string]any{
		"signals":  len(eval.Exits) + len(eval.Pyramids) + len(eval.Entries),
		"executed": executed,
		"watched":  st.watcher.Count(),
	}})

	if fastPoll {
		deadline := started.Add(b.cfg.ScheduleConfig.CycleInterval() - 5*time.Second)
		b.fastPollLoop(ctx, market, st, deadline)
	}
	return nil
}

// executeSignals persists and executes an evaluation. Order matters: exits
// free units and cash that pyramids and entries may then consume.
func (b *TradingBot) executeSignals(ctx context.Context, br broker.Broker, eval *signals.Evaluation) int {
	executed := 0

	for i := range eval.Exits {
		sig := &eval.Exits[i]
		if err := b.persistSignal(ctx, sig); err != nil {
			b.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("signal insert failed")
			continue
		}
		res := b.orderMgr.ExecuteExit(ctx, br, *sig)
		if res.Success {
			executed++
			if sig.System == signals.System1 {
				b.engine.InvalidateS1(sig.StockID)
			}
		}
	}

	for i := range eval.Pyramids {
		sig := &eval.Pyramids[i]
		if err := b.persistSignal(ctx, sig); err != nil {
			b.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("signal insert failed")
			continue
		}
		if res := b.orderMgr.ExecutePyramid(ctx, br, *sig); res.Success {
			executed++
		}
	}

	for i := range eval.Entries {
		sig := &eval.Entries[i]
		if err := b.persistSignal(ctx, sig); err != nil {
			b.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("signal insert failed")
			continue
		}
		if res := b.orderMgr.ExecuteEntry(ctx, br, *sig); res.Success {
			executed++
		}
	}

	return executed
}

func (b *TradingBot) persistSignal(ctx context.Context, sig *signals.TurtleSignal) error {
	system := int(sig.System)
	row := &database.Signal{
		StockID:    sig.StockID,
		SignalType: string(sig.Type),
		System:     &system,
		Price:      sig.Price,
		ATRN:       &sig.ATR,
	}
	id, err := b.repo.InsertSignal(ctx, row)
	if err != nil {
		return err
	}
	sig.SignalID = id
	return nil
}

// rebuildWatcher replaces the watch set with candidates that are near a
// breakout but not yet held. Held stocks are managed by the cycle loop,
// not the fast poll.
func (b *TradingBot) rebuildWatcher(ctx context.Context, market database.Market, st *marketState, candidates []database.Candidate, quotes map[int64]decimal.Decimal) error {
	held := make(map[int64]bool)
	positions, err := b.repo.GetOpenPositions(ctx, market)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		held[pos.StockID] = true
	}

	st.watcher.Clear()
	for _, cand := range candidates {
		if held[cand.StockID] {
			continue
		}

		bars, err := b.repo.GetPeriod(ctx, cand.StockID, signals.EntryBarDepth)
		if err != nil || len(bars) < signals.MinEntryBars {
			continue
		}

		highs := make([]decimal.Decimal, len(bars))
		lows := make([]decimal.Decimal, len(bars))
		closes := make([]decimal.Decimal, len(bars))
		for i, bar := range bars {
			highs[i] = bar.High
			lows[i] = bar.Low
			closes[i] = bar.Close
		}

		atr, err := signals.CalculateATR(highs, lows, closes, b.cfg.TurtleConfig.ATRPeriod)
		if err != nil {
			continue
		}

		price, ok := quotes[cand.StockID]
		if !ok || !price.IsPositive() {
			price = closes[len(closes)-1]
		}

		prevWinner, err := b.engine.PreviousS1Winner(ctx, cand.StockID)
		if err != nil {
			prevWinner = true
		}

		targets := b.engine.Detector().ProximityTargets(price, highs, b.cfg.ScreenerConfig.ProximityPctDecimal(), prevWinner)
		if len(targets) == 0 {
			continue
		}

		st.watcher.Register(&signals.WatchedStock{
			StockID:          cand.StockID,
			Symbol:           cand.Symbol,
			Name:             cand.Name,
			Market:           market,
			Targets:          targets,
			Highs:            highs,
			Lows:             lows,
			Closes:           closes,
			N:                atr.ATR,
			PreviousS1Winner: prevWinner,
			LastPrice:        price,
		})
	}
	return nil
}

// fastPollLoop polls watched stocks at seconds granularity until the
// deadline, firing entries the moment a breakout crosses.
func (b *TradingBot) fastPollLoop(ctx context.Context, market database.Market, st *marketState, deadline time.Time) {
	if st.watcher.Count() == 0 {
		return
	}

	ticker := time.NewTicker(b.cfg.ScheduleConfig.FastPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.After(deadline) || st.watcher.Count() == 0 {
				return
			}
			b.pollWatched(ctx, market, st)
		}
	}
}

func (b *TradingBot) pollWatched(ctx context.Context, market database.Market, st *marketState) {
	for _, ws := range st.watcher.Watched() {
		price, err := st.broker.GetCurrentPrice(ctx, ws.Symbol)
		if err != nil {
			continue
		}
		b.quotes.Set(ctx, market, ws.Symbol, price)

		breakout := st.watcher.CheckBreakout(ws.StockID, price)
		if breakout == nil {
			continue
		}

		b.audit.Event("breakout_detected").
			Str("market", string(market)).
			Str("symbol", ws.Symbol).
			Str("signal", string(breakout.Type)).
			Str("price", price.String()).
			Str("breakout_level", breakout.BreakoutLevel.String()).
			Send()
		b.bus.Publish(events.Event{Type: events.EventBreakoutDetected, Market: string(market), Data: map[string]any{
			"symbol": ws.Symbol,
			"signal": string(breakout.Type),
			"price":  price.String(),
		}})

		sig := signals.TurtleSignal{
			StockID:       ws.StockID,
			Symbol:        ws.Symbol,
			Name:          ws.Name,
			Market:        market,
			Type:          breakout.Type,
			System:        breakout.System,
			Price:         price,
			ATR:           ws.N,
			BreakoutLevel: breakout.BreakoutLevel,
			Reason:        fmt.Sprintf("fast poll breakout above %s", breakout.BreakoutLevel.StringFixed(2)),
			Timestamp:     time.Now(),
		}
		if err := b.persistSignal(ctx, &sig); err != nil {
			b.log.Error().Err(err).Str("symbol", ws.Symbol).Msg("signal insert failed")
			continue
		}
		b.orderMgr.ExecuteEntry(ctx, st.broker, sig)
	}
}

// quoteTarget pairs a stock ID with its quote symbol.
type quoteTarget struct {
	stockID int64
	symbol  string
}

func quoteTargets(positions []database.Position, candidates []database.Candidate) []quoteTarget {
	seen := make(map[int64]bool)
	var targets []quoteTarget
	for _, pos := range positions {
		if !seen[pos.StockID] {
			seen[pos.StockID] = true
			targets = append(targets, quoteTarget{pos.StockID, pos.Symbol})
		}
	}
	for _, cand := range candidates {
		if !seen[cand.StockID] {
			seen[cand.StockID] = true
			targets = append(targets, quoteTarget{cand.StockID, cand.Symbol})
		}
	}
	return targets
}

// fetchQuotes pulls current prices in parallel batches. Failures degrade to
// the stocks' last closes downstream; a partial quote map is normal during
// venue outages.
func (b *TradingBot) fetchQuotes(ctx context.Context, market database.Market, br broker.Broker, targets []quoteTarget) map[int64]decimal.Decimal {
	quotes := make(map[int64]decimal.Decimal, len(targets))
	var mu sync.Mutex
	failed := 0

	for start := 0; start < len(targets); start += quoteBatchSize {
		end := start + quoteBatchSize
		if end > len(targets) {
			end = len(targets)
		}

		var wg sync.WaitGroup
		for _, t := range targets[start:end] {
			wg.Add(1)
			go func(t quoteTarget) {
				defer wg.Done()
				price, err := br.GetCurrentPrice(ctx, t.symbol)
				mu.Lock()
				defer mu.Unlock()
				if err != nil || !price.IsPositive() {
					failed++
					return
				}
				quotes[t.stockID] = price
			}(t)
		}
		wg.Wait()

		for _, t := range targets[start:end] {
			if price, ok := quotes[t.stockID]; ok {
				b.quotes.Set(ctx, market, t.symbol, price)
			}
		}
	}

	if failed > 0 {
		b.log.Warn().
			Str("market", string(market)).
			Int("failed_count", failed).
			Int("total_requested", len(targets)).
			Msg("quote fetch failures")
	}
	return quotes
}

// runPremarket verifies broker connectivity and refreshes caches ahead of
// the open.
func (b *TradingBot) runPremarket(market database.Market) {
	ctx, cancel := b.jobContext(time.Minute)
	defer cancel()

	st := b.markets[market]
	b.engine.InvalidateMeta()

	balance, err := st.broker.GetBalance(ctx)
	if err != nil {
		b.log.Error().Err(err).Str("market", string(market)).Msg("premarket balance check failed")
		return
	}

	candidates, err := b.repo.GetCandidates(ctx, b.cfg.ScreenerConfig.MinCandidateScore, market)
	if err != nil {
		b.log.Error().Err(err).Str("market", string(market)).Msg("premarket candidate load failed")
		return
	}

	b.audit.Event("premarket_check").
		Str("market", string(market)).
		Str("total_value", balance.TotalValue.StringFixed(0)).
		Str("buying_power", balance.BuyingPower.StringFixed(0)).
		Int("candidates", len(candidates)).
		Send()
	b.log.Info().
		Str("market", string(market)).
		Int("candidates", len(candidates)).
		Time("next_open", b.sched.NextMarketOpen(market, time.Now())).
		Msg("premarket check complete")
}

// runMonitoring logs positions trading near or through their stop. The
// realtime cycle performs the actual exits; this job is the independent
// safety read.
func (b *TradingBot) runMonitoring(market database.Market) {
	ctx, cancel := b.jobContext(time.Minute)
	defer cancel()

	if !b.sched.IsMarketOpen(market, time.Now()) {
		return
	}
	st := b.markets[market]

	positions, err := b.repo.GetOpenPositions(ctx, market)
	if err != nil || len(positions) == 0 {
		return
	}

	quotes := b.fetchQuotes(ctx, market, st.broker, quoteTargets(positions, nil))
	triggered, err := b.pf.CheckStopLosses(ctx, market, quotes)
	if err != nil {
		b.log.Error().Err(err).Str("market", string(market)).Msg("stop monitoring failed")
		return
	}
	for _, pos := range triggered {
		b.log.Warn().
			Str("market", string(market)).
			Str("symbol", pos.Symbol).
			Str("stop", pos.StopLossPrice.String()).
			Msg("position at or below stop, exit pending next cycle")
	}

	b.reportTighterStops(ctx, market, positions, quotes)
}

// reportTighterStops logs trailing and breakeven stop candidates for
// winners. Report only; the persisted stop stays the unified 2N stop, so
// the operator decides whether to tighten by hand.
func (b *TradingBot) reportTighterStops(ctx context.Context, market database.Market, positions []database.Position, quotes map[int64]decimal.Decimal) {
	for _, pos := range positions {
		bars, err := b.repo.GetPeriod(ctx, pos.StockID, signals.EntryBarDepth)
		if err != nil || len(bars) < b.cfg.TurtleConfig.ATRPeriod+1 {
			continue
		}

		highs := make([]decimal.Decimal, len(bars))
		lows := make([]decimal.Decimal, len(bars))
		closes := make([]decimal.Decimal, len(bars))
		for i, bar := range bars {
			highs[i] = bar.High
			lows[i] = bar.Low
			closes[i] = bar.Close
		}
		atr, err := signals.CalculateATR(highs, lows, closes, b.cfg.TurtleConfig.ATRPeriod)
		if err != nil {
			continue
		}

		highest := pos.EntryPrice
		for _, bar := range bars {
			if bar.TradeDate.Before(pos.EntryDate) {
				continue
			}
			if bar.High.GreaterThan(highest) {
				highest = bar.High
			}
		}

		candidate := b.stops.Tighten(pos.StopLossPrice, b.stops.Trailing(highest, atr.ATR))
		if quote, ok := quotes[pos.StockID]; ok {
			// A cushion of 2N over entry qualifies for a breakeven stop.
			if quote.Sub(pos.EntryPrice).GreaterThanOrEqual(atr.ATR.Mul(decimal.NewFromInt(2))) {
				candidate = b.stops.Tighten(candidate, b.stops.Breakeven(pos.EntryPrice))
			}
		}
		if candidate.GreaterThan(pos.StopLossPrice) {
			b.log.Info().
				Str("market", string(market)).
				Str("symbol", pos.Symbol).
				Str("current_stop", pos.StopLossPrice.String()).
				Str("candidate_stop", candidate.String()).
				Msg("tighter stop available")
		}
	}
}

// runDailyReport publishes the end-of-day portfolio summary and trade
// statistics.
func (b *TradingBot) runDailyReport(market database.Market) {
	ctx, cancel := b.jobContext(time.Minute)
	defer cancel()

	st := b.markets[market]
	summary, err := b.pf.Summary(ctx, market, st.broker)
	if err != nil {
		b.log.Error().Err(err).Str("market", string(market)).Msg("daily report summary failed")
		return
	}
	stats, err := b.tracker.Calculate(ctx, market, time.Time{})
	if err != nil {
		b.log.Error().Err(err).Str("market", string(market)).Msg("daily report stats failed")
		return
	}

	b.audit.Event("daily_report").
		Str("market", string(market)).
		Str("total_value", summary.TotalValue.StringFixed(0)).
		Str("unrealized_pnl", summary.TotalUnrealizedPnL.StringFixed(0)).
		Int("open_positions", summary.PositionCount).
		Int("units_used", summary.TotalUnits).
		Int("closed_trades", stats.TotalTrades).
		Str("win_rate", stats.WinRate.StringFixed(1)).
		Send()
	b.bus.Publish(events.Event{Type: events.EventDailyReport, Market: string(market), Data: map[string]any{
		"summary": portfolio.FormatSummary(summary),
		"stats":   portfolio.FormatStats(stats),
	}})
	b.log.Info().Str("market", string(market)).Msg(portfolio.FormatSummary(summary))
}

// heartbeatLoop updates the liveness row for every market. Sustained
// failures mean the database is gone, so the bot shuts itself down rather
// than trade blind.
func (b *TradingBot) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.ScheduleConfig.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failed := false
			for market := range b.markets {
				if err := b.repo.UpdateHeartbeat(ctx, market); err != nil {
					failed = true
					b.log.Warn().Err(err).Str("market", string(market)).Msg("heartbeat update failed")
				}
			}
			if failed {
				b.heartbeatFails++
			} else {
				b.heartbeatFails = 0
			}
			if b.heartbeatFails >= 5 {
				b.log.Error().Int("consecutive_failures", b.heartbeatFails).Msg("heartbeat lost, shutting down")
				b.shutdown()
				return
			}
		}
	}
}

func (b *TradingBot) marketList() []string {
	out := make([]string, 0, len(b.markets))
	for market := range b.markets {
		out = append(out, string(market))
	}
	return out
}

func minutesBefore(hour, minute, delta int) (int, int) {
	total := hour*60 + minute - delta
	return total / 60, total % 60
}

func minutesAfter(hour, minute, delta int) (int, int) {
	total := hour*60 + minute + delta
	return total / 60, total % 60
}
