package bot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-trading-bot/config"
	"turtle-trading-bot/internal/broker"
	"turtle-trading-bot/internal/cache"
	"turtle-trading-bot/internal/database"
	"turtle-trading-bot/internal/events"
	"turtle-trading-bot/internal/logging"
	"turtle-trading-bot/internal/signals"
)

// countingBroker records how often the bot reaches for the venue.
type countingBroker struct {
	priceCalls atomic.Int64
	orderCalls atomic.Int64
}

func (c *countingBroker) Connect(ctx context.Context) error    { return nil }
func (c *countingBroker) Disconnect(ctx context.Context) error { return nil }

func (c *countingBroker) GetBalance(ctx context.Context) (*broker.AccountBalance, error) {
	return &broker.AccountBalance{}, nil
}

func (c *countingBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	return nil, nil
}

func (c *countingBroker) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	return nil, nil
}

func (c *countingBroker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.priceCalls.Add(1)
	return decimal.NewFromInt(50000), nil
}

func (c *countingBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	c.orderCalls.Add(1)
	return &broker.OrderResult{Success: true, OrderID: "T1"}, nil
}

func (c *countingBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (c *countingBroker) GetOrderStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	return &broker.OrderStatus{OrderID: orderID, Status: "FILLED"}, nil
}

var _ broker.Broker = (*countingBroker)(nil)

func newTestBot(t *testing.T, br broker.Broker) *TradingBot {
	t.Helper()

	cfg := &config.Config{}
	cfg.BrokerConfig.Mode = "paper"
	cfg.TurtleConfig.ATRPeriod = 20
	cfg.RiskConfig.StopLossPct = 0.08
	cfg.ScheduleConfig = config.ScheduleConfig{CycleIntervalMinutes: 5, FastPollSeconds: 1, HeartbeatSeconds: 30}
	cfg.ScreenerConfig = config.ScreenerConfig{MinCandidateScore: 5, ProximityPct: 0.03}

	engine := signals.NewEngine(nil, signals.EngineConfig{
		Breakout:          signals.DefaultBreakoutParams(),
		ATRPeriod:         20,
		PyramidInterval:   decimal.NewFromFloat(0.5),
		MaxUnitsPerStock:  4,
		MinCandidateScore: 5,
	}, zerolog.Nop())

	audit, err := logging.NewAuditLogger(t.TempDir())
	if err != nil {
		t.Fatalf("audit logger: %v", err)
	}

	return New(cfg, nil,
		map[database.Market]broker.Broker{database.MarketKRX: br},
		engine, nil, nil,
		cache.NewQuoteCache("", "", 0, zerolog.Nop()),
		audit, events.NewEventBus(), zerolog.Nop())
}

func watchOneStock(b *TradingBot) *marketState {
	st := b.markets[database.MarketKRX]

	highs := make([]decimal.Decimal, 25)
	for i := range highs {
		highs[i] = decimal.NewFromInt(50000 + int64(i)*50)
	}
	st.watcher.Register(&signals.WatchedStock{
		StockID:   1,
		Symbol:    "005930",
		Market:    database.MarketKRX,
		Highs:     highs,
		N:         decimal.NewFromInt(1000),
		LastPrice: decimal.NewFromInt(50000),
		Targets: []signals.ProximityTarget{
			{System: signals.System1, BreakoutLevel: decimal.NewFromInt(51200)},
		},
	})
	return st
}

// Cancelling the run context must stop the fast-poll loop before its next
// broker call, even with stocks still on the watch list.
func TestFastPollLoopObservesShutdown(t *testing.T) {
	br := &countingBroker{}
	b := newTestBot(t, br)
	st := watchOneStock(b)

	runCtx, cancelRun := context.WithCancel(context.Background())
	b.runCtx = runCtx
	ctx, cancel := b.jobContext(time.Minute)
	defer cancel()

	done := make(chan struct{})
	go func() {
		b.fastPollLoop(ctx, database.MarketKRX, st, time.Now().Add(time.Minute))
		close(done)
	}()

	cancelRun()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast-poll loop still running after shutdown")
	}
	if n := br.priceCalls.Load(); n != 0 {
		t.Errorf("broker price calls after shutdown = %d, want 0", n)
	}
	if n := br.orderCalls.Load(); n != 0 {
		t.Errorf("broker order calls after shutdown = %d, want 0", n)
	}
}

func TestJobContextFollowsRunContext(t *testing.T) {
	b := newTestBot(t, &countingBroker{})

	// Without a run context the job context is a plain deadline context.
	ctx, cancel := b.jobContext(time.Minute)
	if ctx.Err() != nil {
		t.Errorf("fresh job context already done: %v", ctx.Err())
	}
	cancel()

	runCtx, cancelRun := context.WithCancel(context.Background())
	b.runCtx = runCtx
	cancelRun()

	ctx, cancel = b.jobContext(time.Minute)
	defer cancel()
	if ctx.Err() == nil {
		t.Error("expected a done job context after shutdown")
	}
}
