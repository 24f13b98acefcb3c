// Command trading runs the turtle trading bot. Exit codes: 0 on a clean
// shutdown or completed --once pass, 1 on a fatal error, 130 on SIGINT or
// SIGTERM.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-trading-bot/config"
	"turtle-trading-bot/internal/bot"
	"turtle-trading-bot/internal/broker"
	"turtle-trading-bot/internal/cache"
	"turtle-trading-bot/internal/database"
	"turtle-trading-bot/internal/events"
	"turtle-trading-bot/internal/kis"
	"turtle-trading-bot/internal/logging"
	"turtle-trading-bot/internal/orders"
	"turtle-trading-bot/internal/risk"
	"turtle-trading-bot/internal/scheduler"
	"turtle-trading-bot/internal/signals"
)

const (
	exitOK          = 0
	exitFatal       = 1
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	marketFlag := flag.String("market", "krx", "market to trade: krx, us or both")
	once := flag.Bool("once", false, "run a single cycle and exit")
	logLevel := flag.String("log-level", "", "log level: DEBUG, INFO, WARNING, ERROR")
	configPath := flag.String("config", "config.json", "path to config file")
	dryRun := flag.Bool("dry-run", false, "force the paper broker regardless of config")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFatal
	}
	if *dryRun {
		cfg.BrokerConfig.Mode = "paper"
	}
	if *logLevel != "" {
		cfg.LoggingConfig.Level = *logLevel
	}

	log, err := logging.Setup(cfg.LoggingConfig.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return exitFatal
	}

	markets, err := parseMarkets(*marketFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}

	// Live mode is gated on an explicit confirmation, except for an
	// unattended --once dry run.
	if cfg.BrokerConfig.IsLive() && !(*once && *dryRun) {
		if !confirmLive() {
			log.Info().Msg("live trading not confirmed, exiting")
			return exitOK
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := false
	go func() {
		<-sigCh
		interrupted = true
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := runBot(ctx, cfg, markets, *once, log); err != nil {
		log.Error().Err(err).Msg("fatal error")
		return exitFatal
	}
	if interrupted {
		return exitInterrupted
	}
	return exitOK
}

func runBot(ctx context.Context, cfg *config.Config, markets []database.Market, once bool, log zerolog.Logger) error {
	db, err := database.NewDB(ctx, cfg.DatabaseConfig.URL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	repo := database.NewRepository(db)

	audit, err := logging.NewAuditLogger("logs")
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer audit.Close()

	bus := events.NewEventBus()

	redisAddr := ""
	if cfg.RedisConfig.Enabled {
		redisAddr = cfg.RedisConfig.Address
	}
	quotes := cache.NewQuoteCache(redisAddr, cfg.RedisConfig.Password, cfg.RedisConfig.DB, log)
	defer quotes.Close()

	brokers, err := buildBrokers(cfg, markets, quotes, log)
	if err != nil {
		return err
	}

	engine := signals.NewEngine(repo, signals.EngineConfig{
		Breakout: signals.BreakoutParams{
			S1Entry: cfg.TurtleConfig.System1EntryPeriod,
			S1Exit:  cfg.TurtleConfig.System1ExitPeriod,
			S2Entry: cfg.TurtleConfig.System2EntryPeriod,
			S2Exit:  cfg.TurtleConfig.System2ExitPeriod,
		},
		ATRPeriod:         cfg.TurtleConfig.ATRPeriod,
		PyramidInterval:   cfg.TurtleConfig.PyramidInterval(),
		MaxUnitsPerStock:  cfg.RiskConfig.MaxUnitsPerStock,
		MinCandidateScore: cfg.ScreenerConfig.MinCandidateScore,
	}, log)

	stops := risk.NewStopCalculator(cfg.RiskConfig.StopLossPctDecimal())
	sizer := risk.NewPositionSizer(cfg.RiskConfig.RiskPerTradeDecimal(), stops)
	limits := risk.NewUnitLimitManager(risk.UnitLimits{
		MaxPerStock:          cfg.RiskConfig.MaxUnitsPerStock,
		MaxCorrelated:        cfg.RiskConfig.MaxCorrelatedUnits,
		MaxLooselyCorrelated: cfg.RiskConfig.MaxLooseUnits,
		MaxTotal:             cfg.RiskConfig.MaxTotalUnits,
	}, repo)

	orderMgr := orders.NewManager(repo, limits, sizer, stops, orders.Config{
		MaxEntrySlippagePct: cfg.RiskConfig.MaxSlippagePctDecimal(),
	}, audit, bus, log)

	sched, err := scheduler.New(log)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	b := bot.New(cfg, repo, brokers, engine, orderMgr, sched, quotes, audit, bus, log)

	// Mirror key events into the main log.
	bus.Subscribe(events.EventDailyReport, func(ev events.Event) {
		if stats, ok := ev.Data["stats"].(string); ok {
			log.Info().Str("market", ev.Market).Msg(stats)
		}
	})

	if once {
		return b.RunOnce(ctx)
	}
	return b.Run(ctx)
}

func buildBrokers(cfg *config.Config, markets []database.Market, quotes *cache.QuoteCache, log zerolog.Logger) (map[database.Market]broker.Broker, error) {
	brokers := make(map[database.Market]broker.Broker, len(markets))
	for _, market := range markets {
		if cfg.BrokerConfig.IsLive() {
			client := kis.NewClient(kis.Credentials{
				AppKey:    cfg.BrokerConfig.Live.AppKey,
				AppSecret: cfg.BrokerConfig.Live.AppSecret,
				AccountNo: cfg.BrokerConfig.Live.AccountNo,
			}, false)
			brokers[market] = broker.NewLiveBroker(client, market, log)
			continue
		}

		// Paper mode prefers real paper-account quotes when credentials
		// are present, falling back to the quote cache otherwise.
		paper := broker.NewPaperBroker(cfg.BrokerConfig.PaperCashDecimal())
		if creds := cfg.BrokerConfig.Paper; creds.AppKey != "" {
			client := kis.NewClient(kis.Credentials{
				AppKey:    creds.AppKey,
				AppSecret: creds.AppSecret,
				AccountNo: creds.AccountNo,
			}, true)
			live := broker.NewLiveBroker(client, market, log)
			paper.SetPriceProvider(live.GetCurrentPrice)
		} else {
			market := market
			paper.SetPriceProvider(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
				if q, ok := quotes.Get(ctx, market, symbol); ok {
					return q.Price, nil
				}
				return decimal.Zero, fmt.Errorf("no cached quote for %s", symbol)
			})
		}
		brokers[market] = paper
	}
	return brokers, nil
}

func parseMarkets(flagValue string) ([]database.Market, error) {
	switch strings.ToLower(flagValue) {
	case "krx":
		return []database.Market{database.MarketKRX}, nil
	case "us":
		return []database.Market{database.MarketUS}, nil
	case "both":
		return []database.Market{database.MarketKRX, database.MarketUS}, nil
	default:
		return nil, fmt.Errorf("unknown market %q (want krx, us or both)", flagValue)
	}
}

// confirmLive requires the operator to type YES before live orders can
// flow.
func confirmLive() bool {
	fmt.Print("LIVE trading mode. Real orders will be placed. Type YES to continue: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == "YES"
}
