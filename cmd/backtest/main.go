// Command backtest replays the turtle system over stored daily bars and
// prints the performance report.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"turtle-trading-bot/config"
	"turtle-trading-bot/internal/backtest"
	"turtle-trading-bot/internal/database"
	"turtle-trading-bot/internal/logging"
	"turtle-trading-bot/internal/signals"
)

func main() {
	os.Exit(run())
}

func run() int {
	marketFlag := flag.String("market", "krx", "market to replay: krx or us")
	startFlag := flag.String("start", "", "start date (YYYY-MM-DD)")
	endFlag := flag.String("end", "", "end date (YYYY-MM-DD, default today)")
	capitalFlag := flag.Float64("capital", 100_000_000, "initial capital")
	commissionFlag := flag.Float64("commission", 0.00015, "commission per side as a fraction")
	logLevel := flag.String("log-level", "WARNING", "log level")
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	log, err := logging.Setup(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 1
	}

	var market database.Market
	switch strings.ToLower(*marketFlag) {
	case "krx":
		market = database.MarketKRX
	case "us":
		market = database.MarketUS
	default:
		fmt.Fprintf(os.Stderr, "unknown market %q (want krx or us)\n", *marketFlag)
		return 1
	}

	if *startFlag == "" {
		fmt.Fprintln(os.Stderr, "--start is required")
		return 1
	}
	start, err := time.Parse("2006-01-02", *startFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid start date: %v\n", err)
		return 1
	}
	end := time.Now()
	if *endFlag != "" {
		end, err = time.Parse("2006-01-02", *endFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid end date: %v\n", err)
			return 1
		}
	}

	ctx := context.Background()
	db, err := database.NewDB(ctx, cfg.DatabaseConfig.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		return 1
	}
	defer db.Close()
	repo := database.NewRepository(db)

	engine := backtest.New(repo, backtest.Config{
		Market:         market,
		Start:          start,
		End:            end,
		InitialCapital: decimal.NewFromFloat(*capitalFlag),
		Commission:     decimal.NewFromFloat(*commissionFlag),
		Breakout: signals.BreakoutParams{
			S1Entry: cfg.TurtleConfig.System1EntryPeriod,
			S1Exit:  cfg.TurtleConfig.System1ExitPeriod,
			S2Entry: cfg.TurtleConfig.System2EntryPeriod,
			S2Exit:  cfg.TurtleConfig.System2ExitPeriod,
		},
		ATRPeriod:         cfg.TurtleConfig.ATRPeriod,
		PyramidInterval:   cfg.TurtleConfig.PyramidInterval(),
		RiskPerTrade:      cfg.RiskConfig.RiskPerTradeDecimal(),
		StopLossPct:       cfg.RiskConfig.StopLossPctDecimal(),
		MaxUnitsPerStock:  cfg.RiskConfig.MaxUnitsPerStock,
		MaxTotalUnits:     cfg.RiskConfig.MaxTotalUnits,
		MinCandidateScore: cfg.ScreenerConfig.MinCandidateScore,
	}, log)

	result, err := engine.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
		return 1
	}

	fmt.Print(backtest.FormatResult(result))
	return 0
}
