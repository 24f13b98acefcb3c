// Package config loads bot configuration from an optional JSON file with
// environment variable overrides. Credentials come from the environment
// only, never from the JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	DatabaseConfig  DatabaseConfig  `json:"database"`
	BrokerConfig    BrokerConfig    `json:"broker"`
	TurtleConfig    TurtleConfig    `json:"turtle"`
	RiskConfig      RiskConfig      `json:"risk"`
	ScheduleConfig  ScheduleConfig  `json:"schedule"`
	ScreenerConfig  ScreenerConfig  `json:"screener"`
	RedisConfig     RedisConfig     `json:"redis"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

type DatabaseConfig struct {
	URL string `json:"url"`
}

// BrokerConfig selects paper or live trading and carries the KIS account
// credentials for each mode.
type BrokerConfig struct {
	Mode      string         `json:"mode"` // "paper" or "live"
	PaperCash float64        `json:"paper_cash"`
	Paper     KISCredentials `json:"-"`
	Live      KISCredentials `json:"-"`
}

type KISCredentials struct {
	AppKey    string
	AppSecret string
	AccountNo string
}

// Live reports whether real orders will be routed to the exchange.
func (b BrokerConfig) IsLive() bool {
	return b.Mode == "live"
}

// TurtleConfig holds the channel and pyramiding parameters.
type TurtleConfig struct {
	System1EntryPeriod int     `json:"system1_entry_period"`
	System1ExitPeriod  int     `json:"system1_exit_period"`
	System2EntryPeriod int     `json:"system2_entry_period"`
	System2ExitPeriod  int     `json:"system2_exit_period"`
	ATRPeriod          int     `json:"atr_period"`
	PyramidIntervalN   float64 `json:"pyramid_interval_n"`
}

// RiskConfig holds sizing, stop and unit cap parameters. Percentages are
// fractions (0.02 is 2%).
type RiskConfig struct {
	RiskPerTrade         float64 `json:"risk_per_trade"`
	StopLossPct          float64 `json:"stop_loss_pct"`
	MaxSlippagePct       float64 `json:"max_slippage_pct"`
	MaxUnitsPerStock     int     `json:"max_units_per_stock"`
	MaxCorrelatedUnits   int     `json:"max_correlated_units"`
	MaxLooseUnits        int     `json:"max_loose_units"`
	MaxTotalUnits        int     `json:"max_total_units"`
}

type ScheduleConfig struct {
	CycleIntervalMinutes int `json:"cycle_interval_minutes"`
	FastPollSeconds      int `json:"fast_poll_seconds"`
	HeartbeatSeconds     int `json:"heartbeat_seconds"`
}

type ScreenerConfig struct {
	MinCandidateScore int     `json:"min_candidate_score"`
	ProximityPct      float64 `json:"proximity_pct"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LoggingConfig struct {
	Level        string `json:"level"` // DEBUG, INFO, WARNING, ERROR
	AuditLogPath string `json:"audit_log_path"`
}

// Load reads config.json when present, then applies environment variable
// overrides and defaults. Env takes precedence over the file.
func Load(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)

	cfg.BrokerConfig.Mode = getEnvOrDefault("BROKER_MODE", cfg.BrokerConfig.Mode)
	cfg.BrokerConfig.Paper.AppKey = os.Getenv("KIS_PAPER_APP_KEY")
	cfg.BrokerConfig.Paper.AppSecret = os.Getenv("KIS_PAPER_APP_SECRET")
	cfg.BrokerConfig.Paper.AccountNo = os.Getenv("KIS_PAPER_ACCOUNT_NO")
	cfg.BrokerConfig.Live.AppKey = os.Getenv("KIS_APP_KEY")
	cfg.BrokerConfig.Live.AppSecret = os.Getenv("KIS_APP_SECRET")
	cfg.BrokerConfig.Live.AccountNo = os.Getenv("KIS_ACCOUNT_NO")

	cfg.TurtleConfig.ATRPeriod = getEnvIntOrDefault("TURTLE_ATR_PERIOD", cfg.TurtleConfig.ATRPeriod)
	cfg.RiskConfig.RiskPerTrade = getEnvFloatOrDefault("RISK_PER_TRADE", cfg.RiskConfig.RiskPerTrade)
	cfg.RiskConfig.StopLossPct = getEnvFloatOrDefault("RISK_STOP_LOSS_PCT", cfg.RiskConfig.StopLossPct)

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", strconv.FormatBool(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
}

func applyDefaults(cfg *Config) {
	if cfg.BrokerConfig.Mode == "" {
		cfg.BrokerConfig.Mode = "paper"
	}
	if cfg.BrokerConfig.PaperCash <= 0 {
		cfg.BrokerConfig.PaperCash = 100_000_000
	}

	t := &cfg.TurtleConfig
	if t.System1EntryPeriod == 0 {
		t.System1EntryPeriod = 20
	}
	if t.System1ExitPeriod == 0 {
		t.System1ExitPeriod = 10
	}
	if t.System2EntryPeriod == 0 {
		t.System2EntryPeriod = 55
	}
	if t.System2ExitPeriod == 0 {
		t.System2ExitPeriod = 20
	}
	if t.ATRPeriod == 0 {
		t.ATRPeriod = 20
	}
	if t.PyramidIntervalN == 0 {
		t.PyramidIntervalN = 0.5
	}

	r := &cfg.RiskConfig
	if r.RiskPerTrade == 0 {
		r.RiskPerTrade = 0.02
	}
	if r.StopLossPct == 0 {
		r.StopLossPct = 0.08
	}
	if r.MaxSlippagePct == 0 {
		r.MaxSlippagePct = 0.015
	}
	if r.MaxUnitsPerStock == 0 {
		r.MaxUnitsPerStock = 4
	}
	if r.MaxCorrelatedUnits == 0 {
		r.MaxCorrelatedUnits = 10
	}
	if r.MaxLooseUnits == 0 {
		r.MaxLooseUnits = 16
	}
	if r.MaxTotalUnits == 0 {
		r.MaxTotalUnits = 20
	}

	s := &cfg.ScheduleConfig
	if s.CycleIntervalMinutes == 0 {
		s.CycleIntervalMinutes = 5
	}
	if s.FastPollSeconds == 0 {
		s.FastPollSeconds = 3
	}
	if s.HeartbeatSeconds == 0 {
		s.HeartbeatSeconds = 30
	}

	if cfg.ScreenerConfig.MinCandidateScore == 0 {
		cfg.ScreenerConfig.MinCandidateScore = 5
	}
	if cfg.ScreenerConfig.ProximityPct == 0 {
		cfg.ScreenerConfig.ProximityPct = 0.03
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.AuditLogPath == "" {
		cfg.LoggingConfig.AuditLogPath = "logs/trading_audit.log"
	}
}

// Validate rejects configurations that must not start. Live mode with
// missing credentials is fatal; paper mode tolerates missing credentials
// because the simulated broker needs none.
func (c *Config) Validate() error {
	if c.DatabaseConfig.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.BrokerConfig.Mode {
	case "paper":
	case "live":
		live := c.BrokerConfig.Live
		if live.AppKey == "" || live.AppSecret == "" || live.AccountNo == "" {
			return fmt.Errorf("live mode requires KIS_APP_KEY, KIS_APP_SECRET and KIS_ACCOUNT_NO")
		}
	default:
		return fmt.Errorf("unknown broker mode %q (want paper or live)", c.BrokerConfig.Mode)
	}

	if c.RiskConfig.RiskPerTrade <= 0 || c.RiskConfig.RiskPerTrade >= 1 {
		return fmt.Errorf("risk_per_trade must be a fraction in (0, 1)")
	}
	return nil
}

// Decimal conversion helpers. Price and ratio math downstream is decimal;
// JSON carries float64 only at the config boundary.

func (c *TurtleConfig) PyramidInterval() decimal.Decimal {
	return decimal.NewFromFloat(c.PyramidIntervalN)
}

func (c *RiskConfig) RiskPerTradeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.RiskPerTrade)
}

func (c *RiskConfig) StopLossPctDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.StopLossPct)
}

func (c *RiskConfig) MaxSlippagePctDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxSlippagePct)
}

func (c *ScreenerConfig) ProximityPctDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.ProximityPct)
}

func (c *BrokerConfig) PaperCashDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.PaperCash)
}

func (c *ScheduleConfig) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalMinutes) * time.Minute
}

func (c *ScheduleConfig) FastPollInterval() time.Duration {
	return time.Duration(c.FastPollSeconds) * time.Second
}

func (c *ScheduleConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a starter config.json.
func GenerateSampleConfig(filename string) error {
	config := Config{
		BrokerConfig: BrokerConfig{
			Mode:      "paper",
			PaperCash: 100_000_000,
		},
		TurtleConfig: TurtleConfig{
			System1EntryPeriod: 20,
			System1ExitPeriod:  10,
			System2EntryPeriod: 55,
			System2ExitPeriod:  20,
			ATRPeriod:          20,
			PyramidIntervalN:   0.5,
		},
		RiskConfig: RiskConfig{
			RiskPerTrade:       0.02,
			StopLossPct:        0.08,
			MaxSlippagePct:     0.015,
			MaxUnitsPerStock:   4,
			MaxCorrelatedUnits: 10,
			MaxLooseUnits:      16,
			MaxTotalUnits:      20,
		},
		ScheduleConfig: ScheduleConfig{
			CycleIntervalMinutes: 5,
			FastPollSeconds:      3,
			HeartbeatSeconds:     30,
		},
		ScreenerConfig: ScreenerConfig{
			MinCandidateScore: 5,
			ProximityPct:      0.03,
		},
		RedisConfig: RedisConfig{
			Enabled: false,
			Address: "localhost:6379",
		},
		LoggingConfig: LoggingConfig{
			Level:        "INFO",
			AuditLogPath: "logs/trading_audit.log",
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
