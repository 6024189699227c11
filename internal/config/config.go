package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/web3guy0/pairbot/types"
)

// Config holds all configuration for the engine
type Config struct {
	// Mode
	Debug     bool
	PaperMode bool

	// Pair
	PairFile       string
	TargetNotional decimal.Decimal // per-leg notional per cycle
	Pattern        types.Pattern   // default cycle pattern

	// Cycle controller
	Tolerance            decimal.Decimal
	BuildVerifyAttempts  int
	BuildVerifyInterval  time.Duration
	UnwindVerifyAttempts int
	UnwindVerifyInterval time.Duration
	CycleHold            time.Duration // pause between verified build and unwind
	CycleInterval        time.Duration // scheduler pacing between cycles
	MaxCycles            int           // 0 = run until stopped

	// Order router
	PassiveWait        time.Duration
	FillPollInterval   time.Duration
	GuaranteedWaitBase time.Duration
	GuaranteedWaitMax  time.Duration
	MinFillRatio       decimal.Decimal

	// Reconciler
	StalenessWindow time.Duration

	// Risk governor
	DailyLossLimit      decimal.Decimal
	CumulativeLossLimit decimal.Decimal
	NetDeltaThreshold   decimal.Decimal // notional
	LossFilterEnabled   bool
	ProfitTarget        decimal.Decimal // zero disables
	VolumeTarget        decimal.Decimal // zero disables
	SolverWindowLots    int
	SolverMaxDeviation  decimal.Decimal

	// Emergency unwinder
	FlattenTimeout         time.Duration
	FlattenPollInterval    time.Duration
	FlattenReorderInterval time.Duration

	// Health watcher
	HealthInterval time.Duration

	// Feeds (empty disables the live mark stream)
	MarkStreamURL string

	// Telegram (empty token disables the bot)
	TelegramToken  string
	TelegramChatID int64

	// Metrics (empty disables the listener)
	MetricsAddr string

	// Database
	DatabasePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Debug:     getEnvBool("DEBUG", false),
		PaperMode: getEnvBool("PAPER_MODE", true),

		PairFile:       getEnv("PAIR_FILE", "config/pairs.yaml"),
		TargetNotional: getEnvDecimal("TARGET_NOTIONAL", decimal.NewFromInt(100)),
		Pattern:        types.Pattern(getEnv("PATTERN", string(types.PatternBuyFirst))),

		Tolerance:            getEnvDecimal("TOLERANCE", decimal.NewFromFloat(0.001)),
		BuildVerifyAttempts:  getEnvInt("BUILD_VERIFY_ATTEMPTS", 5),
		BuildVerifyInterval:  getEnvDuration("BUILD_VERIFY_INTERVAL", 1*time.Second),
		UnwindVerifyAttempts: getEnvInt("UNWIND_VERIFY_ATTEMPTS", 5),
		UnwindVerifyInterval: getEnvDuration("UNWIND_VERIFY_INTERVAL", 2*time.Second),
		CycleHold:            getEnvDuration("CYCLE_HOLD", 0),
		CycleInterval:        getEnvDuration("CYCLE_INTERVAL", 5*time.Second),
		MaxCycles:            getEnvInt("MAX_CYCLES", 0),

		PassiveWait:        getEnvDuration("PASSIVE_WAIT", 3*time.Second),
		FillPollInterval:   getEnvDuration("FILL_POLL_INTERVAL", 250*time.Millisecond),
		GuaranteedWaitBase: getEnvDuration("GUARANTEED_WAIT_BASE", 5*time.Second),
		GuaranteedWaitMax:  getEnvDuration("GUARANTEED_WAIT_MAX", 10*time.Second),
		MinFillRatio:       getEnvDecimal("MIN_FILL_RATIO", decimal.NewFromFloat(0.5)),

		StalenessWindow: getEnvDuration("STALENESS_WINDOW", 2*time.Second),

		DailyLossLimit:      getEnvDecimal("DAILY_LOSS_LIMIT", decimal.NewFromInt(100)),
		CumulativeLossLimit: getEnvDecimal("CUMULATIVE_LOSS_LIMIT", decimal.NewFromInt(300)),
		NetDeltaThreshold:   getEnvDecimal("NET_DELTA_THRESHOLD", decimal.NewFromInt(50)),
		LossFilterEnabled:   getEnvBool("LOSS_FILTER", false),
		ProfitTarget:        getEnvDecimal("PROFIT_TARGET", decimal.Zero),
		VolumeTarget:        getEnvDecimal("VOLUME_TARGET", decimal.Zero),
		SolverWindowLots:    getEnvInt("SOLVER_WINDOW_LOTS", 5),
		SolverMaxDeviation:  getEnvDecimal("SOLVER_MAX_DEVIATION", decimal.NewFromFloat(0.20)),

		FlattenTimeout:         getEnvDuration("FLATTEN_TIMEOUT", 30*time.Second),
		FlattenPollInterval:    getEnvDuration("FLATTEN_POLL_INTERVAL", 500*time.Millisecond),
		FlattenReorderInterval: getEnvDuration("FLATTEN_REORDER_INTERVAL", 3*time.Second),

		HealthInterval: getEnvDuration("HEALTH_INTERVAL", 10*time.Second),

		MarkStreamURL: getEnv("MARK_STREAM_URL", ""),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		DatabasePath: getEnv("DATABASE_PATH", "data/pairbot.db"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, &types.ConfigError{Field: "TELEGRAM_CHAT_ID", Msg: err.Error()}
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pattern != types.PatternBuyFirst && c.Pattern != types.PatternSellFirst {
		return &types.ConfigError{Field: "PATTERN", Msg: "must be BUY_FIRST or SELL_FIRST"}
	}
	if !c.TargetNotional.IsPositive() {
		return &types.ConfigError{Field: "TARGET_NOTIONAL", Msg: "must be positive"}
	}
	if !c.Tolerance.IsPositive() {
		return &types.ConfigError{Field: "TOLERANCE", Msg: "must be positive"}
	}
	if c.BuildVerifyAttempts < 1 || c.UnwindVerifyAttempts < 1 {
		return &types.ConfigError{Field: "VERIFY_ATTEMPTS", Msg: "must be at least 1"}
	}
	one := decimal.NewFromInt(1)
	if !c.MinFillRatio.IsPositive() || c.MinFillRatio.GreaterThan(one) {
		return &types.ConfigError{Field: "MIN_FILL_RATIO", Msg: "must be in (0, 1]"}
	}
	if c.SolverWindowLots < 0 {
		return &types.ConfigError{Field: "SOLVER_WINDOW_LOTS", Msg: "must not be negative"}
	}
	if !c.SolverMaxDeviation.IsPositive() || c.SolverMaxDeviation.GreaterThanOrEqual(one) {
		return &types.ConfigError{Field: "SOLVER_MAX_DEVIATION", Msg: "must be in (0, 1)"}
	}
	if !c.DailyLossLimit.IsPositive() || !c.CumulativeLossLimit.IsPositive() {
		return &types.ConfigError{Field: "LOSS_LIMITS", Msg: "must be positive"}
	}
	if !c.NetDeltaThreshold.IsPositive() {
		return &types.ConfigError{Field: "NET_DELTA_THRESHOLD", Msg: "must be positive"}
	}
	return nil
}

// Pair binds the two instruments the engine trades as a unit
type Pair struct {
	Name string           `yaml:"name"`
	LegA types.Instrument `yaml:"leg_a"`
	LegB types.Instrument `yaml:"leg_b"`
}

// LoadPair reads and validates the pair definition file
func LoadPair(path string) (*Pair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.ConfigError{Field: "pair file", Msg: err.Error()}
	}
	var p Pair
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, &types.ConfigError{Field: "pair file", Msg: err.Error()}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate rejects pair definitions the engine cannot trade
func (p *Pair) Validate() error {
	if err := p.LegA.Validate(); err != nil {
		return err
	}
	if err := p.LegB.Validate(); err != nil {
		return err
	}
	if p.LegA.Ticker == p.LegB.Ticker {
		return &types.ConfigError{Field: "pair", Msg: "legs must be different tickers"}
	}
	return nil
}

// Instruments returns the pair keyed by ticker
func (p *Pair) Instruments() map[string]types.Instrument {
	return map[string]types.Instrument{
		p.LegA.Ticker: p.LegA,
		p.LegB.Ticker: p.LegB,
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
