// Package config loads and validates the per-session operator
// configuration from environment variables and optional parameter files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// BotVersion is recorded on every trading session and trade register row.
const BotVersion = "1.3.2"

// Config holds all configuration for one trading session.
type Config struct {
	// Session
	Account        string
	InitialBalance decimal.Decimal
	Symbols        []string
	Leverage       decimal.Decimal
	MaxLeverage    decimal.Decimal
	Strategy       string
	TimeLimit      time.Duration
	CheckInterval  time.Duration
	MaxLoss        decimal.Decimal // 0 disables the loss cap
	MaxPositions   int
	PositionSizes  map[string]decimal.Decimal // base asset -> fixed size

	// Execution costs
	TakerFee        decimal.Decimal
	MakerFee        decimal.Decimal
	SlippagePercent decimal.Decimal

	// Risk
	MaxDrawdownPercent decimal.Decimal // 0 disables the drawdown pause
	CooldownAfterLoss  time.Duration   // 0 disables the post-loss cooldown

	// Market data
	MarketSource      string // "binance" or "db"
	RecordMarketData  bool
	SentimentEnabled  bool
	SentimentInterval time.Duration

	// Storage
	DatabaseURL string

	// Strategy parameters (merged: file first, inline overrides)
	StrategyParams map[string]any

	// LLM strategy
	LLMAPIKey      string
	LLMModel       string
	LLMBaseURL     string
	LLMJournalFile string
	LLMTimeout     time.Duration

	// Notifications
	SoundAlerts    bool
	SoundTTSCmd    string
	TelegramToken  string
	TelegramChatID int64

	// Misc
	LogLevel     string
	SummaryEvery int // ticks between summary blocks
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Account:        getEnv("ACCOUNT", "paper"),
		InitialBalance: getEnvDecimal("BALANCE", decimal.NewFromInt(10000)),
		Symbols:        splitList(getEnv("SYMBOLS", "BTC-USD")),
		Leverage:       getEnvDecimal("LEVERAGE", decimal.NewFromFloat(2.0)),
		MaxLeverage:    getEnvDecimal("MAX_LEVERAGE", decimal.NewFromInt(100)),
		Strategy:       getEnv("STRATEGY", "breakout"),
		MaxPositions:   getEnvInt("MAX_POSITIONS", 5),

		TakerFee:        getEnvDecimal("TAKER_FEE", decimal.NewFromFloat(0.0005)),
		MakerFee:        getEnvDecimal("MAKER_FEE", decimal.NewFromFloat(0.0002)),
		SlippagePercent: getEnvDecimal("SLIPPAGE_PERCENT", decimal.NewFromFloat(0.75)),

		MaxDrawdownPercent: getEnvDecimal("MAX_DRAWDOWN_PERCENT", decimal.Zero),

		MarketSource:     getEnv("MARKET_SOURCE", "binance"),
		RecordMarketData: getEnvBool("RECORD_MARKET_DATA", true),
		SentimentEnabled: getEnvBool("SENTIMENT_ENABLED", false),

		DatabaseURL: getEnv("DATABASE_URL", getEnv("DATABASE_PATH", "data/paperbot.db")),

		LLMAPIKey:      os.Getenv("LLM_API_KEY"),
		LLMModel:       getEnv("LLM_MODEL", "deepseek/deepseek-chat"),
		LLMBaseURL:     getEnv("LLM_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMJournalFile: getEnv("LLM_JOURNAL_FILE", "llm_journal.jsonl"),

		SoundAlerts:   getEnvBool("SOUND_ALERTS", false),
		SoundTTSCmd:   os.Getenv("SOUND_TTS_CMD"),
		TelegramToken: os.Getenv("TELEGRAM_TOKEN"),

		LogLevel:     getEnv("LOG_LEVEL", "info"),
		SummaryEvery: getEnvInt("SUMMARY_EVERY", 10),
	}

	var err error
	if cfg.TimeLimit, err = getEnvHumanDuration("TIME_LIMIT", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.CheckInterval, err = getEnvHumanDuration("CHECK_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.CooldownAfterLoss, err = getEnvHumanDuration("COOLDOWN_AFTER_LOSS", 0); err != nil {
		return nil, err
	}
	if cfg.LLMTimeout, err = getEnvHumanDuration("LLM_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SentimentInterval, err = getEnvHumanDuration("SENTIMENT_INTERVAL", time.Hour); err != nil {
		return nil, err
	}

	if v := os.Getenv("MAX_LOSS"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_LOSS %q: %w", v, err)
		}
		cfg.MaxLoss = d.Abs()
	}

	if v := os.Getenv("POSITION_SIZE"); v != "" {
		sizes, err := ParsePositionSizes(v)
		if err != nil {
			return nil, err
		}
		cfg.PositionSizes = sizes
	}

	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	params := map[string]any{}
	if path := os.Getenv("STRATEGY_PARAMS_FILE"); path != "" {
		fileParams, err := loadParamsFile(path)
		if err != nil {
			return nil, err
		}
		for k, v := range fileParams {
			params[k] = v
		}
	}
	if inline := os.Getenv("STRATEGY_PARAMS"); inline != "" {
		inlineParams, err := ParseInlineParams(inline)
		if err != nil {
			return nil, err
		}
		for k, v := range inlineParams {
			params[k] = v
		}
	}
	cfg.StrategyParams = params

	return cfg, nil
}

// Validate checks operator-supplied values. A non-nil error means the
// process should exit with the invalid-arguments code.
func (c *Config) Validate() error {
	if c.Account == "" {
		return fmt.Errorf("ACCOUNT must not be empty")
	}
	if !c.InitialBalance.IsPositive() {
		return fmt.Errorf("BALANCE must be positive, got %s", c.InitialBalance)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must list at least one market")
	}
	for _, s := range c.Symbols {
		if s == "" {
			return fmt.Errorf("SYMBOLS contains an empty entry")
		}
	}
	if c.Leverage.LessThan(decimal.NewFromInt(1)) || c.Leverage.GreaterThan(c.MaxLeverage) {
		return fmt.Errorf("LEVERAGE must be within [1, %s], got %s", c.MaxLeverage, c.Leverage)
	}
	if c.Strategy == "" {
		return fmt.Errorf("STRATEGY must not be empty")
	}
	if c.TimeLimit < time.Second {
		return fmt.Errorf("TIME_LIMIT must be at least 1 second")
	}
	if c.CheckInterval < time.Second {
		return fmt.Errorf("CHECK_INTERVAL must be at least 1 second")
	}
	if c.MaxLoss.IsNegative() {
		return fmt.Errorf("MAX_LOSS must not be negative")
	}
	if c.MaxPositions < 1 {
		return fmt.Errorf("MAX_POSITIONS must be at least 1")
	}
	if c.TakerFee.IsNegative() || c.TakerFee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("TAKER_FEE must be a fractional rate in [0, 1)")
	}
	if c.MakerFee.IsNegative() || c.MakerFee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("MAKER_FEE must be a fractional rate in [0, 1)")
	}
	if c.SlippagePercent.IsNegative() || c.SlippagePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("SLIPPAGE_PERCENT must be within [0, 100)")
	}
	if c.MaxDrawdownPercent.IsNegative() {
		return fmt.Errorf("MAX_DRAWDOWN_PERCENT must not be negative")
	}
	if c.MarketSource != "binance" && c.MarketSource != "db" {
		return fmt.Errorf("MARKET_SOURCE must be \"binance\" or \"db\", got %q", c.MarketSource)
	}
	return nil
}

// FixedSizeFor returns the configured fixed position size for a symbol,
// matching on its base asset ("BTC-USD" matches a "BTC:1" override).
func (c *Config) FixedSizeFor(symbol string) (decimal.Decimal, bool) {
	base := symbolBase(symbol)
	size, ok := c.PositionSizes[strings.ToUpper(base)]
	return size, ok
}

// ParsePositionSizes parses a "BASE:AMOUNT[,BASE:AMOUNT...]" override
// string, e.g. "BTC:1,ETH:0.5".
func ParsePositionSizes(s string) (map[string]decimal.Decimal, error) {
	sizes := make(map[string]decimal.Decimal)
	for _, part := range splitList(s) {
		base, amount, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid POSITION_SIZE entry %q, want BASE:AMOUNT", part)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil || !d.IsPositive() {
			return nil, fmt.Errorf("invalid POSITION_SIZE amount %q for %q", amount, base)
		}
		sizes[strings.ToUpper(strings.TrimSpace(base))] = d
	}
	if len(sizes) == 0 {
		return nil, fmt.Errorf("POSITION_SIZE is empty")
	}
	return sizes, nil
}

// ParseInlineParams parses "key=value,key=value" strategy parameters.
// Values become bool, float64, or string by best match.
func ParseInlineParams(s string) (map[string]any, error) {
	params := make(map[string]any)
	for _, part := range splitList(s) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid STRATEGY_PARAMS entry %q, want key=value", part)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, fmt.Errorf("invalid STRATEGY_PARAMS entry %q: empty key", part)
		}
		switch {
		case value == "true" || value == "false":
			params[key] = value == "true"
		default:
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				params[key] = f
			} else {
				params[key] = value
			}
		}
	}
	return params, nil
}

func loadParamsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading STRATEGY_PARAMS_FILE: %w", err)
	}
	params := map[string]any{}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parsing STRATEGY_PARAMS_FILE %s: %w", path, err)
	}
	return params, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func symbolBase(symbol string) string {
	if i := strings.IndexAny(symbol, "-/"); i > 0 {
		return symbol[:i]
	}
	return symbol
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

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvHumanDuration parses the human duration grammar ("2h 15min 30sek").
// An unset variable returns the default; a present but malformed value is
// an operator error and is reported, not defaulted.
func getEnvHumanDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
