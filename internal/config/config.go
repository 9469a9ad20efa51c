// Package config loads the bot configuration from environment variables and
// enforces the live-mode guard rails: unsafe risk parameters refuse to start
// a real-money process no matter what the .env file says.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SlippageBand mirrors one entry of the slippage-by-depth table before the
// detector compiles it.
type SlippageBand struct {
	MinDepth decimal.Decimal
	Slippage decimal.Decimal
}

// Config holds all configuration for the bot.
type Config struct {
	// Mode
	DryRun bool
	Debug  bool

	// Detection thresholds
	MinProfitBPS        decimal.Decimal
	MaxPositionSize     decimal.Decimal
	MaxPositionFraction decimal.Decimal
	SlippageByDepth     []SlippageBand
	FeeRates            map[string]decimal.Decimal

	// Risk limits
	MaxExchangeExposure decimal.Decimal
	MaxMarketExposure   decimal.Decimal
	MaxOpenArbitrages   int
	PanicOnPartialFill  bool

	// Virtual balances per exchange
	InitialBalances map[string]decimal.Decimal

	// Engine cycle
	ScanInterval   time.Duration
	PairCooldown   time.Duration
	TargetTrades   int
	BudgetFraction decimal.Decimal
	LegTimeout     time.Duration
	BookDepth      int

	// Event matching
	MatchMinConfidence float64
	MatchMinTier       string

	// Venue credentials
	PolymarketAPIKey     string
	PolymarketPassphrase string
	SXBetAPIKey          string
	KalshiAPIKey         string
	WalletPrivateKey     string

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Persistence
	DatabasePath string
	LogDir       string
}

// Load reads configuration from environment variables with the documented
// defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		MinProfitBPS:        getEnvDecimal("MIN_PROFIT_BPS", decimal.NewFromInt(50)),
		MaxPositionSize:     getEnvDecimal("MAX_POSITION_SIZE", decimal.NewFromInt(10)),
		MaxPositionFraction: getEnvDecimal("MAX_POSITION_PERCENT", decimal.NewFromFloat(0.1)),

		MaxExchangeExposure: getEnvDecimal("MAX_EXCHANGE_EXPOSURE", decimal.NewFromInt(100)),
		MaxMarketExposure:   getEnvDecimal("MAX_MARKET_EXPOSURE", decimal.NewFromInt(50)),
		MaxOpenArbitrages:   getEnvInt("MAX_OPEN_ARBITRAGES", 1),
		PanicOnPartialFill:  getEnvBool("PANIC_ON_PARTIAL_FILL", true),

		ScanInterval:   getEnvDuration("SCAN_INTERVAL", 15*time.Second),
		PairCooldown:   getEnvDuration("PAIR_COOLDOWN", time.Minute),
		TargetTrades:   getEnvInt("TARGET_TRADES", 0),
		BudgetFraction: getEnvDecimal("BUDGET_FRACTION", decimal.NewFromInt(1)),
		LegTimeout:     getEnvDuration("LEG_TIMEOUT", 10*time.Second),
		BookDepth:      getEnvInt("BOOK_DEPTH", 20),

		MatchMinConfidence: getEnvFloat("MATCH_MIN_CONFIDENCE", 0.7),
		MatchMinTier:       getEnv("MATCH_MIN_TIER", "medium"),

		PolymarketAPIKey:     os.Getenv("POLY_API_KEY"),
		PolymarketPassphrase: os.Getenv("POLY_PASSPHRASE"),
		SXBetAPIKey:          os.Getenv("SX_API_KEY"),
		KalshiAPIKey:         os.Getenv("KALSHI_API_KEY"),
		WalletPrivateKey:     os.Getenv("WALLET_PRIVATE_KEY"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabasePath: getEnv("DATABASE_PATH", "data/crossarb.db"),
		LogDir:       getEnv("LOG_DIR", "."),
	}

	var err error
	cfg.SlippageByDepth, err = parseSlippageTable(getEnv("SLIP_BY_DEPTH", "1000:0.001,500:0.0015,0:0.002"))
	if err != nil {
		return nil, fmt.Errorf("invalid SLIP_BY_DEPTH: %w", err)
	}
	cfg.FeeRates, err = parseDecimalMap(getEnv("FEE_RATES", "polymarket:0.002,sxbet:0.002,kalshi:0.003"))
	if err != nil {
		return nil, fmt.Errorf("invalid FEE_RATES: %w", err)
	}
	cfg.InitialBalances, err = parseDecimalMap(getEnv("INITIAL_BALANCES", "polymarket:10,sxbet:10,kalshi:10"))
	if err != nil {
		return nil, fmt.Errorf("invalid INITIAL_BALANCES: %w", err)
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	return cfg, nil
}

// Validate enforces the live-mode hard limits. Dry-run configurations pass
// unconditionally: simulated capital may take risks real capital must not.
func (c *Config) Validate() error {
	if c.DryRun {
		return nil
	}

	var errs []string
	if c.MinProfitBPS.LessThan(decimal.NewFromInt(50)) {
		errs = append(errs, fmt.Sprintf("MIN_PROFIT_BPS=%s is below the live-mode floor of 50", c.MinProfitBPS))
	}
	if c.MaxPositionSize.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Sprintf("MAX_POSITION_SIZE=%s exceeds the live-mode cap of 100", c.MaxPositionSize))
	}
	if c.MaxExchangeExposure.GreaterThan(decimal.NewFromInt(500)) {
		errs = append(errs, fmt.Sprintf("MAX_EXCHANGE_EXPOSURE=%s exceeds the live-mode cap of 500", c.MaxExchangeExposure))
	}
	if c.MaxPositionFraction.GreaterThan(decimal.NewFromFloat(0.2)) {
		errs = append(errs, fmt.Sprintf("MAX_POSITION_PERCENT=%s exceeds the live-mode cap of 0.2", c.MaxPositionFraction))
	}
	if !c.PanicOnPartialFill {
		errs = append(errs, "PANIC_ON_PARTIAL_FILL=false is not allowed in live mode")
	}
	if c.WalletPrivateKey == "" {
		errs = append(errs, "WALLET_PRIVATE_KEY is required in live mode")
	}

	if len(errs) > 0 {
		return fmt.Errorf("unsafe live-mode configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// parseSlippageTable parses "1000:0.001,500:0.0015,0:0.002" into bands sorted
// by descending depth.
func parseSlippageTable(raw string) ([]SlippageBand, error) {
	entries, err := parseDecimalMap(raw)
	if err != nil {
		return nil, err
	}
	bands := make([]SlippageBand, 0, len(entries))
	for depth, slip := range entries {
		d, err := decimal.NewFromString(depth)
		if err != nil {
			return nil, fmt.Errorf("depth %q: %w", depth, err)
		}
		bands = append(bands, SlippageBand{MinDepth: d, Slippage: slip})
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i].MinDepth.GreaterThan(bands[j].MinDepth) })
	return bands, nil
}

// parseDecimalMap parses "key:1.5,key2:2" into a map with lowercased keys.
func parseDecimalMap(raw string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("entry %q is not key:value", entry)
		}
		value, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", entry, err)
		}
		out[strings.ToLower(strings.TrimSpace(parts[0]))] = value
	}
	return out, nil
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
