package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/internal/retry"
)

// Environment designations
const (
	EnvProduction = "production"
	EnvStaging    = "staging"
)

// Ledger backends
const (
	BackendGorm      = "gorm"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

// Cooldown scopes
const (
	ScopeSymbol  = "symbol"
	ScopePattern = "pattern"
)

// Config holds all configuration for one job invocation.
// Built once in main and passed to every constructor.
type Config struct {
	// Mode
	Environment string
	Smoke       bool
	Debug       bool

	// Universe
	Symbols        []string
	CandidatesPath string

	// Ledger
	LedgerBackend       string
	DatabasePath        string // postgres:// URL or sqlite file path
	FirebaseCredentials string
	FirebaseProjectID   string
	ShadowRejected      bool
	SignalRetention     time.Duration

	// Telegram
	TelegramToken string
	SignalChatID  string
	AlertChatID   string

	// Broker
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool
	AutoExecute      bool
	MaxNotional      decimal.Decimal // Per-position notional cap, zero disables

	// Cooldown
	CooldownWindow    time.Duration
	CooldownEscapePct decimal.Decimal
	CooldownScope     string

	// Lifecycle
	SignalValidity time.Duration

	// Sizing & exits
	RiskPerTrade    decimal.Decimal // Quote currency risked per trade
	QtyPrecision    int32
	ScaleOutTP1     decimal.Decimal // Fraction of original quantity
	ScaleOutTP2     decimal.Decimal
	TrailingPct     decimal.Decimal // 0.02 = trail 2% under price
	ConfirmAttempts int
	ConfirmDelay    time.Duration
	MinRiskReward   decimal.Decimal // Zero disables the R:R check
	MaxBrokerErrors int             // Consecutive broker failures before entries halt

	// Retry
	RetryAttempts int
	RetryMinDelay time.Duration
	RetryMaxDelay time.Duration

	// Scheduling
	InterSymbolDelay time.Duration
	Workers          int
	LockTTL          time.Duration

	// Metrics
	PushgatewayURL string
}

// IsProduction reports whether live orders and reconciliation are allowed
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// RetryPolicy is the backoff policy for transient external calls
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts: c.RetryAttempts,
		Min:      c.RetryMinDelay,
		Max:      c.RetryMaxDelay,
	}
}

// Load reads .env (if present) and the process environment
func Load(environment string, smoke bool) (*Config, error) {
	_ = godotenv.Load()

	l := &loader{}

	cfg := &Config{
		Environment: environment,
		Smoke:       smoke,
		Debug:       l.bool("DEBUG", false),

		Symbols:        l.list("SYMBOLS", []string{"BTCUSDT"}),
		CandidatesPath: getEnv("CANDIDATES_PATH", "data/candidates.json"),

		LedgerBackend:       getEnv("LEDGER_BACKEND", BackendGorm),
		DatabasePath:        getEnv("DATABASE_PATH", "data/sentinel.db"),
		FirebaseCredentials: os.Getenv("FIREBASE_CREDENTIALS"),
		FirebaseProjectID:   os.Getenv("FIREBASE_PROJECT_ID"),
		ShadowRejected:      l.bool("SHADOW_REJECTED", true),
		SignalRetention:     l.duration("SIGNAL_RETENTION", 30*24*time.Hour),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		SignalChatID:  os.Getenv("TELEGRAM_SIGNAL_CHAT_ID"),
		AlertChatID:   getEnv("TELEGRAM_ALERT_CHAT_ID", os.Getenv("TELEGRAM_SIGNAL_CHAT_ID")),

		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		BinanceTestnet:   l.bool("BINANCE_TESTNET", false),
		AutoExecute:      l.bool("AUTO_EXECUTE", false),
		MaxNotional:      l.decimal("MAX_NOTIONAL", decimal.Zero),

		CooldownWindow:    l.duration("COOLDOWN_WINDOW", 48*time.Hour),
		CooldownEscapePct: l.decimal("COOLDOWN_ESCAPE_PCT", decimal.NewFromInt(10)),
		CooldownScope:     getEnv("COOLDOWN_SCOPE", ScopeSymbol),

		SignalValidity: l.duration("SIGNAL_VALIDITY", 24*time.Hour),

		RiskPerTrade:    l.decimal("RISK_PER_TRADE", decimal.NewFromInt(50)),
		QtyPrecision:    int32(l.int("QTY_PRECISION", 3)),
		ScaleOutTP1:     l.decimal("SCALE_OUT_TP1", decimal.NewFromFloat(0.5)),
		ScaleOutTP2:     l.decimal("SCALE_OUT_TP2", decimal.NewFromFloat(0.3)),
		TrailingPct:     l.decimal("TRAILING_PCT", decimal.NewFromFloat(0.02)),
		ConfirmAttempts: l.int("CONFIRM_ATTEMPTS", 3),
		ConfirmDelay:    l.duration("CONFIRM_DELAY", 500*time.Millisecond),
		MinRiskReward:   l.decimal("MIN_RISK_REWARD", decimal.Zero),
		MaxBrokerErrors: l.int("MAX_BROKER_ERRORS", 3),

		RetryAttempts: l.int("RETRY_ATTEMPTS", 3),
		RetryMinDelay: l.duration("RETRY_MIN_DELAY", 200*time.Millisecond),
		RetryMaxDelay: l.duration("RETRY_MAX_DELAY", 5*time.Second),

		InterSymbolDelay: l.duration("INTER_SYMBOL_DELAY", 1500*time.Millisecond),
		Workers:          l.int("WORKERS", 1),
		LockTTL:          l.duration("LOCK_TTL", 15*time.Minute),

		PushgatewayURL: os.Getenv("PUSHGATEWAY_URL"),
	}

	if err := errors.Join(l.errs...); err != nil {
		return nil, fmt.Errorf("malformed configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the job cannot safely run with
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case EnvProduction, EnvStaging:
	default:
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Environment))
	}

	switch c.LedgerBackend {
	case BackendGorm:
		if c.DatabasePath == "" {
			errs = append(errs, fmt.Errorf("DATABASE_PATH is required for the gorm ledger"))
		}
	case BackendFirestore:
		if c.FirebaseCredentials == "" {
			errs = append(errs, fmt.Errorf("FIREBASE_CREDENTIALS is required for the firestore ledger"))
		}
	case BackendMemory:
		if c.IsProduction() {
			errs = append(errs, fmt.Errorf("memory ledger is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}

	switch c.CooldownScope {
	case ScopeSymbol, ScopePattern:
	default:
		errs = append(errs, fmt.Errorf("unknown COOLDOWN_SCOPE %q", c.CooldownScope))
	}

	if len(c.Symbols) == 0 {
		errs = append(errs, fmt.Errorf("SYMBOLS must name at least one symbol"))
	}
	if c.CooldownWindow <= 0 {
		errs = append(errs, fmt.Errorf("COOLDOWN_WINDOW must be positive"))
	}
	if !c.CooldownEscapePct.IsPositive() {
		errs = append(errs, fmt.Errorf("COOLDOWN_ESCAPE_PCT must be positive"))
	}
	if c.MaxNotional.IsNegative() {
		errs = append(errs, fmt.Errorf("MAX_NOTIONAL must not be negative"))
	}
	if !c.RiskPerTrade.IsPositive() {
		errs = append(errs, fmt.Errorf("RISK_PER_TRADE must be positive"))
	}

	one := decimal.NewFromInt(1)
	if c.ScaleOutTP1.IsNegative() || c.ScaleOutTP2.IsNegative() ||
		c.ScaleOutTP1.Add(c.ScaleOutTP2).GreaterThan(one) {
		errs = append(errs, fmt.Errorf("SCALE_OUT_TP1 + SCALE_OUT_TP2 must be within [0, 1]"))
	}
	if c.TrailingPct.IsNegative() || c.TrailingPct.GreaterThanOrEqual(one) {
		errs = append(errs, fmt.Errorf("TRAILING_PCT must be within [0, 1)"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be >= 1"))
	}
	if c.ConfirmAttempts < 1 || c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("CONFIRM_ATTEMPTS and RETRY_ATTEMPTS must be >= 1"))
	}
	if c.MinRiskReward.IsNegative() || c.MaxBrokerErrors < 0 {
		errs = append(errs, fmt.Errorf("MIN_RISK_REWARD and MAX_BROKER_ERRORS must not be negative"))
	}
	for name, id := range map[string]string{"TELEGRAM_SIGNAL_CHAT_ID": c.SignalChatID, "TELEGRAM_ALERT_CHAT_ID": c.AlertChatID} {
		if id == "" {
			continue
		}
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	}
	if c.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_TTL must be positive"))
	}

	if c.IsProduction() && !c.Smoke {
		if c.TelegramToken == "" || c.SignalChatID == "" {
			errs = append(errs, fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_SIGNAL_CHAT_ID are required in production"))
		}
		if c.AutoExecute && (c.BinanceAPIKey == "" || c.BinanceAPISecret == "") {
			errs = append(errs, fmt.Errorf("BINANCE_API_KEY/SECRET are required for live execution"))
		}
	}

	return errors.Join(errs...)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loader collects parse errors instead of silently falling back to defaults
type loader struct {
	errs []error
}

func (l *loader) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	l.errs = append(l.errs, fmt.Errorf("invalid %s: %q is not a boolean", key, value))
	return defaultValue
}

func (l *loader) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return i
}

func (l *loader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return d
}

func (l *loader) decimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return d
}

func (l *loader) list(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
