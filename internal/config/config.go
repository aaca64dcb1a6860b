// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage (optional, uses in-memory stores if not set)
	DatabaseURL string
	AutoMigrate bool
	RedisURL    string // enables the distributed escrow lock

	// Audit event streaming (each optional)
	KafkaBrokers []string
	KafkaTopic   string
	AMQPURL      string
	AMQPExchange string

	// Payments
	StripeSecretKey string // uses the in-memory gateway if not set
	GatewayTimeout  time.Duration

	// Security
	JWTSecret          string
	AllowedOrigins     []string // CORS; empty allows all
	RateLimitPerMinute int
	RateLimitBurst     int

	// Tracing
	OTLPEndpoint string

	// Escrow engine
	MinAmount            decimal.Decimal
	MaxAmount            decimal.Decimal
	PlatformFeeRate      decimal.Decimal
	ProcessingFeeRate    decimal.Decimal
	FeeScheduleFile      string
	FeeOverrides         map[string]FeeRates // by currency, from FeeScheduleFile
	DefaultCurrency      string
	AutoReleaseDays      int
	DisputeDeadlineDays  int
	EnableMilestones     bool
	EnablePartialRelease bool
	SweepSchedule        string
}

// FeeRates are fractions of the escrowed amount.
type FeeRates struct {
	Platform   decimal.Decimal `toml:"platform"`
	Processing decimal.Decimal `toml:"processing"`
}

// feeFile is the layout of FEE_SCHEDULE_FILE:
//
//	[default]
//	platform = "0.05"
//	processing = "0.029"
//
//	[currency.USD]
//	platform = "0.04"
//	processing = "0.03"
type feeFile struct {
	Default  *FeeRates           `toml:"default"`
	Currency map[string]FeeRates `toml:"currency"`
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultKafkaTopic          = "escrow-events"
	DefaultAMQPExchange        = "escrow.events"
	DefaultGatewayTimeout      = 30 * time.Second
	DefaultRateLimitPerMinute  = 120
	DefaultRateLimitBurst      = 20
	DefaultMinAmount           = "10"
	DefaultMaxAmount           = "10000"
	DefaultPlatformFeeRate     = "0.05"
	DefaultProcessingFeeRate   = "0.029"
	DefaultCurrency            = "PHP"
	DefaultAutoReleaseDays     = 7
	DefaultDisputeDeadlineDays = 14
	DefaultSweepSchedule       = "@every 1m"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          getEnvBool("AUTO_MIGRATE", true),
		RedisURL:             os.Getenv("REDIS_URL"),
		KafkaBrokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:           getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		AMQPURL:              os.Getenv("AMQP_URL"),
		AMQPExchange:         getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		AllowedOrigins:       splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitPerMinute:   int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		RateLimitBurst:       int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MinAmount:            getEnvDecimal("MIN_AMOUNT", DefaultMinAmount),
		MaxAmount:            getEnvDecimal("MAX_AMOUNT", DefaultMaxAmount),
		PlatformFeeRate:      getEnvDecimal("PLATFORM_FEE_RATE", DefaultPlatformFeeRate),
		ProcessingFeeRate:    getEnvDecimal("PROCESSING_FEE_RATE", DefaultProcessingFeeRate),
		FeeScheduleFile:      os.Getenv("FEE_SCHEDULE_FILE"),
		DefaultCurrency:      strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		AutoReleaseDays:      int(getEnvInt64("AUTO_RELEASE_DAYS", DefaultAutoReleaseDays)),
		DisputeDeadlineDays:  int(getEnvInt64("DISPUTE_DEADLINE_DAYS", DefaultDisputeDeadlineDays)),
		EnableMilestones:     getEnvBool("ENABLE_MILESTONES", false),
		EnablePartialRelease: getEnvBool("ENABLE_PARTIAL_RELEASE", true),
		SweepSchedule:        getEnv("SWEEP_SCHEDULE", DefaultSweepSchedule),
	}

	if cfg.FeeScheduleFile != "" {
		if err := cfg.loadFeeFile(cfg.FeeScheduleFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFeeFile applies a TOML fee schedule. A [default] table replaces the
// env rates; [currency.XXX] tables become per-currency overrides.
func (c *Config) loadFeeFile(path string) error {
	var f feeFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return fmt.Errorf("FEE_SCHEDULE_FILE %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("FEE_SCHEDULE_FILE %s: unknown keys %v", path, undecoded)
	}
	if f.Default != nil {
		c.PlatformFeeRate = f.Default.Platform
		c.ProcessingFeeRate = f.Default.Processing
	}
	c.FeeOverrides = make(map[string]FeeRates, len(f.Currency))
	for code, rates := range f.Currency {
		c.FeeOverrides[strings.ToUpper(code)] = rates
	}
	return nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}

	if c.RateLimitPerMinute < 1 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be positive")
	}

	if !c.MinAmount.IsPositive() {
		return fmt.Errorf("MIN_AMOUNT must be positive")
	}
	if c.MaxAmount.LessThan(c.MinAmount) {
		return fmt.Errorf("MAX_AMOUNT must not be below MIN_AMOUNT")
	}
	if err := checkRate("PLATFORM_FEE_RATE", c.PlatformFeeRate); err != nil {
		return err
	}
	if err := checkRate("PROCESSING_FEE_RATE", c.ProcessingFeeRate); err != nil {
		return err
	}
	for code, r := range c.FeeOverrides {
		if err := checkRate("fee override "+code+" platform", r.Platform); err != nil {
			return err
		}
		if err := checkRate("fee override "+code+" processing", r.Processing); err != nil {
			return err
		}
	}

	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter code")
	}
	if c.AutoReleaseDays < 1 || c.AutoReleaseDays > 365 {
		return fmt.Errorf("AUTO_RELEASE_DAYS must be between 1 and 365")
	}
	if c.DisputeDeadlineDays < 1 || c.DisputeDeadlineDays > 365 {
		return fmt.Errorf("DISPUTE_DEADLINE_DAYS must be between 1 and 365")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("SWEEP_SCHEDULE %q: %w", c.SweepSchedule, err)
	}

	return nil
}

func checkRate(name string, r decimal.Decimal) error {
	if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s must be in [0, 1), got %s", name, r)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

// getEnvDecimal falls back to defaultValue, which must itself parse.
func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultValue)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
