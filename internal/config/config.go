/**
 * @description
 * This package handles the configuration management for the payment core. It uses
 * the Viper library to read configuration from environment variables (and an
 * optional .env file), providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Fee values are parsed as exact decimals.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	defaultSweeperBatchSize = 100
	maxSweeperBatchSize     = 500
	defaultLegBackoff       = "5s,15s,45s,120s,300s"
)

// Config holds all the configuration variables for the payment core.
// These values are loaded from environment variables.
type Config struct {
	ServerPort      string `mapstructure:"SERVER_PORT"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	RedisURL        string `mapstructure:"REDIS_URL"`
	RedisLockPrefix string `mapstructure:"REDIS_LOCK_PREFIX"`
	RabbitMQURL     string `mapstructure:"RABBITMQ_URL"`
	EventExchange   string `mapstructure:"EVENT_EXCHANGE"`
	LegTaskQueue    string `mapstructure:"LEG_TASK_QUEUE"`
	LegPrefetch     int    `mapstructure:"LEG_WORKER_PREFETCH"`

	InstitutionAPIBaseURL         string  `mapstructure:"INSTITUTION_API_BASE_URL"`
	InstitutionAPIKey             string  `mapstructure:"INSTITUTION_API_KEY"`
	InstitutionRateLimitPerSecond float64 `mapstructure:"INSTITUTION_RATE_LIMIT_PER_SECOND"`
	PlatformInstitutionID         string  `mapstructure:"PLATFORM_INSTITUTION_ID"`
	InternalAPIKey                string  `mapstructure:"INTERNAL_API_KEY"`

	CrossBorderFeePercentRaw string `mapstructure:"CROSS_BORDER_FEE_PERCENT"`
	CrossBorderFeeFlatRaw    string `mapstructure:"CROSS_BORDER_FEE_FLAT"`

	FxStaticRates      string `mapstructure:"FX_STATIC_RATES"`
	FxQuoteTTLSeconds  int    `mapstructure:"FX_QUOTE_TTL_SECONDS"`
	FxRateCacheSeconds int    `mapstructure:"FX_RATE_CACHE_SECONDS"`
	LegMaxAttempts     int    `mapstructure:"LEG_MAX_ATTEMPTS"`
	LegBackoffSchedule string `mapstructure:"LEG_BACKOFF_SCHEDULE"`

	SweeperBatchSize           int    `mapstructure:"SWEEPER_BATCH_SIZE"`
	OfferExpirySchedule        string `mapstructure:"OFFER_EXPIRY_SCHEDULE"`
	QuoteExpirySchedule        string `mapstructure:"QUOTE_EXPIRY_SCHEDULE"`
	RequestExpirySchedule      string `mapstructure:"REQUEST_EXPIRY_SCHEDULE"`
	ReconcileSchedule          string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileStuckAfterSeconds int    `mapstructure:"RECONCILE_STUCK_AFTER_SECONDS"`
	IdempotencyPurgeSchedule   string `mapstructure:"IDEMPOTENCY_PURGE_SCHEDULE"`
	IdempotencyTTLHours        int    `mapstructure:"IDEMPOTENCY_TTL_HOURS"`

	LogFormat      string `mapstructure:"LOG_FORMAT"`
	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`

	// Parsed forms of the raw values above.
	CrossBorderFeePercent decimal.Decimal `mapstructure:"-"`
	CrossBorderFeeFlat    decimal.Decimal `mapstructure:"-"`
	LegBackoff            []time.Duration `mapstructure:"-"`
}

func (c Config) QuoteTTL() time.Duration {
	return time.Duration(c.FxQuoteTTLSeconds) * time.Second
}

func (c Config) RateCacheTTL() time.Duration {
	return time.Duration(c.FxRateCacheSeconds) * time.Second
}

func (c Config) StuckAfter() time.Duration {
	return time.Duration(c.ReconcileStuckAfterSeconds) * time.Second
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

var keys = []string{
	"SERVER_PORT", "DATABASE_URL", "REDIS_URL", "REDIS_LOCK_PREFIX", "RABBITMQ_URL",
	"EVENT_EXCHANGE", "LEG_TASK_QUEUE", "LEG_WORKER_PREFETCH",
	"INSTITUTION_API_BASE_URL", "INSTITUTION_API_KEY", "INSTITUTION_RATE_LIMIT_PER_SECOND", "PLATFORM_INSTITUTION_ID",
	"CROSS_BORDER_FEE_PERCENT", "CROSS_BORDER_FEE_FLAT",
	"FX_STATIC_RATES", "FX_QUOTE_TTL_SECONDS", "FX_RATE_CACHE_SECONDS", "LEG_MAX_ATTEMPTS", "LEG_BACKOFF_SCHEDULE",
	"SWEEPER_BATCH_SIZE", "OFFER_EXPIRY_SCHEDULE", "QUOTE_EXPIRY_SCHEDULE", "REQUEST_EXPIRY_SCHEDULE",
	"RECONCILE_SCHEDULE", "RECONCILE_STUCK_AFTER_SECONDS", "IDEMPOTENCY_PURGE_SCHEDULE", "IDEMPOTENCY_TTL_HOURS",
	"LOG_FORMAT", "METRICS_ENABLED",
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path. Invalid values fall back to their defaults with a warning.
func LoadConfig(path string) (config Config, err error) {
	logger := zap.L().With(zap.String("component", "config"))

	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_LOCK_PREFIX", "paneta:lock")
	viper.SetDefault("EVENT_EXCHANGE", "paneta.events")
	viper.SetDefault("LEG_TASK_QUEUE", "paneta.legs")
	viper.SetDefault("LEG_WORKER_PREFETCH", 8)
	viper.SetDefault("INSTITUTION_RATE_LIMIT_PER_SECOND", 10)
	viper.SetDefault("PLATFORM_INSTITUTION_ID", "platform")
	viper.SetDefault("CROSS_BORDER_FEE_PERCENT", "0.5")
	viper.SetDefault("CROSS_BORDER_FEE_FLAT", "0")
	viper.SetDefault("FX_STATIC_RATES", "USD:ZAR=18.5,USD:EUR=0.92,GBP:USD=1.27")
	viper.SetDefault("FX_QUOTE_TTL_SECONDS", 300)
	viper.SetDefault("FX_RATE_CACHE_SECONDS", 30)
	viper.SetDefault("LEG_MAX_ATTEMPTS", 5)
	viper.SetDefault("LEG_BACKOFF_SCHEDULE", defaultLegBackoff)
	viper.SetDefault("SWEEPER_BATCH_SIZE", defaultSweeperBatchSize)
	viper.SetDefault("OFFER_EXPIRY_SCHEDULE", "@every 1m")
	viper.SetDefault("QUOTE_EXPIRY_SCHEDULE", "@every 1m")
	viper.SetDefault("REQUEST_EXPIRY_SCHEDULE", "@every 10m")
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 2m")
	viper.SetDefault("RECONCILE_STUCK_AFTER_SECONDS", 900)
	viper.SetDefault("IDEMPOTENCY_PURGE_SCHEDULE", "@hourly")
	viper.SetDefault("IDEMPOTENCY_TTL_HOURS", 24)
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("METRICS_ENABLED", true)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.Warn("failed to read config file; using environment values", zap.Error(err))
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisLockPrefix = strings.TrimSpace(config.RedisLockPrefix)
	if config.RedisLockPrefix == "" {
		config.RedisLockPrefix = "paneta:lock"
	}
	config.LogFormat = strings.ToLower(strings.TrimSpace(config.LogFormat))

	config.CrossBorderFeePercent = parseNonNegativeDecimal(logger, "CROSS_BORDER_FEE_PERCENT", config.CrossBorderFeePercentRaw, decimal.NewFromFloat(0.5))
	if config.CrossBorderFeePercent.GreaterThan(decimal.NewFromInt(100)) {
		logger.Warn("cross-border fee percent too high; capping at 100", zap.String("fee_percent", config.CrossBorderFeePercent.String()))
		config.CrossBorderFeePercent = decimal.NewFromInt(100)
	}
	config.CrossBorderFeeFlat = parseNonNegativeDecimal(logger, "CROSS_BORDER_FEE_FLAT", config.CrossBorderFeeFlatRaw, decimal.Zero)

	backoff, parseErr := ParseBackoff(config.LegBackoffSchedule)
	if parseErr != nil {
		logger.Warn("invalid LEG_BACKOFF_SCHEDULE; using default", zap.String("value", config.LegBackoffSchedule), zap.Error(parseErr))
		backoff, _ = ParseBackoff(defaultLegBackoff)
	}
	config.LegBackoff = backoff

	if config.LegMaxAttempts <= 0 {
		config.LegMaxAttempts = 5
	}
	if config.LegPrefetch <= 0 {
		config.LegPrefetch = 8
	}
	if config.FxQuoteTTLSeconds <= 0 {
		config.FxQuoteTTLSeconds = 300
	}
	if config.FxRateCacheSeconds <= 0 {
		config.FxRateCacheSeconds = 30
	}
	if config.ReconcileStuckAfterSeconds <= 0 {
		config.ReconcileStuckAfterSeconds = 900
	}
	if config.IdempotencyTTLHours <= 0 {
		config.IdempotencyTTLHours = 24
	}
	if config.SweeperBatchSize <= 0 {
		config.SweeperBatchSize = defaultSweeperBatchSize
	}
	if config.SweeperBatchSize > maxSweeperBatchSize {
		logger.Warn("sweeper batch size too high; capping", zap.Int("batch_size", config.SweeperBatchSize), zap.Int("max", maxSweeperBatchSize))
		config.SweeperBatchSize = maxSweeperBatchSize
	}
	if config.InstitutionRateLimitPerSecond < 0 {
		config.InstitutionRateLimitPerSecond = 0
	}

	return
}

func parseNonNegativeDecimal(logger *zap.Logger, key, raw string, fallback decimal.Decimal) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		logger.Warn("invalid decimal value; using default", zap.String("key", key), zap.String("value", raw), zap.Error(err))
		return fallback
	}
	if v.IsNegative() {
		logger.Warn("negative value configured; coercing to zero", zap.String("key", key), zap.String("value", raw))
		return decimal.Zero
	}
	return v
}

// ParseBackoff parses a comma separated list of durations. Bare integers are
// read as seconds.
func ParseBackoff(raw string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if secs, err := strconv.Atoi(part); err == nil {
			if secs <= 0 {
				return nil, fmt.Errorf("backoff step %q must be positive", part)
			}
			out = append(out, time.Duration(secs)*time.Second)
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("backoff step %q: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("backoff step %q must be positive", part)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("backoff schedule is empty")
	}
	return out, nil
}
