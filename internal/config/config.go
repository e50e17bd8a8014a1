/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Parsing monetary caps from env strings.
 */

package config

import (
	"log"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	RabbitMQURL       string `mapstructure:"RABBITMQ_URL"`
	PayoutResultQueue string `mapstructure:"PAYOUT_RESULT_QUEUE"`

	InternalJWTSecret string `mapstructure:"INTERNAL_JWT_SECRET"`

	// Payout gateway (B2C) settings.
	DarajaBaseURL            string `mapstructure:"DARAJA_BASE_URL"`
	DarajaConsumerKey        string `mapstructure:"DARAJA_CONSUMER_KEY"`
	DarajaConsumerSecret     string `mapstructure:"DARAJA_CONSUMER_SECRET"`
	DarajaShortCode          string `mapstructure:"DARAJA_SHORT_CODE"`
	DarajaInitiatorName      string `mapstructure:"DARAJA_INITIATOR_NAME"`
	DarajaSecurityCredential string `mapstructure:"DARAJA_SECURITY_CREDENTIAL"`
	DarajaResultURL          string `mapstructure:"DARAJA_RESULT_URL"`
	DarajaTimeoutURL         string `mapstructure:"DARAJA_TIMEOUT_URL"`

	// Advisory service (optional).
	AdvisoryBaseURL   string  `mapstructure:"ADVISORY_BASE_URL"`
	AdvisoryAPIKey    string  `mapstructure:"ADVISORY_API_KEY"`
	AdvisoryThreshold float64 `mapstructure:"ADVISORY_MATCH_THRESHOLD"`
	AnomalyHoldScore  float64 `mapstructure:"ADVISORY_ANOMALY_HOLD_SCORE"`

	// Reference resolution.
	FuzzyMatchThreshold    float64 `mapstructure:"FUZZY_MATCH_THRESHOLD"`
	ReferenceStripPrefixes string  `mapstructure:"REFERENCE_STRIP_PREFIXES"`
	ResolverCacheTTLSec    int     `mapstructure:"RESOLVER_CACHE_TTL_SECONDS"`

	// Risk gate.
	RateLimitPerMinute    int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	PerTransactionCap     string `mapstructure:"PER_TRANSACTION_CAP"`
	DailyDebitCap         string `mapstructure:"DAILY_DEBIT_CAP"`
	LargeAmountThreshold  string `mapstructure:"LARGE_AMOUNT_THRESHOLD"`
	HourlyWithdrawalLimit int    `mapstructure:"HOURLY_WITHDRAWAL_LIMIT"`
	DailyWithdrawalLimit  int    `mapstructure:"DAILY_WITHDRAWAL_LIMIT"`
	Timezone              string `mapstructure:"TIMEZONE"`

	// Audit sweep.
	AuditSchedule        string `mapstructure:"AUDIT_SCHEDULE"`
	AuditBatchSize       int    `mapstructure:"AUDIT_BATCH_SIZE"`
	StaleWithdrawalHours int    `mapstructure:"STALE_WITHDRAWAL_HOURS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "chumapay")
	viper.SetDefault("PAYOUT_RESULT_QUEUE", "ledger_service.payout_results")
	viper.SetDefault("ADVISORY_MATCH_THRESHOLD", 0.7)
	viper.SetDefault("ADVISORY_ANOMALY_HOLD_SCORE", 0.8)
	viper.SetDefault("FUZZY_MATCH_THRESHOLD", 85.0)
	viper.SetDefault("REFERENCE_STRIP_PREFIXES", "MIN-")
	viper.SetDefault("RESOLVER_CACHE_TTL_SECONDS", 300)
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("PER_TRANSACTION_CAP", "150000")
	viper.SetDefault("DAILY_DEBIT_CAP", "300000")
	viper.SetDefault("LARGE_AMOUNT_THRESHOLD", "50000")
	viper.SetDefault("HOURLY_WITHDRAWAL_LIMIT", 3)
	viper.SetDefault("DAILY_WITHDRAWAL_LIMIT", 10)
	viper.SetDefault("TIMEZONE", "UTC")
	viper.SetDefault("AUDIT_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("AUDIT_BATCH_SIZE", 200)
	viper.SetDefault("STALE_WITHDRAWAL_HOURS", 24)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYOUT_RESULT_QUEUE")
	_ = viper.BindEnv("INTERNAL_JWT_SECRET", "INTERNAL_JWT_SECRET", "LEDGER_SERVICE_JWT_SECRET")
	_ = viper.BindEnv("DARAJA_BASE_URL")
	_ = viper.BindEnv("DARAJA_CONSUMER_KEY")
	_ = viper.BindEnv("DARAJA_CONSUMER_SECRET")
	_ = viper.BindEnv("DARAJA_SHORT_CODE")
	_ = viper.BindEnv("DARAJA_INITIATOR_NAME")
	_ = viper.BindEnv("DARAJA_SECURITY_CREDENTIAL")
	_ = viper.BindEnv("DARAJA_RESULT_URL")
	_ = viper.BindEnv("DARAJA_TIMEOUT_URL")
	_ = viper.BindEnv("ADVISORY_BASE_URL")
	_ = viper.BindEnv("ADVISORY_API_KEY")
	_ = viper.BindEnv("ADVISORY_MATCH_THRESHOLD")
	_ = viper.BindEnv("ADVISORY_ANOMALY_HOLD_SCORE")
	_ = viper.BindEnv("FUZZY_MATCH_THRESHOLD")
	_ = viper.BindEnv("REFERENCE_STRIP_PREFIXES")
	_ = viper.BindEnv("RESOLVER_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PER_TRANSACTION_CAP")
	_ = viper.BindEnv("DAILY_DEBIT_CAP")
	_ = viper.BindEnv("LARGE_AMOUNT_THRESHOLD")
	_ = viper.BindEnv("HOURLY_WITHDRAWAL_LIMIT")
	_ = viper.BindEnv("DAILY_WITHDRAWAL_LIMIT")
	_ = viper.BindEnv("TIMEZONE")
	_ = viper.BindEnv("AUDIT_SCHEDULE")
	_ = viper.BindEnv("AUDIT_BATCH_SIZE")
	_ = viper.BindEnv("STALE_WITHDRAWAL_HOURS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	// Unmarshal the configuration into the Config struct.
	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "chumapay"
	}

	if config.FuzzyMatchThreshold <= 0 || config.FuzzyMatchThreshold > 100 {
		log.Printf("level=warn component=config msg=\"fuzzy threshold out of range; using default\" value=%f", config.FuzzyMatchThreshold)
		config.FuzzyMatchThreshold = 85
	}
	if config.AdvisoryThreshold <= 0 || config.AdvisoryThreshold > 1 {
		config.AdvisoryThreshold = 0.7
	}
	if config.ResolverCacheTTLSec <= 0 {
		config.ResolverCacheTTLSec = 300
	}
	if config.RateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative rate limit configured; coercing to zero\" value=%d", config.RateLimitPerMinute)
		config.RateLimitPerMinute = 0
	}

	return
}

// DecimalSetting parses a monetary env value. An empty or malformed value
// disables the setting (zero) with a warning rather than failing startup.
func DecimalSetting(name, raw string) decimal.Decimal {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid decimal setting; disabling\" name=%s value=%q err=%v", name, trimmed, err)
		return decimal.Zero
	}
	if value.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative decimal setting; disabling\" name=%s value=%q", name, trimmed)
		return decimal.Zero
	}
	return value
}

// StripPrefixes splits the comma-separated prefix list.
func (c Config) StripPrefixes() []string {
	var prefixes []string
	for _, part := range strings.Split(c.ReferenceStripPrefixes, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			prefixes = append(prefixes, trimmed)
		}
	}
	return prefixes
}
