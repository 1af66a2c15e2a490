package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the purchase engine.
type Config struct {
	Port        string
	Environment string // "development" or "production"

	// Database
	DBPath string

	// Credential encryption (AES-256, must be exactly 32 bytes)
	EncryptionKey string

	// Auth
	JWTSecret  string
	AdminEmail string

	// Scheduler / cron trigger
	CronSecret   string
	CronInterval time.Duration

	// Kraken
	KrakenBaseURL string

	// Fee schedule. StandardFeeRate is the retail-app equivalent rate used
	// to compute savings; PlatformFeeRate is what this pathway actually
	// charges. Kept configurable so historical comparisons stay auditable.
	StandardFeeRate decimal.Decimal
	PlatformFeeRate decimal.Decimal

	// Schedules stuck in "processing" longer than this are reset on the
	// next run (crash recovery).
	StaleProcessingAfter time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	standardRate, err := getEnvDecimal("STANDARD_FEE_RATE", "0.02")
	if err != nil {
		return nil, err
	}
	platformRate, err := getEnvDecimal("PLATFORM_FEE_RATE", "0.005")
	if err != nil {
		return nil, err
	}
	if platformRate.GreaterThan(standardRate) {
		return nil, errors.New("config: PLATFORM_FEE_RATE must not exceed STANDARD_FEE_RATE")
	}

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if len(encryptionKey) != 32 {
		return nil, errors.New("config: ENCRYPTION_KEY must be set and exactly 32 bytes long")
	}

	environment := getEnv("ENVIRONMENT", "development")

	// The development fallbacks must never reach a production deployment.
	if environment == "production" {
		if os.Getenv("JWT_SECRET") == "" {
			return nil, errors.New("config: JWT_SECRET must be set in production")
		}
		if os.Getenv("CRON_SECRET") == "" {
			return nil, errors.New("config: CRON_SECRET must be set in production")
		}
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		Environment:          environment,
		DBPath:               getEnv("DB_PATH", "./data/dca.db"),
		EncryptionKey:        encryptionKey,
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		AdminEmail:           os.Getenv("ADMIN_EMAIL"),
		CronSecret:           getEnv("CRON_SECRET", "local-development"),
		CronInterval:         time.Duration(getEnvInt("CRON_INTERVAL_MINUTES", 10)) * time.Minute,
		KrakenBaseURL:        getEnv("KRAKEN_API_URL", "https://api.kraken.com"),
		StandardFeeRate:      standardRate,
		PlatformFeeRate:      platformRate,
		StaleProcessingAfter: time.Duration(getEnvInt("STALE_PROCESSING_MINUTES", 30)) * time.Minute,
	}, nil
}

// IsProduction reports whether the deployment runs in production mode.
// Development-only helpers (e.g. the execute-now route) are gated on this.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	raw := getEnv(key, defaultValue)
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.New("config: " + key + " is not a valid decimal: " + raw)
	}
	if parsed.IsNegative() {
		return decimal.Decimal{}, errors.New("config: " + key + " must not be negative")
	}
	return parsed, nil
}
