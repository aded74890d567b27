// Package config loads server settings from the environment (and .env).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/internal/logger"
)

type Config struct {
	// HTTP
	Port string

	// Storage
	DBPath string

	// Events (empty NATSURL disables publishing)
	NATSURL           string
	NATSSubjectPrefix string

	// Engine
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	CacheMaxStaleness time.Duration
	DriftThreshold    decimal.Decimal

	// Scheduled reconciliation
	ReconcileEnabled     bool
	ReconcileInterval    time.Duration
	ReconcilePageSize    int
	ReconcileConcurrency int
	ReconcileAutoCorrect bool

	// Logging Configuration
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	// A missing .env file is fine; explicit env vars still apply.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	p := &envParser{}
	config := &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "ledger.db"),
		NATSURL:              getEnv("NATS_URL", ""),
		NATSSubjectPrefix:    getEnv("NATS_SUBJECT_PREFIX", "ledger"),
		RetryMaxAttempts:     p.getInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseDelay:       p.getDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
		CacheMaxStaleness:    p.getDuration("CACHE_MAX_STALENESS", time.Hour),
		DriftThreshold:       p.getDecimal("DRIFT_THRESHOLD", "0.01"),
		ReconcileEnabled:     p.getBool("RECONCILE_ENABLED", true),
		ReconcileInterval:    p.getDuration("RECONCILE_INTERVAL", time.Hour),
		ReconcilePageSize:    p.getInt("RECONCILE_PAGE_SIZE", 100),
		ReconcileConcurrency: p.getInt("RECONCILE_CONCURRENCY", 4),
		ReconcileAutoCorrect: p.getBool("RECONCILE_AUTO_CORRECT", true),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "console"),
		LogTimeFormat:        getEnv("LOG_TIME_FORMAT", time.RFC3339),
		LogOutput:            getEnv("LOG_OUTPUT", "stdout"),
	}
	if p.err != nil {
		return nil, fmt.Errorf("config parse failed: %w", p.err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must not be negative")
	}
	if c.CacheMaxStaleness <= 0 {
		return fmt.Errorf("CACHE_MAX_STALENESS must be positive")
	}
	if c.DriftThreshold.IsNegative() {
		return fmt.Errorf("DRIFT_THRESHOLD must not be negative")
	}
	if c.ReconcileEnabled && c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.ReconcilePageSize < 1 {
		return fmt.Errorf("RECONCILE_PAGE_SIZE must be at least 1")
	}
	if c.ReconcileConcurrency < 1 {
		return fmt.Errorf("RECONCILE_CONCURRENCY must be at least 1")
	}
	return nil
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envParser reads typed values and keeps the first parse error.
type envParser struct {
	err error
}

func (p *envParser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (p *envParser) getInt(key string, def int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return v
}

func (p *envParser) getBool(key string, def bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return v
}

func (p *envParser) getDuration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return v
}

func (p *envParser) getDecimal(key, def string) decimal.Decimal {
	raw := getEnv(key, def)
	v, err := decimal.NewFromString(raw)
	if err != nil {
		p.fail(key, err)
		return decimal.RequireFromString(def)
	}
	return v
}
