package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"PORT", "DB_PATH", "NATS_URL", "NATS_SUBJECT_PREFIX",
	"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "CACHE_MAX_STALENESS", "DRIFT_THRESHOLD",
	"RECONCILE_ENABLED", "RECONCILE_INTERVAL", "RECONCILE_PAGE_SIZE", "RECONCILE_CONCURRENCY",
	"RECONCILE_AUTO_CORRECT", "LOG_LEVEL", "LOG_FORMAT", "LOG_TIME_FORMAT", "LOG_OUTPUT",
}

func clearEnv(t *testing.T) {
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()

	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "ledger.db", cfg.DBPath)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, time.Hour, cfg.CacheMaxStaleness)
	assert.Equal(t, "0.01", cfg.DriftThreshold.String())
	assert.True(t, cfg.ReconcileEnabled)
	assert.True(t, cfg.ReconcileAutoCorrect)
	assert.Equal(t, 4, cfg.ReconcileConcurrency)
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("RETRY_MAX_ATTEMPTS", "8")
	t.Setenv("RETRY_BASE_DELAY", "250ms")
	t.Setenv("DRIFT_THRESHOLD", "0.5")
	t.Setenv("RECONCILE_ENABLED", "false")
	t.Setenv("RECONCILE_INTERVAL", "0s")

	cfg, err := FromEnv()

	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 8, cfg.RetryMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, "0.5", cfg.DriftThreshold.String())
	assert.False(t, cfg.ReconcileEnabled, "interval is only checked when enabled")
}

func TestFromEnv_Errors(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"RETRY_MAX_ATTEMPTS", "many", "RETRY_MAX_ATTEMPTS"},
		{"RETRY_MAX_ATTEMPTS", "0", "at least 1"},
		{"RETRY_BASE_DELAY", "soon", "RETRY_BASE_DELAY"},
		{"CACHE_MAX_STALENESS", "-1m", "must be positive"},
		{"DRIFT_THRESHOLD", "-1", "must not be negative"},
		{"RECONCILE_ENABLED", "maybe", "RECONCILE_ENABLED"},
		{"RECONCILE_PAGE_SIZE", "0", "RECONCILE_PAGE_SIZE"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := FromEnv()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetLoggerConfig(t *testing.T) {
	cfg := &Config{LogLevel: "debug", LogFormat: "json", LogTimeFormat: time.RFC3339, LogOutput: "stderr"}

	lc := cfg.GetLoggerConfig()

	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", lc.Format)
	assert.Equal(t, "stderr", lc.Output)
}
