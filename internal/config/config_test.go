package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"SERVER_PORT", "PORT", "CROSS_BORDER_FEE_PERCENT", "LEG_BACKOFF_SCHEDULE", "SWEEPER_BATCH_SIZE", "LEG_MAX_ATTEMPTS"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 5, cfg.LegMaxAttempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second, 120 * time.Second, 300 * time.Second}, cfg.LegBackoff)
	assert.Equal(t, 100, cfg.SweeperBatchSize)
	assert.True(t, cfg.CrossBorderFeePercent.Equal(mustDecimal(t, "0.5")))
	assert.Equal(t, 5*time.Minute, cfg.QuoteTTL())
	assert.Equal(t, 15*time.Minute, cfg.StuckAfter())
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL())
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7070")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.ServerPort)
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PORT")
	setEnvWithCleanup(t, "CROSS_BORDER_FEE_PERCENT", "-2")
	setEnvWithCleanup(t, "CROSS_BORDER_FEE_FLAT", "abc")
	setEnvWithCleanup(t, "LEG_BACKOFF_SCHEDULE", "soon,later")
	setEnvWithCleanup(t, "SWEEPER_BATCH_SIZE", "5000")
	setEnvWithCleanup(t, "LEG_MAX_ATTEMPTS", "0")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.CrossBorderFeePercent.IsZero())
	assert.True(t, cfg.CrossBorderFeeFlat.IsZero())
	assert.Len(t, cfg.LegBackoff, 5)
	assert.Equal(t, 500, cfg.SweeperBatchSize)
	assert.Equal(t, 5, cfg.LegMaxAttempts)
}

func TestLoadConfig_FeePercentCappedAt100(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "CROSS_BORDER_FEE_PERCENT", "250")
	setEnvWithCleanup(t, "CROSS_BORDER_FEE_FLAT", "1.25")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.CrossBorderFeePercent.Equal(mustDecimal(t, "100")))
	assert.True(t, cfg.CrossBorderFeeFlat.Equal(mustDecimal(t, "1.25")))
}

func TestParseBackoff(t *testing.T) {
	got, err := ParseBackoff("1s, 30, 2m")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 30 * time.Second, 2 * time.Minute}, got)

	_, err = ParseBackoff("")
	assert.Error(t, err)
	_, err = ParseBackoff("0")
	assert.Error(t, err)
	_, err = ParseBackoff("-1s")
	assert.Error(t, err)
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
