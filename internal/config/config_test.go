package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:                        8080,
		PairingTTLSeconds:           60,
		PairingSweepIntervalSeconds: 5,
		HealthIntervalSeconds:       30,
		HealthFailureThreshold:      3,
		HealthProbeTimeoutSeconds:   10,
		LogRetention:                500,
		BulkConcurrency:             8,
		AnalyticsWindowHours:        24,
		AnalyticsBucketMinutes:      60,
		ConnectorTimeoutSeconds:     15,
		DatabaseURL:                 "postgres://localhost/test",
		RedisURL:                    "redis://localhost:6379",
	}
}

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("durations convert from their units", func(t *testing.T) {
		cfg := validConfig()
		assert.Equal(t, 60*time.Second, cfg.PairingTTL())
		assert.Equal(t, 5*time.Second, cfg.PairingSweepInterval())
		assert.Equal(t, 30*time.Second, cfg.HealthInterval())
		assert.Equal(t, 10*time.Second, cfg.HealthProbeTimeout())
		assert.Equal(t, 24*time.Hour, cfg.AnalyticsWindow())
		assert.Equal(t, time.Hour, cfg.AnalyticsBucket())
		assert.Equal(t, 15*time.Second, cfg.ConnectorTimeout())
	})
}

func TestLoad(t *testing.T) {
	t.Run("loads config with defaults", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("REDIS_URL", "")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, 60, cfg.PairingTTLSeconds)
		assert.Equal(t, 30, cfg.HealthIntervalSeconds)
		assert.Equal(t, 3, cfg.HealthFailureThreshold)
		assert.Equal(t, 500, cfg.LogRetention)
		assert.Equal(t, 8, cfg.BulkConcurrency)
		assert.Equal(t, 24, cfg.AnalyticsWindowHours)
		assert.Equal(t, "@every 5m", cfg.AnalyticsRefreshSchedule)
		assert.True(t, cfg.DiscordEnabled)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("loads custom values", func(t *testing.T) {
		t.Setenv("PORT", "3000")
		t.Setenv("HEALTH_FAILURE_THRESHOLD", "5")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("CONNECTOR_ENDPOINTS", "whatsapp=http://wa-bridge:3000,telegram=http://tg-bridge:3000")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, 5, cfg.HealthFailureThreshold)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, map[string]string{
			"whatsapp": "http://wa-bridge:3000",
			"telegram": "http://tg-bridge:3000",
		}, cfg.ConnectorEndpoints)
	})

	t.Run("fails on malformed integer", func(t *testing.T) {
		t.Setenv("BULK_CONCURRENCY", "eight")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("accepts valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("rejects non-positive threshold", func(t *testing.T) {
		cfg := validConfig()
		cfg.HealthFailureThreshold = 0
		assert.ErrorContains(t, cfg.Validate(), "HEALTH_FAILURE_THRESHOLD")
	})

	t.Run("rejects bucket wider than window", func(t *testing.T) {
		cfg := validConfig()
		cfg.AnalyticsWindowHours = 1
		cfg.AnalyticsBucketMinutes = 120
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown connector platform", func(t *testing.T) {
		cfg := validConfig()
		cfg.ConnectorEndpoints = map[string]string{"myspace": "http://bridge"}
		assert.ErrorContains(t, cfg.Validate(), "myspace")
	})

	t.Run("rejects non-http connector endpoint", func(t *testing.T) {
		cfg := validConfig()
		cfg.ConnectorEndpoints = map[string]string{"whatsapp": "bridge:3000"}
		assert.Error(t, cfg.Validate())
	})
}
