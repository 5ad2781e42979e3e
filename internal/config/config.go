package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/multisession-server-go/internal/model"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"APP_ENV" envDefault:"development"`

	// PublicURL is the externally reachable base URL of this server. Bridge
	// sidecars post traffic to PublicURL/bots/{id}/events.
	PublicURL        string   `env:"PUBLIC_URL"`
	WSOriginPatterns []string `env:"WS_ORIGIN_PATTERNS" envSeparator:","`

	PairingTTLSeconds           int `env:"PAIRING_TTL_SECONDS" envDefault:"60"`
	PairingSweepIntervalSeconds int `env:"PAIRING_SWEEP_INTERVAL_SECONDS" envDefault:"5"`

	HealthIntervalSeconds     int `env:"HEALTH_INTERVAL_SECONDS" envDefault:"30"`
	HealthFailureThreshold    int `env:"HEALTH_FAILURE_THRESHOLD" envDefault:"3"`
	HealthProbeTimeoutSeconds int `env:"HEALTH_PROBE_TIMEOUT_SECONDS" envDefault:"10"`

	LogRetention    int `env:"LOG_RETENTION" envDefault:"500"`
	BulkConcurrency int `env:"BULK_CONCURRENCY" envDefault:"8"`

	AnalyticsWindowHours     int    `env:"ANALYTICS_WINDOW_HOURS" envDefault:"24"`
	AnalyticsBucketMinutes   int    `env:"ANALYTICS_BUCKET_MINUTES" envDefault:"60"`
	AnalyticsRefreshSchedule string `env:"ANALYTICS_REFRESH_SCHEDULE" envDefault:"@every 5m"`

	ConnectorTimeoutSeconds int               `env:"CONNECTOR_TIMEOUT_SECONDS" envDefault:"15"`
	ConnectorEndpoints      map[string]string `env:"CONNECTOR_ENDPOINTS" envKeyValSeparator:"="`
	DiscordEnabled          bool              `env:"DISCORD_ENABLED" envDefault:"true"`

	RateLimitPerMin int `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLSeconds) * time.Second
}

func (c *Config) PairingSweepInterval() time.Duration {
	return time.Duration(c.PairingSweepIntervalSeconds) * time.Second
}

func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

func (c *Config) HealthProbeTimeout() time.Duration {
	return time.Duration(c.HealthProbeTimeoutSeconds) * time.Second
}

func (c *Config) AnalyticsWindow() time.Duration {
	return time.Duration(c.AnalyticsWindowHours) * time.Hour
}

func (c *Config) AnalyticsBucket() time.Duration {
	return time.Duration(c.AnalyticsBucketMinutes) * time.Minute
}

func (c *Config) ConnectorTimeout() time.Duration {
	return time.Duration(c.ConnectorTimeoutSeconds) * time.Second
}

func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"PAIRING_TTL_SECONDS", c.PairingTTLSeconds},
		{"PAIRING_SWEEP_INTERVAL_SECONDS", c.PairingSweepIntervalSeconds},
		{"HEALTH_INTERVAL_SECONDS", c.HealthIntervalSeconds},
		{"HEALTH_FAILURE_THRESHOLD", c.HealthFailureThreshold},
		{"HEALTH_PROBE_TIMEOUT_SECONDS", c.HealthProbeTimeoutSeconds},
		{"LOG_RETENTION", c.LogRetention},
		{"BULK_CONCURRENCY", c.BulkConcurrency},
		{"ANALYTICS_WINDOW_HOURS", c.AnalyticsWindowHours},
		{"ANALYTICS_BUCKET_MINUTES", c.AnalyticsBucketMinutes},
		{"CONNECTOR_TIMEOUT_SECONDS", c.ConnectorTimeoutSeconds},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if c.AnalyticsBucket() > c.AnalyticsWindow() {
		return fmt.Errorf("ANALYTICS_BUCKET_MINUTES must not exceed the analytics window")
	}

	for platform, endpoint := range c.ConnectorEndpoints {
		if _, err := model.ParsePlatform(platform); err != nil {
			return fmt.Errorf("CONNECTOR_ENDPOINTS: %w", err)
		}
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			return fmt.Errorf("CONNECTOR_ENDPOINTS: %s endpoint must be an http(s) URL", platform)
		}
	}

	if c.PublicURL != "" && !strings.HasPrefix(c.PublicURL, "http://") && !strings.HasPrefix(c.PublicURL, "https://") {
		return fmt.Errorf("PUBLIC_URL must be an http(s) URL")
	}

	if c.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL is empty: sessions are kept in memory and lost on restart")
	}
	if c.RedisURL == "" {
		log.Warn().Msg("REDIS_URL is empty: events and rate limits are local to this process")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
