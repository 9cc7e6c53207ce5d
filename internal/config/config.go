package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                      int      `env:"PORT" envDefault:"8002"`
	DatabaseURL               string   `env:"DATABASE_URL,required"`
	RedisURL                  string   `env:"REDIS_URL,required"`
	AuthJWTSecret             string   `env:"AUTH_JWT_SECRET,required"`
	CloudPublicWSURL          string   `env:"CLOUD_PUBLIC_WS_URL" envDefault:"ws://localhost:8002/tpa-ws"`
	LogLevel                  string   `env:"LOG_LEVEL" envDefault:"info"`
	GracePeriodSeconds        int      `env:"GRACE_PERIOD_SECONDS" envDefault:"300"`
	ActivationTimeoutSeconds  int      `env:"ACTIVATION_TIMEOUT_SECONDS" envDefault:"10"`
	HealthCheckIntervalSecs   int      `env:"HEALTH_CHECK_INTERVAL_SECONDS" envDefault:"30"`
	ReconnectBaseDelayMillis  int      `env:"RECONNECT_BASE_DELAY_MS" envDefault:"1000"`
	ReconnectMaxAttempts      int      `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"3"`
	WebhookTimeoutSeconds     int      `env:"WEBHOOK_TIMEOUT_SECONDS" envDefault:"5"`
	AppCacheTTLSeconds        int      `env:"APP_CACHE_TTL_SECONDS" envDefault:"300"`
	AllowedOrigins            []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	UpgradeRateLimitPerMinute int      `env:"UPGRADE_RATE_LIMIT_PER_MIN" envDefault:"120"`
	RunMigrations             bool     `env:"RUN_MIGRATIONS" envDefault:"true"`
}

func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

func (c *Config) ActivationTimeout() time.Duration {
	return time.Duration(c.ActivationTimeoutSeconds) * time.Second
}

func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSecs) * time.Second
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMillis) * time.Millisecond
}

func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

func (c *Config) AppCacheTTL() time.Duration {
	return time.Duration(c.AppCacheTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.GracePeriodSeconds <= 0 {
		return fmt.Errorf("GRACE_PERIOD_SECONDS must be positive")
	}
	if c.ActivationTimeoutSeconds <= 0 {
		return fmt.Errorf("ACTIVATION_TIMEOUT_SECONDS must be positive")
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}

	parsed, err := url.Parse(c.CloudPublicWSURL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return fmt.Errorf("CLOUD_PUBLIC_WS_URL must be a ws:// or wss:// URL")
	}

	if isProduction {
		if len(c.AuthJWTSecret) < 32 {
			return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters in production (generate with: openssl rand -base64 32)")
		}
		if parsed.Scheme != "wss" {
			log.Warn().Msg("CLOUD_PUBLIC_WS_URL uses ws:// in production: TPA API keys travel unencrypted")
		}
		if len(c.AllowedOrigins) == 0 {
			log.Warn().Msg("ALLOWED_ORIGINS is empty in production: websocket origin check disabled")
		}
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
