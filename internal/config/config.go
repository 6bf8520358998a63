package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-token-change-me", "secret", "token", "password",
}

type Config struct {
	Port                     int    `env:"PORT" envDefault:"8080"`
	DatabaseURL              string `env:"DATABASE_URL,required"`
	RedisURL                 string `env:"REDIS_URL,required"`
	APIToken                 string `env:"API_TOKEN"`
	LogLevel                 string `env:"LOG_LEVEL" envDefault:"info"`
	WebhookSecret            string `env:"WEBHOOK_SECRET"`
	WebhookTimeoutSeconds    int    `env:"WEBHOOK_TIMEOUT_SECONDS" envDefault:"15"`
	WebhookQueueSize         int    `env:"WEBHOOK_QUEUE_SIZE" envDefault:"256"`
	WebhookLogRetentionHours int    `env:"WEBHOOK_LOG_RETENTION_HOURS" envDefault:"72"`
	ReconnectDelaySeconds    int    `env:"RECONNECT_DELAY_SECONDS" envDefault:"5"`
	ReconnectMaxDelaySeconds int    `env:"RECONNECT_MAX_DELAY_SECONDS" envDefault:"300"`
	PairingTimeoutSeconds    int    `env:"PAIRING_TIMEOUT_SECONDS" envDefault:"300"`
	LivenessProbe            bool   `env:"LIVENESS_PROBE" envDefault:"false"`
	SendRateLimitPerMin      int    `env:"SEND_RATE_LIMIT_PER_MIN" envDefault:"60"`
	RestoreSessions          bool   `env:"RESTORE_SESSIONS" envDefault:"true"`
	ConsoleQR                bool   `env:"CONSOLE_QR" envDefault:"true"`
}

func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

func (c *Config) WebhookLogRetention() time.Duration {
	return time.Duration(c.WebhookLogRetentionHours) * time.Hour
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelaySeconds) * time.Second
}

// PairingTimeout is zero when pairing never expires.
func (c *Config) PairingTimeout() time.Duration {
	if c.PairingTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PairingTimeoutSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.WebhookTimeoutSeconds <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT_SECONDS must be positive")
	}
	if c.ReconnectDelaySeconds <= 0 {
		return fmt.Errorf("RECONNECT_DELAY_SECONDS must be positive")
	}
	if c.ReconnectMaxDelaySeconds < c.ReconnectDelaySeconds {
		return fmt.Errorf("RECONNECT_MAX_DELAY_SECONDS must not be lower than RECONNECT_DELAY_SECONDS")
	}

	if isProduction {
		if err := validateSecret("API_TOKEN", c.APIToken); err != nil {
			return err
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.ConsoleQR {
			log.Warn().Msg("CONSOLE_QR is enabled in production: pairing codes are written to the process log")
		}
	} else if c.APIToken == "" {
		log.Warn().Msg("API_TOKEN is empty: the API is served without authentication")
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: go run scripts/gen-token.go)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
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
