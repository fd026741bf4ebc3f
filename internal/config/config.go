package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Config holds the bot configuration.
// Environment variables are parsed with the IDEABOT_ prefix, e.g. IDEABOT_TELEGRAM_TOKEN.
type Config struct {
	TelegramToken  string        `envconfig:"TELEGRAM_TOKEN"`
	TelegramAPIURL string        `envconfig:"TELEGRAM_API_URL" default:"https://api.telegram.org"`
	UpdateMode     string        `envconfig:"UPDATE_MODE" default:"polling"` // "polling" or "webhook"
	PollTimeout    int           `envconfig:"POLL_TIMEOUT" default:"30"`
	WebhookSecret  string        `envconfig:"WEBHOOK_SECRET"`
	SendTimeout    time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`

	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"sqlite"` // "sqlite" or "postgres"
	DatabaseURL    string `envconfig:"DATABASE_URL" default:"ideabot.db"`

	// Optional; pending interactions live in memory when empty.
	RedisURL string `envconfig:"REDIS_URL"`

	HTTPPort  string `envconfig:"HTTP_PORT" default:"8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	JWTSecret string `envconfig:"JWT_SECRET"`

	GeminiAPIKey   string        `envconfig:"GEMINI_API_KEY"`
	GeminiModel    string        `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash-latest"`
	ArticleTimeout time.Duration `envconfig:"ARTICLE_TIMEOUT" default:"2m"`

	PendingTTL time.Duration `envconfig:"PENDING_TTL" default:"10m"`
	ListLimit  int           `envconfig:"LIST_LIMIT" default:"10"`

	ReminderInterval    time.Duration `envconfig:"REMINDER_INTERVAL" default:"60s"`
	ReminderBatchSize   int           `envconfig:"REMINDER_BATCH_SIZE" default:"20"`
	ReminderCallTimeout time.Duration `envconfig:"REMINDER_CALL_TIMEOUT" default:"10s"`
	ReminderLease       time.Duration `envconfig:"REMINDER_LEASE" default:"2m"`
	ReminderMaxAttempts int           `envconfig:"REMINDER_MAX_ATTEMPTS" default:"5"`
	ReminderMaxDelay    time.Duration `envconfig:"REMINDER_MAX_DELAY" default:"8760h"`

	DigestSchedule   string        `envconfig:"DIGEST_SCHEDULE" default:"0 9 * * 1"`
	DigestStaleAfter time.Duration `envconfig:"DIGEST_STALE_AFTER" default:"168h"`
	DigestTopN       int           `envconfig:"DIGEST_TOP_N" default:"5"`
}

// LoadConfig reads an optional .env file and then the IDEABOT_ environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}

	var cfg Config
	if err := envconfig.Process("IDEABOT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("db_driver", cfg.DatabaseDriver).
		Str("update_mode", cfg.UpdateMode).
		Str("http_port", cfg.HTTPPort).
		Bool("redis_pending", cfg.RedisURL != "").
		Bool("gemini_configured", cfg.GeminiAPIKey != "").
		Dur("reminder_interval", cfg.ReminderInterval).
		Str("digest_schedule", cfg.DigestSchedule).
		Msg("Configuration loaded")

	return &cfg, nil
}

// Validate normalizes enum-like fields and rejects unusable combinations.
func (c *Config) Validate() error {
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER: %s", c.DatabaseDriver)
	}

	c.UpdateMode = strings.ToLower(strings.TrimSpace(c.UpdateMode))
	switch c.UpdateMode {
	case "polling":
	case "webhook":
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in webhook mode")
		}
	default:
		return fmt.Errorf("unsupported UPDATE_MODE: %s", c.UpdateMode)
	}

	if c.ReminderBatchSize <= 0 {
		return fmt.Errorf("REMINDER_BATCH_SIZE must be positive")
	}
	if c.ReminderInterval <= 0 {
		return fmt.Errorf("REMINDER_INTERVAL must be positive")
	}
	if c.ReminderMaxAttempts <= 0 {
		return fmt.Errorf("REMINDER_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// RequireTelegram fails when the bot token is missing; only commands that talk to Telegram call it.
func (c *Config) RequireTelegram() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("IDEABOT_TELEGRAM_TOKEN environment variable is required")
	}
	return nil
}

// HTTPAddr returns the listen address for the HTTP server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%s", c.HTTPPort)
}
