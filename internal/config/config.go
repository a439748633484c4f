// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/habitkit/smsagent/internal/flow"
	"github.com/habitkit/smsagent/internal/genai"
	"github.com/habitkit/smsagent/internal/scheduler"
	"github.com/habitkit/smsagent/internal/store"
	"github.com/habitkit/smsagent/internal/util"
)

const (
	// DefaultStateDir holds the SQLite database when no DATABASE_URL is given.
	DefaultStateDir = "/var/lib/smsagent"
	// DefaultDBFileName is the SQLite file created under the state directory.
	DefaultDBFileName = "smsagent.db"
	// DefaultAPIAddr is the HTTP listen address.
	DefaultAPIAddr = ":8080"
)

// Config holds all application configuration.
type Config struct {
	APIAddr          string
	DatabaseURL      string
	StateDir         string
	Twilio           TwilioConfig
	OpenAI           OpenAIConfig
	SessionTTL       time.Duration
	SMSLogEnabled    bool
	HousekeepingCron string
	LogLevel         string
}

// TwilioConfig carries carrier credentials and the public webhook URL.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	WebhookURL string // URL Twilio signs; empty means rebuild it from the request
}

// OpenAIConfig configures the suggestion model.
type OpenAIConfig struct {
	APIKey string
	Model  string
}

// Load reads configuration from environment variables. Call godotenv first to pick up a .env file.
func Load() (*Config, error) {
	cfg := &Config{
		APIAddr:     util.GetEnv("API_ADDR", DefaultAPIAddr),
		DatabaseURL: util.GetEnv("DATABASE_URL", ""),
		StateDir:    util.GetEnv("SMSAGENT_STATE_DIR", DefaultStateDir),
		Twilio: TwilioConfig{
			AccountSID: util.GetEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  util.GetEnv("TWILIO_AUTH_TOKEN", ""),
			FromNumber: util.GetEnv("TWILIO_FROM_NUMBER", ""),
			WebhookURL: util.GetEnv("TWILIO_WEBHOOK_URL", ""),
		},
		OpenAI: OpenAIConfig{
			APIKey: util.GetEnv("OPENAI_API_KEY", ""),
			Model:  util.GetEnv("OPENAI_MODEL", genai.DefaultModel),
		},
		SessionTTL:       util.ParseDurationEnv("BACKUP_SESSION_TTL", flow.DefaultSessionTTL),
		SMSLogEnabled:    util.ParseBoolEnv("SMS_LOG_ENABLED", true),
		HousekeepingCron: util.GetEnv("HOUSEKEEPING_CRON", scheduler.DefaultHousekeepingSpec),
		LogLevel:         util.GetEnv("LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.DefaultSQLitePath()
		slog.Debug("No DATABASE_URL set, defaulting to SQLite", "sqlite_path", cfg.DatabaseURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultSQLitePath is the database file used when DATABASE_URL is unset.
func (c *Config) DefaultSQLitePath() string {
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIAddr == "" {
		return fmt.Errorf("API_ADDR cannot be empty")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("BACKUP_SESSION_TTL must be > 0")
	}
	if _, err := cron.ParseStandard(c.HousekeepingCron); err != nil {
		return fmt.Errorf("HOUSEKEEPING_CRON %q: %w", c.HousekeepingCron, err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if (c.Twilio.AccountSID == "") != (c.Twilio.AuthToken == "") {
		return fmt.Errorf("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN must be set together")
	}
	return nil
}

// TwilioConfigured reports whether real SMS delivery is possible.
func (c *Config) TwilioConfigured() bool {
	return c.Twilio.AccountSID != "" && c.Twilio.AuthToken != "" && c.Twilio.FromNumber != ""
}

// UsesSQLite reports whether DatabaseURL points at a file rather than a Postgres server.
func (c *Config) UsesSQLite() bool {
	return store.DetectDSNType(c.DatabaseURL) == "sqlite"
}

// ParseLogLevel maps LOG_LEVEL names onto slog levels.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", level)
	}
}
