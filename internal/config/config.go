// Package config provides configuration loading and validation for the bot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all runtime configuration, loaded from the environment.
// A .env file is loaded by the CLI entry point before this runs.
type Config struct {
	// Telegram
	TelegramToken string  `validate:"required"`
	AdminUserIDs  []int64 `validate:"min=1"`

	// External site credentials
	TurnitinEmail    string `validate:"required,email"`
	TurnitinPassword string `validate:"required"`
	TurnitinBaseURL  string `validate:"required,url"`

	// Class/assignment navigation
	ClassName string `validate:"required"`

	// Proxy the browser routes through (optional; empty means direct).
	// Proxy acquisition happens outside this system, the URL is just an
	// input.
	ProxyURL string `validate:"omitempty,url"`

	// Entitlement store (optional; empty disables entitlement checks)
	DatabaseURL string

	// Paths
	QueueFile    string `validate:"required"`
	TrackingFile string `validate:"required"`
	CookiesFile  string `validate:"required"`
	UploadsDir   string `validate:"required"`
	DownloadsDir string `validate:"required"`

	// Tuning
	MaxBatchSize     int           `validate:"min=1,max=8"`
	ScoreWait        time.Duration `validate:"min=1m"`
	SessionMaxAge    time.Duration `validate:"min=1m"`
	SessionMaxUses   int           `validate:"min=1"`
	BreakerThreshold int           `validate:"min=1"`
	BreakerCooldown  time.Duration `validate:"min=1s"`
}

// Load reads configuration from the environment and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TurnitinEmail:    os.Getenv("TURNITIN_EMAIL"),
		TurnitinPassword: os.Getenv("TURNITIN_PASSWORD"),
		TurnitinBaseURL:  envOr("TURNITIN_BASE_URL", "https://www.turnitin.com"),
		ClassName:        envOr("TURNITIN_CLASS_NAME", "Business Administration"),
		ProxyURL:         os.Getenv("PROXY_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		QueueFile:        envOr("QUEUE_FILE", "submission_queue.json"),
		TrackingFile:     envOr("TRACKING_FILE", "student_tracking.json"),
		CookiesFile:      envOr("COOKIES_FILE", "turnitin_session_cookies.json"),
		UploadsDir:       envOr("UPLOADS_DIR", "uploads"),
		DownloadsDir:     envOr("DOWNLOADS_DIR", "downloads"),
		MaxBatchSize:     envIntOr("MAX_BATCH_SIZE", 8),
		ScoreWait:        envDurationOr("SCORE_WAIT", 10*time.Minute),
		SessionMaxAge:    envDurationOr("SESSION_MAX_AGE", 30*time.Minute),
		SessionMaxUses:   envIntOr("SESSION_MAX_USES", 25),
		BreakerThreshold: envIntOr("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  envDurationOr("BREAKER_COOLDOWN", time.Minute),
	}

	ids, err := parseAdminIDs(os.Getenv("ADMIN_USER_IDS"))
	if err != nil {
		return nil, err
	}
	cfg.AdminUserIDs = ids

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration with struct tags.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsAdmin reports whether the given Telegram user ID is an operator.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// parseAdminIDs parses a comma-separated list of Telegram user IDs.
func parseAdminIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("ADMIN_USER_IDS is required (comma-separated Telegram user IDs)")
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid admin user ID %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("ADMIN_USER_IDS contained no valid IDs")
	}
	return ids, nil
}
