// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	AllowedUsers     []int64

	LookbackHours       int
	MaxMessagesPerRun   int
	MaxConcurrency      int
	ScanIntervalMinutes int

	LinkHost        string
	FeedURLTemplate string

	SendRatePerSec int
	SendMaxRetries int
}

// LoadDotEnv reads a .env file into the process environment.
// Variables already set in the environment are left untouched and a
// missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	return load(token)
}

// LoadScan reads configuration for the batch tools. The token is
// optional there: the importer never uses it and a scan without it runs
// dry, logging hits instead of sending them.
func LoadScan() (*Config, error) {
	return load(os.Getenv("TELEGRAM_BOT_TOKEN"))
}

func load(token string) (*Config, error) {
	cfg := &Config{
		TelegramBotToken: token,
		DatabasePath:     envOr("DATABASE_PATH", "./data/bot.db"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LinkHost:         envOr("LINK_HOST", "t.me"),
		FeedURLTemplate:  envOr("FEED_URL_TEMPLATE", "https://rsshub.app/telegram/channel/%s"),
	}

	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			cfg.AllowedUsers = append(cfg.AllowedUsers, uid)
		}
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"LOOKBACK_HOURS", 24, &cfg.LookbackHours},
		{"MAX_MSGS_PER_RUN", 1000, &cfg.MaxMessagesPerRun},
		{"MAX_CONCURRENCY", 4, &cfg.MaxConcurrency},
		{"SCAN_INTERVAL_MINUTES", 5, &cfg.ScanIntervalMinutes},
		{"SEND_RATE_PER_SEC", 20, &cfg.SendRatePerSec},
		{"SEND_MAX_RETRIES", 3, &cfg.SendMaxRetries},
	}
	for _, v := range ints {
		n, err := positiveInt(v.key, v.def)
		if err != nil {
			return nil, err
		}
		*v.dst = n
	}

	if !strings.Contains(cfg.FeedURLTemplate, "%s") {
		return nil, fmt.Errorf("FEED_URL_TEMPLATE must contain %%s, got %q", cfg.FeedURLTemplate)
	}

	return cfg, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// Lookback returns the first-scan lookback window.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// ScanInterval returns the period between scan passes in daemon mode.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMinutes) * time.Minute
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func positiveInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}
