// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	TumblrAPIKey     string
	DatabasePath     string
	RedisAddr        string // empty = in-memory fast-path cache
	LogLevel         string
	AllowedUsers     []int64

	// Qualification gate.
	MinNotes int64
	MinAge   time.Duration

	// Job schedules.
	DiscoveryInterval time.Duration
	ReleaseInterval   time.Duration
	RecheckInterval   time.Duration
	CleanupSchedule   string // cron spec, off-peak

	// Retention.
	CleanupAfterDays    int // sent tracked posts
	UnsentRetentionDays int // never-sent tracked posts
	DeliveryRetainDays  int // delivered rows
	CacheTTL            time.Duration

	// Upstream rate limiting.
	RequestsPerMinute int
	RequestSpacing    time.Duration

	// Circuit breaker.
	BreakerFailureRatio float64
	BreakerCooldown     time.Duration

	// Dispatch pacing.
	ItemDelay      time.Duration
	RecipientDelay time.Duration
	WorkerPoolSize int
	RunTimeout     time.Duration

	FetchLimit int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	apiKey := os.Getenv("TUMBLR_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("TUMBLR_API_KEY is required")
	}

	cfg := &Config{
		TelegramBotToken: token,
		TumblrAPIKey:     apiKey,
		DatabasePath:     envOrDefault("DATABASE_PATH", "./data/bot.db"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		CleanupSchedule:  envOrDefault("CLEANUP_SCHEDULE", "0 3 * * *"),
	}

	var allowedUsers []int64
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
			allowedUsers = append(allowedUsers, uid)
		}
	}
	cfg.AllowedUsers = allowedUsers

	var err error
	loadDur := func(dst *time.Duration, key string, def time.Duration) {
		if err == nil {
			*dst, err = envDuration(key, def)
		}
	}
	loadInt := func(dst *int, key string, def int) {
		if err == nil {
			*dst, err = envInt(key, def)
		}
	}

	cfg.MinNotes, err = envInt64("MIN_NOTES", 5)
	loadDur(&cfg.MinAge, "MIN_AGE", 0)
	loadDur(&cfg.DiscoveryInterval, "DISCOVERY_INTERVAL", 5*time.Minute)
	loadDur(&cfg.ReleaseInterval, "RELEASE_INTERVAL", 30*time.Minute)
	loadDur(&cfg.RecheckInterval, "RECHECK_INTERVAL", time.Hour)
	loadDur(&cfg.CacheTTL, "CACHE_TTL", 24*time.Hour)
	loadDur(&cfg.RequestSpacing, "REQUEST_SPACING", time.Second)
	loadDur(&cfg.BreakerCooldown, "BREAKER_COOLDOWN", time.Minute)
	loadDur(&cfg.ItemDelay, "ITEM_DELAY", 500*time.Millisecond)
	loadDur(&cfg.RecipientDelay, "RECIPIENT_DELAY", time.Second)
	loadDur(&cfg.RunTimeout, "RUN_TIMEOUT", 20*time.Minute)
	loadInt(&cfg.CleanupAfterDays, "CLEANUP_AFTER_DAYS", 7)
	loadInt(&cfg.UnsentRetentionDays, "UNSENT_RETENTION_DAYS", 30)
	loadInt(&cfg.DeliveryRetainDays, "DELIVERY_RETENTION_DAYS", 30)
	loadInt(&cfg.RequestsPerMinute, "REQUESTS_PER_MINUTE", 20)
	loadInt(&cfg.WorkerPoolSize, "WORKER_POOL_SIZE", 5)
	loadInt(&cfg.FetchLimit, "FETCH_LIMIT", 20)
	if err != nil {
		return nil, err
	}

	cfg.BreakerFailureRatio, err = envFloat("BREAKER_FAILURE_RATIO", 0.5)
	if err != nil {
		return nil, err
	}
	if cfg.BreakerFailureRatio <= 0 || cfg.BreakerFailureRatio > 1 {
		return nil, fmt.Errorf("BREAKER_FAILURE_RATIO must be in (0, 1]")
	}
	if cfg.WorkerPoolSize < 1 {
		return nil, fmt.Errorf("WORKER_POOL_SIZE must be at least 1")
	}
	if cfg.RequestsPerMinute < 1 {
		return nil, fmt.Errorf("REQUESTS_PER_MINUTE must be at least 1")
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

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envInt64(key string, def int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
