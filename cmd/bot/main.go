package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tagbot/internal/bot"
	"tagbot/internal/breaker"
	"tagbot/internal/cache"
	"tagbot/internal/config"
	"tagbot/internal/dispatch"
	"tagbot/internal/ratelimit"
	"tagbot/internal/storage"
	"tagbot/internal/track"
	"tagbot/internal/tumblr"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sentCache := newCache(ctx, cfg, log)

	limiter := ratelimit.New(cfg.RequestsPerMinute, cfg.RequestSpacing)
	brk := breaker.New(breaker.Config{
		FailureRatio: cfg.BreakerFailureRatio,
		Cooldown:     cfg.BreakerCooldown,
	})
	source := tumblr.New(http.DefaultClient, cfg.TumblrAPIKey, cfg.FetchLimit, limiter, brk, log)

	b, err := bot.New(cfg.TelegramBotToken, store, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	tracker := track.NewTracker(store, sentCache, track.GateConfig{
		MinNotes:        cfg.MinNotes,
		MinAge:          cfg.MinAge,
		RecheckInterval: cfg.RecheckInterval,
		CleanupAfter:    time.Duration(cfg.CleanupAfterDays) * 24 * time.Hour,
		UnsentRetention: time.Duration(cfg.UnsentRetentionDays) * 24 * time.Hour,
	}, log)
	deliveries := track.NewDeliveries(store, sentCache, log)

	sched := dispatch.New(store, source, tracker, deliveries, b, dispatch.Config{
		DiscoveryInterval: cfg.DiscoveryInterval,
		ReleaseInterval:   cfg.ReleaseInterval,
		RecheckInterval:   cfg.RecheckInterval,
		CleanupSchedule:   cfg.CleanupSchedule,
		RunTimeout:        cfg.RunTimeout,
		ItemDelay:         cfg.ItemDelay,
		RecipientDelay:    cfg.RecipientDelay,
		Workers:           cfg.WorkerPoolSize,
		DeliveryRetention: time.Duration(cfg.DeliveryRetainDays) * 24 * time.Hour,
	}, log)

	log.Info("starting bot")

	if err := sched.Start(ctx); err != nil {
		log.Error("start scheduler", "error", err)
		os.Exit(1)
	}

	b.Run(ctx)

	sched.Stop(30 * time.Second)
	log.Info("bot stopped")
}

func newCache(ctx context.Context, cfg *config.Config, log *slog.Logger) cache.Cache {
	if cfg.RedisAddr == "" {
		log.Info("using in-memory sent cache")
		return cache.NewMemory(cfg.CacheTTL)
	}
	c, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.CacheTTL, log)
	if err != nil {
		// The cache is an accelerator; losing it only costs extra
		// database lookups.
		log.Warn("redis unavailable, using in-memory sent cache", "addr", cfg.RedisAddr, "error", err)
		return cache.NewMemory(cfg.CacheTTL)
	}
	log.Info("using redis sent cache", "addr", cfg.RedisAddr)
	return c
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
