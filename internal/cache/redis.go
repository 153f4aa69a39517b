package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache backed by a Redis instance, shared across
// bot replicas and surviving restarts within the TTL window.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

// NewRedis creates a Redis-backed cache and verifies connectivity.
func NewRedis(ctx context.Context, addr string, ttl time.Duration, log *slog.Logger) (*Redis, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb, ttl: ttl, log: log}, nil
}

// Close releases the underlying Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// WasSent reports whether a post was globally marked sent.
func (r *Redis) WasSent(ctx context.Context, postID string) bool {
	return r.exists(ctx, globalKey(postID))
}

// MarkSent records a post as globally sent.
func (r *Redis) MarkSent(ctx context.Context, postID string) {
	r.set(ctx, globalKey(postID))
}

// WasSentTo reports whether a post was marked sent to one chat.
func (r *Redis) WasSentTo(ctx context.Context, chatID int64, postID string) bool {
	return r.exists(ctx, chatKey(chatID, postID))
}

// MarkSentTo records a post as sent to one chat.
func (r *Redis) MarkSentTo(ctx context.Context, chatID int64, postID string) {
	r.set(ctx, chatKey(chatID, postID))
}

func (r *Redis) exists(ctx context.Context, key string) bool {
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		// A failed lookup is a miss; the database check still runs.
		r.log.Warn("redis exists failed", "key", key, "error", err)
		return false
	}
	return n > 0
}

func (r *Redis) set(ctx context.Context, key string) {
	if err := r.rdb.SetNX(ctx, key, "1", r.ttl).Err(); err != nil {
		r.log.Warn("redis setnx failed", "key", key, "error", err)
	}
}
