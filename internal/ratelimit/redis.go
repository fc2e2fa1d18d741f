package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter enforces a fixed window per key shared across instances.
// A request increments ticketd:rl:<key>; the first hit in a window sets
// the TTL. Redis errors fail open so a cache outage never blocks checkout.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	logger *slog.Logger
}

// NewRedisLimiter creates a limiter allowing requestsPerMinute per key.
func NewRedisLimiter(client *redis.Client, requestsPerMinute int, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		client: client,
		limit:  int64(requestsPerMinute),
		window: time.Minute,
		logger: logger,
	}
}

// Allow checks if a request should be allowed
func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	rkey := "ticketd:rl:" + key

	n, err := l.client.Incr(ctx, rkey).Result()
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request", "error", err)
		return true
	}
	if n == 1 {
		if err := l.client.Expire(ctx, rkey, l.window).Err(); err != nil {
			l.logger.Warn("rate limit expire failed", "key", key, "error", err)
		}
	}

	return n <= l.limit
}
