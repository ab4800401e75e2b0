package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces rate limit counters.
const RedisKeyPrefix = "shipyard:ratelimit:"

// redisCounter is the subset of the redis client the limiter uses.
type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

type redisRateLimiter struct {
	client  redisCounter
	closer  func() error
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisRateLimiter builds a limiter whose counters are shared by every
// engine talking to the same redis. It fails open when redis errors. The
// caller keeps ownership of client.
func NewRedisRateLimiter(client *redis.Client, logger *slog.Logger) RateLimiter {
	return newRedisRateLimiter(client, nil, logger)
}

func newRedisRateLimiter(client redisCounter, closer func() error, logger *slog.Logger) *redisRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{
		client:  client,
		closer:  closer,
		logger:  logger,
		prefix:  RedisKeyPrefix,
		timeout: 250 * time.Millisecond,
	}
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	counter, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		rl.logger.Error("redis rate limiter error", "op", "incr", "error", err)
		return rateDecision{allowed: true}
	}
	if counter == 1 {
		if err := rl.client.Expire(ctx, redisKey, window).Err(); err != nil {
			rl.logger.Error("redis rate limiter error", "op", "expire", "error", err)
		}
	}
	ttl, err := rl.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}
	return rateDecision{
		allowed:   int(counter) <= limit,
		count:     int(counter),
		windowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.closer != nil {
		_ = rl.closer()
	}
}
