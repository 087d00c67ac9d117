// Package ratelimit bounds outbound webhook requests per destination URL.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces limiter keys in Redis.
const KeyPrefix = "ratelimit:webhook:"

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// slidingWindow keeps one sorted-set member per request scored by its time
// in nanoseconds. The key expires one window after the last request.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local ttl_ms = tonumber(ARGV[4])
	local member = ARGV[5]

	redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

	local current = redis.call('ZCARD', key)
	if current < limit then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, ttl_ms)
		return 1
	end
	return 0
`)

// RedisRateLimiter is a sliding-window limiter over a shared Redis.
type RedisRateLimiter struct {
	client redis.Scripter
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisRateLimiter allows limit requests per key within window.
func NewRedisRateLimiter(client redis.Scripter, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// Allow records a request for key and reports whether it is within the limit.
// A rejected request is not recorded.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()

	result, err := slidingWindow.Run(ctx, r.client, []string{KeyPrefix + key},
		now, windowStart, r.limit, r.window.Milliseconds(), uuid.NewString()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return result == 1, nil
}

// NoOpRateLimiter always allows requests.
type NoOpRateLimiter struct{}

func (n NoOpRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}
