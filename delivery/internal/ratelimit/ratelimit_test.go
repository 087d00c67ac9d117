package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, limit int, window time.Duration) (*RedisRateLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewRedisRateLimiter(client, limit, window)
	l.now = func() time.Time { return clock }
	return l, mr, &clock
}

func TestRedisRateLimiter_SlidingWindow(t *testing.T) {
	l, _, clock := newLimiter(t, 3, time.Minute)
	ctx := context.Background()
	url := "https://hooks.example.com/a"

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, url)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
		*clock = clock.Add(10 * time.Second)
	}

	allowed, err := l.Allow(ctx, url)
	require.NoError(t, err)
	assert.False(t, allowed, "fourth request inside the window")

	// Other destinations have their own window.
	allowed, err = l.Allow(ctx, "https://hooks.example.com/b")
	require.NoError(t, err)
	assert.True(t, allowed)

	// The first request has left the window a minute later.
	*clock = time.Date(2026, 3, 1, 12, 1, 1, 0, time.UTC)
	allowed, err = l.Allow(ctx, url)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisRateLimiter_SameInstantRequestsCountSeparately(t *testing.T) {
	l, _, _ := newLimiter(t, 2, time.Minute)
	ctx := context.Background()

	a, _ := l.Allow(ctx, "u")
	b, _ := l.Allow(ctx, "u")
	c, _ := l.Allow(ctx, "u")
	assert.Equal(t, []bool{true, true, false}, []bool{a, b, c})
}

func TestRedisRateLimiter_KeyExpires(t *testing.T) {
	l, mr, _ := newLimiter(t, 5, time.Minute)
	_, err := l.Allow(context.Background(), "u")
	require.NoError(t, err)

	assert.True(t, mr.Exists(KeyPrefix+"u"))
	assert.Equal(t, time.Minute, mr.TTL(KeyPrefix+"u"))
}

func TestRedisRateLimiter_StoreDown(t *testing.T) {
	l, mr, _ := newLimiter(t, 5, time.Minute)
	mr.Close()

	_, err := l.Allow(context.Background(), "u")
	assert.Error(t, err)
}

func TestNoOpRateLimiter(t *testing.T) {
	allowed, err := NoOpRateLimiter{}.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, allowed)
}
