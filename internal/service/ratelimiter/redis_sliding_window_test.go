package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisSlidingWindowAdmitsUpToLimit(t *testing.T) {
	_, rdb := newTestRedis(t)
	rl := NewRedisSlidingWindow(rdb, time.Minute, 3, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := rl.Check(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
	}

	res, err := rl.Check(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.RetryAfter > 0)
	assert.True(t, res.RetryAfter <= time.Minute)
}

func TestRedisSlidingWindowKeysAreIsolated(t *testing.T) {
	_, rdb := newTestRedis(t)
	rl := NewRedisSlidingWindow(rdb, time.Minute, 1, func(id string) string { return "rl:instagram:" + id })
	ctx := context.Background()

	res, err := rl.Check(ctx, "a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = rl.Check(ctx, "a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = rl.Check(ctx, "b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisSlidingWindowSlides(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rl := NewRedisSlidingWindow(rdb, 200*time.Millisecond, 1, nil)
	ctx := context.Background()

	res, err := rl.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = rl.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// The script prunes by real timestamps, so waiting past the window
	// frees a slot regardless of miniredis TTL bookkeeping.
	mr.FastForward(time.Second)
	time.Sleep(250 * time.Millisecond)

	res, err = rl.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisSlidingWindowFailsOpen(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rl := NewRedisSlidingWindow(rdb, time.Minute, 1, nil)
	mr.Close()

	res, err := rl.Check(context.Background(), "k")
	assert.Error(t, err)
	assert.True(t, res.Allowed, "redis outage must not block traffic")
}

func TestRedisSlidingWindowInfo(t *testing.T) {
	_, rdb := newTestRedis(t)
	rl := NewRedisSlidingWindow(rdb, time.Minute, 5, nil)
	ctx := context.Background()

	_, _ = rl.Check(ctx, "k")
	_, _ = rl.Check(ctx, "k")

	info, err := rl.Info(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 5, info.Limit)
	assert.Equal(t, 3, info.Remaining)
}
