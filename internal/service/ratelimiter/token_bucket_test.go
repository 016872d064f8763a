package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketStartsFull(t *testing.T) {
	tb := NewTokenBucket(5, 1, 1, nil)
	defer tb.Close()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tb.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := tb.Check(ctx, "k")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "token %d", i+1)
	}
	res, err := tb.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "empty bucket rejects")
	assert.Equal(t, time.Second, res.RetryAfter, "one token refills in one second at rate 1")
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	tb := NewTokenBucket(2, 2, 1, nil)
	defer tb.Close()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tb.SetClock(func() time.Time { return now })
	ctx := context.Background()

	_, _ = tb.Check(ctx, "k")
	_, _ = tb.Check(ctx, "k")
	res, _ := tb.Check(ctx, "k")
	assert.False(t, res.Allowed)

	// 500ms at 2 tokens/s refills exactly one token.
	now = now.Add(500 * time.Millisecond)
	res, err := tb.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketRefillNeverExceedsCapacity(t *testing.T) {
	tb := NewTokenBucket(3, 10, 1, nil)
	defer tb.Close()
	now := time.Now()
	tb.SetClock(func() time.Time { return now })
	ctx := context.Background()

	_, _ = tb.Check(ctx, "k")
	now = now.Add(time.Hour)

	info, err := tb.Info(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Remaining, "refill clamps at capacity")
}

func TestTokenBucketMultiTokenCost(t *testing.T) {
	tb := NewTokenBucket(4, 1, 2, nil)
	defer tb.Close()
	ctx := context.Background()

	res, _ := tb.Check(ctx, "k")
	assert.True(t, res.Allowed)
	res, _ = tb.Check(ctx, "k")
	assert.True(t, res.Allowed)
	res, _ = tb.Check(ctx, "k")
	assert.False(t, res.Allowed, "four tokens only fund two checks at cost 2")
}
