package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWindowAdmitsUpToLimit(t *testing.T) {
	fw := NewFixedWindow(time.Minute, 30, nil)
	defer fw.Close()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fw.SetClock(func() time.Time { return base })

	ctx := context.Background()
	for i := 0; i < 30; i++ {
		res, err := fw.Check(ctx, "key-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be admitted", i+1)
	}

	res, err := fw.Check(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "31st request must be rejected")
	assert.Equal(t, base.Add(time.Minute), res.ResetAt)
	assert.Equal(t, time.Minute, res.RetryAfter)
}

func TestFixedWindowRejectionDoesNotConsume(t *testing.T) {
	fw := NewFixedWindow(time.Minute, 1, nil)
	defer fw.Close()
	base := time.Now()
	fw.SetClock(func() time.Time { return base })

	ctx := context.Background()
	_, _ = fw.Check(ctx, "k")
	for i := 0; i < 5; i++ {
		res, err := fw.Check(ctx, "k")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	}

	info, err := fw.Info(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Remaining)
}

func TestFixedWindowResetsAfterExpiry(t *testing.T) {
	fw := NewFixedWindow(time.Minute, 1, nil)
	defer fw.Close()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fw.SetClock(func() time.Time { return now })

	ctx := context.Background()
	res, _ := fw.Check(ctx, "k")
	assert.True(t, res.Allowed)
	res, _ = fw.Check(ctx, "k")
	assert.False(t, res.Allowed)

	now = now.Add(time.Minute + time.Second)
	res, err := fw.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "fresh window admits again")
}

func TestFixedWindowKeysAreIsolated(t *testing.T) {
	fw := NewFixedWindow(time.Minute, 1, func(id string) string { return "rl:test:" + id })
	defer fw.Close()
	ctx := context.Background()

	res, _ := fw.Check(ctx, "a")
	assert.True(t, res.Allowed)
	res, _ = fw.Check(ctx, "a")
	assert.False(t, res.Allowed)

	res, _ = fw.Check(ctx, "b")
	assert.True(t, res.Allowed, "key b has its own window")
}

func TestFixedWindowInfoUnknownKey(t *testing.T) {
	fw := NewFixedWindow(time.Minute, 10, nil)
	defer fw.Close()

	info, err := fw.Info(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, 10, info.Limit)
	assert.Equal(t, 10, info.Remaining)
}
