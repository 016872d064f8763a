package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSlidingWindow is the distributed limiter for multi-instance
// deployments. Each key holds a sorted set of request timestamps; a check
// prunes entries outside the window, counts the remainder, and records the
// new request atomically in a Lua script.
type RedisSlidingWindow struct {
	rdb         *redis.Client
	window      time.Duration
	maxRequests int
	keyGen      KeyGen
	script      *redis.Script
}

const luaSlidingWindowScript = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now_ms - window_ms)
local count = redis.call("ZCARD", key)

if count >= max_requests then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  local reset_ms = now_ms + window_ms
  if oldest[2] ~= nil then
    reset_ms = tonumber(oldest[2]) + window_ms
  end
  return { 0, count, reset_ms }
end

redis.call("ZADD", key, now_ms, member)
redis.call("PEXPIRE", key, window_ms)
return { 1, count + 1, now_ms + window_ms }
`

// NewRedisSlidingWindow constructs a Redis-backed sliding-window limiter.
func NewRedisSlidingWindow(rdb *redis.Client, window time.Duration, maxRequests int, keyGen KeyGen) *RedisSlidingWindow {
	if keyGen == nil {
		keyGen = identityKey
	}
	return &RedisSlidingWindow{
		rdb:         rdb,
		window:      window,
		maxRequests: maxRequests,
		keyGen:      keyGen,
		script:      redis.NewScript(luaSlidingWindowScript),
	}
}

// Check runs the sliding-window script for the identifier.
func (l *RedisSlidingWindow) Check(ctx context.Context, identifier string) (Result, error) {
	key := "rate:" + l.keyGen(identifier)
	now := time.Now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), identifier)

	res, err := l.script.Run(ctx, l.rdb, []string{key},
		now.UnixMilli(), l.window.Milliseconds(), l.maxRequests, member).Result()
	if err != nil {
		slog.Error("redis sliding window script error", slog.String("key", key), slog.Any("error", err))
		// Fail open on Redis errors to avoid hard outages.
		return Result{Allowed: true, ResetAt: now.Add(l.window)}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Error("redis sliding window unexpected script result", slog.String("key", key), slog.Any("result", res))
		return Result{Allowed: true, ResetAt: now.Add(l.window)}, nil
	}

	allowed := toInt64(vals[0]) == 1
	resetAt := time.UnixMilli(toInt64(vals[2]))
	out := Result{Allowed: allowed, ResetAt: resetAt}
	if !allowed {
		out.RetryAfter = time.Until(resetAt)
		if out.RetryAfter < 0 {
			out.RetryAfter = 0
		}
	}
	return out, nil
}

// Info reports the current count without recording a request.
func (l *RedisSlidingWindow) Info(ctx context.Context, identifier string) (Info, error) {
	key := "rate:" + l.keyGen(identifier)
	now := time.Now()

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Add(-l.window).UnixMilli()))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Info{Limit: l.maxRequests, Remaining: l.maxRequests, Reset: now.Add(l.window)}, err
	}

	remaining := l.maxRequests - int(card.Val())
	if remaining < 0 {
		remaining = 0
	}
	return Info{Limit: l.maxRequests, Remaining: remaining, Reset: now.Add(l.window)}, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
