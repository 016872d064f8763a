// Package ratelimiter implements admission control for the gateway: an
// in-process fixed window, an in-process token bucket, and a Redis-backed
// sliding window for multi-instance deployments.
package ratelimiter

import (
	"context"
	"time"
)

// KeyGen derives the bucket key from a caller identifier. The default is the
// identity function.
type KeyGen func(identifier string) string

// Result is the outcome of an admission check.
type Result struct {
	Allowed bool
	// ResetAt is when the current window or bucket refills enough to admit.
	ResetAt time.Time
	// RetryAfter is the wait a rejected caller should observe.
	RetryAfter time.Duration
}

// Info describes limiter state without mutating it.
type Info struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter is the uniform admission contract shared by all variants.
type Limiter interface {
	Check(ctx context.Context, identifier string) (Result, error)
	Info(ctx context.Context, identifier string) (Info, error)
}

func identityKey(id string) string { return id }
