// Package retryexec runs operations with exponential backoff. Only failures
// classified as retryable are retried; everything else surfaces immediately.
package retryexec

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// Options configure one executor.
type Options struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultOptions mirror the config defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// StatusCoder is implemented by errors carrying an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfterHinter is implemented by errors carrying a server-provided wait.
// The hint supersedes the computed backoff delay.
type RetryAfterHinter interface {
	RetryAfterHint() (time.Duration, bool)
}

// Executor retries retryable failures with exponential backoff and jitter.
type Executor struct {
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an Executor.
func New(opts Options) *Executor {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Multiplier <= 1 {
		opts.Multiplier = 2.0
	}
	return &Executor{opts: opts, sleep: sleepCtx}
}

// Run invokes fn, retrying retryable failures up to MaxRetries times. The
// delay before attempt n+1 is min(maxDelay, initialDelay * multiplier^n),
// jittered by up to 10 percent when enabled, unless the error carries a
// Retry-After hint. After the final attempt the last error is returned
// unchanged.
func (e *Executor) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := e.newBackOff()

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= e.opts.MaxRetries || !Retryable(lastErr) {
			return lastErr
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return lastErr
		}
		var hinter RetryAfterHinter
		if errors.As(lastErr, &hinter) {
			if hint, ok := hinter.RetryAfterHint(); ok && hint > 0 {
				delay = hint
			}
		}

		slog.DebugContext(ctx, "retrying after failure",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", lastErr))

		if err := e.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
}

func (e *Executor) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.InitialDelay
	bo.MaxInterval = e.opts.MaxDelay
	bo.Multiplier = e.opts.Multiplier
	bo.MaxElapsedTime = 0
	if e.opts.Jitter {
		bo.RandomizationFactor = 0.1
	} else {
		bo.RandomizationFactor = 0
	}
	bo.Reset()
	return bo
}

// Retryable classifies an error. Connection failures, DNS misses, timeouts,
// HTTP 408/429/5xx, and the rate-limit / unavailable / timeout sentinels are
// retryable. Everything else, including an open circuit, is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrServiceUnavailable) ||
		errors.Is(err, domain.ErrTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		return code == 408 || code == 429 || code >= 500
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetSleep overrides the delay function, for tests.
func (e *Executor) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	e.sleep = fn
}
