package retryexec

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorplane/orchestrator/internal/domain"
)

type httpError struct {
	status     int
	retryAfter time.Duration
}

func (e *httpError) Error() string   { return fmt.Sprintf("http %d", e.status) }
func (e *httpError) HTTPStatus() int { return e.status }

func (e *httpError) RetryAfterHint() (time.Duration, bool) {
	return e.retryAfter, e.retryAfter > 0
}

func captureSleeps(e *Executor) *[]time.Duration {
	var delays []time.Duration
	e.SetSleep(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})
	return &delays
}

func TestRunSucceedsAfterTransientFailures(t *testing.T) {
	e := New(Options{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2})
	delays := captureSleeps(e)

	calls := 0
	err := e.Run(context.Background(), "actor.start", func(context.Context) error {
		calls++
		if calls < 3 {
			return &httpError{status: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, *delays, 2)
	assert.Equal(t, time.Second, (*delays)[0])
	assert.Equal(t, 2*time.Second, (*delays)[1])
}

func TestRunExhaustsRetries(t *testing.T) {
	e := New(Options{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2})
	delays := captureSleeps(e)

	calls := 0
	err := e.Run(context.Background(), "actor.start", func(context.Context) error {
		calls++
		return domain.ErrServiceUnavailable
	})
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
	assert.Len(t, *delays, 2)
}

func TestRunDoesNotRetryNonRetryable(t *testing.T) {
	e := New(DefaultOptions())
	delays := captureSleeps(e)

	calls := 0
	err := e.Run(context.Background(), "actor.start", func(context.Context) error {
		calls++
		return &httpError{status: 400}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestRunHonorsRetryAfterHint(t *testing.T) {
	e := New(Options{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2})
	delays := captureSleeps(e)

	calls := 0
	_ = e.Run(context.Background(), "actor.start", func(context.Context) error {
		calls++
		return &httpError{status: 429, retryAfter: 7 * time.Second}
	})
	assert.Equal(t, 2, calls)
	require.Len(t, *delays, 1)
	assert.Equal(t, 7*time.Second, (*delays)[0], "server hint wins over computed backoff")
}

func TestRunStopsWhenSleepCancelled(t *testing.T) {
	e := New(Options{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2})
	e.SetSleep(func(ctx context.Context, _ time.Duration) error { return context.Canceled })

	calls := 0
	err := e.Run(context.Background(), "actor.start", func(context.Context) error {
		calls++
		return domain.ErrTimeout
	})
	assert.ErrorIs(t, err, domain.ErrTimeout, "the last operation error surfaces, not the cancel")
	assert.Equal(t, 1, calls)
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit open", fmt.Errorf("op=breaker.actor: %w", domain.ErrCircuitOpen), false},
		{"rate limited", domain.ErrRateLimited, true},
		{"unavailable", domain.ErrServiceUnavailable, true},
		{"timeout sentinel", domain.ErrTimeout, true},
		{"deadline", context.DeadlineExceeded, true},
		{"http 500", &httpError{status: 500}, true},
		{"http 429", &httpError{status: 429}, true},
		{"http 408", &httpError{status: 408}, true},
		{"http 404", &httpError{status: 404}, false},
		{"plain error", errors.New("nope"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}
