package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorplane/orchestrator/internal/domain"
)

var errDownstream = errors.New("downstream boom")

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errDownstream })
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("actor", 3, time.Minute)

	failN(cb, 2)
	assert.Equal(t, StateClosed, cb.State())

	failN(cb, 1)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerFailsFastWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker("actor", 1, time.Minute)
	failN(cb, 1)
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, called, "open breaker must not invoke the call")
}

func TestCircuitBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("actor", 1, 30*time.Second)
	cb.SetClock(func() time.Time { return now })

	failN(cb, 1)
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(31 * time.Second)

	// Probe succeeds; breaker stays half-open until three successes land.
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("actor", 1, 30*time.Second)
	cb.SetClock(func() time.Time { return now })

	failN(cb, 1)
	now = now.Add(time.Minute)

	err := cb.Execute(func() error { return errDownstream })
	assert.ErrorIs(t, err, errDownstream)
	assert.Equal(t, StateOpen, cb.State())

	// The failed probe restarts the reset clock.
	err = cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("actor", 3, time.Minute)

	failN(cb, 2)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, 0, cb.Failures())

	failN(cb, 2)
	assert.Equal(t, StateClosed, cb.State(), "count restarted after the success")
}

func TestCircuitBreakerManagerReusesBreakers(t *testing.T) {
	m := NewCircuitBreakerManager()
	a := m.GetOrCreate("instagram", 5, time.Minute)
	b := m.GetOrCreate("instagram", 99, time.Hour)
	assert.Same(t, a, b)

	got, ok := m.Get("instagram")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = m.Get("tiktok")
	assert.False(t, ok)
}
