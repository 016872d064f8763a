package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit breaker is closed and requests are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen means the circuit breaker is open and requests are blocked.
	StateOpen
	// StateHalfOpen means the circuit breaker is half-open and testing requests.
	StateHalfOpen
)

// halfOpenSuccesses is the number of consecutive successes required to close
// a half-open breaker.
const halfOpenSuccesses = 3

// CircuitBreaker guards one named downstream. Transitions: closed->open once
// failures reach the threshold; open->half-open after resetTimeout; half-open
// closes after three consecutive successes and re-opens on any failure.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration

	mu           sync.Mutex
	state        CircuitBreakerState
	failures     int
	successCount int
	lastFailure  time.Time
	now          func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Execute runs fn under circuit breaker protection. When the breaker is open
// and the reset timeout has not elapsed it fails fast without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			RecordCircuitBreakerState(cb.name, int(StateOpen))
			return fmt.Errorf("op=breaker.%s: %w", cb.name, domain.ErrCircuitOpen)
		}
		cb.state = StateHalfOpen
		cb.successCount = 0
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	cb.record(err)
	state := cb.state
	cb.mu.Unlock()

	RecordCircuitBreakerState(cb.name, int(state))
	return err
}

// record applies a call result to the state machine. Caller holds the lock.
func (cb *CircuitBreaker) record(err error) {
	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		switch cb.state {
		case StateHalfOpen:
			// A probe failure re-opens immediately.
			cb.state = StateOpen
			cb.successCount = 0
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
			}
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= halfOpenSuccesses {
			cb.state = StateClosed
			cb.successCount = 0
			cb.failures = 0
		}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset returns the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
}

// SetClock overrides the time source, for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// CircuitBreakerManager manages one breaker per named downstream.
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// NewCircuitBreakerManager creates a new circuit breaker manager.
func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{breakers: make(map[string]*CircuitBreaker)}
}

// GetOrCreate gets an existing circuit breaker or creates a new one.
func (cbm *CircuitBreakerManager) GetOrCreate(name string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()
	if cb, exists := cbm.breakers[name]; exists {
		return cb
	}
	cb := NewCircuitBreaker(name, failureThreshold, resetTimeout)
	cbm.breakers[name] = cb
	return cb
}

// Get gets an existing circuit breaker.
func (cbm *CircuitBreakerManager) Get(name string) (*CircuitBreaker, bool) {
	cbm.mu.RLock()
	defer cbm.mu.RUnlock()
	cb, exists := cbm.breakers[name]
	return cb, exists
}

// ResetAll resets all circuit breakers.
func (cbm *CircuitBreakerManager) ResetAll() {
	cbm.mu.RLock()
	defer cbm.mu.RUnlock()
	for _, cb := range cbm.breakers {
		cb.Reset()
	}
}
