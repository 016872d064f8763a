package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// windowState tracks one fixed window. Invariant: windowEnd - windowStart
// equals the configured window.
type windowState struct {
	requests    int
	windowStart time.Time
	windowEnd   time.Time
}

// FixedWindow admits up to maxRequests per window per key. The window is
// replaced, not decayed, once it expires.
type FixedWindow struct {
	window      time.Duration
	maxRequests int
	keyGen      KeyGen
	now         func() time.Time

	mu      sync.Mutex
	windows map[string]*windowState
	stop    chan struct{}
	once    sync.Once
}

// sweepGrace is how long an expired window lingers before the sweeper
// discards it.
const sweepGrace = time.Minute

// NewFixedWindow constructs a fixed-window limiter and starts its sweeper.
func NewFixedWindow(window time.Duration, maxRequests int, keyGen KeyGen) *FixedWindow {
	if keyGen == nil {
		keyGen = identityKey
	}
	fw := &FixedWindow{
		window:      window,
		maxRequests: maxRequests,
		keyGen:      keyGen,
		now:         time.Now,
		windows:     make(map[string]*windowState),
		stop:        make(chan struct{}),
	}
	go fw.sweep()
	return fw
}

// Check admits or rejects one request for the identifier. The counter is only
// incremented on admission.
func (fw *FixedWindow) Check(_ context.Context, identifier string) (Result, error) {
	key := fw.keyGen(identifier)
	now := fw.now()

	fw.mu.Lock()
	defer fw.mu.Unlock()

	st, ok := fw.windows[key]
	if !ok || now.After(st.windowEnd) {
		st = &windowState{windowStart: now, windowEnd: now.Add(fw.window)}
		fw.windows[key] = st
	}

	if st.requests >= fw.maxRequests {
		retry := st.windowEnd.Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Result{Allowed: false, ResetAt: st.windowEnd, RetryAfter: retry}, nil
	}

	st.requests++
	return Result{Allowed: true, ResetAt: st.windowEnd}, nil
}

// Info reports the window state without mutating it.
func (fw *FixedWindow) Info(_ context.Context, identifier string) (Info, error) {
	key := fw.keyGen(identifier)
	now := fw.now()

	fw.mu.Lock()
	defer fw.mu.Unlock()

	st, ok := fw.windows[key]
	if !ok || now.After(st.windowEnd) {
		return Info{Limit: fw.maxRequests, Remaining: fw.maxRequests, Reset: now.Add(fw.window)}, nil
	}
	remaining := fw.maxRequests - st.requests
	if remaining < 0 {
		remaining = 0
	}
	return Info{Limit: fw.maxRequests, Remaining: remaining, Reset: st.windowEnd}, nil
}

// sweep discards windows that expired more than sweepGrace ago.
func (fw *FixedWindow) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-fw.stop:
			return
		case <-ticker.C:
			cutoff := fw.now().Add(-sweepGrace)
			fw.mu.Lock()
			for k, st := range fw.windows {
				if st.windowEnd.Before(cutoff) {
					delete(fw.windows, k)
				}
			}
			fw.mu.Unlock()
		}
	}
}

// Close stops the background sweeper.
func (fw *FixedWindow) Close() {
	fw.once.Do(func() { close(fw.stop) })
}

// SetClock overrides the time source, for tests.
func (fw *FixedWindow) SetClock(now func() time.Time) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.now = now
}
