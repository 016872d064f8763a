package ratelimiter

import (
	"context"
	"math"
	"sync"
	"time"
)

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// TokenBucket refills lazily on each check and deducts tokensRequired on
// admission. Invariant: tokens stays within [0, capacity].
type TokenBucket struct {
	capacity       float64
	refillRate     float64 // tokens per second
	tokensRequired float64
	keyGen         KeyGen
	now            func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucketState
	stop    chan struct{}
	once    sync.Once
}

// NewTokenBucket constructs a token-bucket limiter and starts its sweeper.
func NewTokenBucket(capacity int, refillRate float64, tokensRequired int, keyGen KeyGen) *TokenBucket {
	if keyGen == nil {
		keyGen = identityKey
	}
	if tokensRequired <= 0 {
		tokensRequired = 1
	}
	tb := &TokenBucket{
		capacity:       float64(capacity),
		refillRate:     refillRate,
		tokensRequired: float64(tokensRequired),
		keyGen:         keyGen,
		now:            time.Now,
		buckets:        make(map[string]*bucketState),
		stop:           make(chan struct{}),
	}
	go tb.sweep()
	return tb
}

// Check refills the bucket from elapsed time, then attempts to deduct.
func (tb *TokenBucket) Check(_ context.Context, identifier string) (Result, error) {
	key := tb.keyGen(identifier)
	now := tb.now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	st := tb.refillLocked(key, now)
	if st.tokens >= tb.tokensRequired {
		st.tokens -= tb.tokensRequired
		return Result{Allowed: true, ResetAt: tb.fullAt(st, now)}, nil
	}

	shortage := tb.tokensRequired - st.tokens
	var wait time.Duration
	if tb.refillRate > 0 {
		wait = time.Duration(shortage / tb.refillRate * float64(time.Second))
	}
	return Result{Allowed: false, ResetAt: now.Add(wait), RetryAfter: wait}, nil
}

// Info reports bucket state without consuming tokens.
func (tb *TokenBucket) Info(_ context.Context, identifier string) (Info, error) {
	key := tb.keyGen(identifier)
	now := tb.now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	st := tb.refillLocked(key, now)
	return Info{
		Limit:     int(tb.capacity),
		Remaining: int(st.tokens),
		Reset:     tb.fullAt(st, now),
	}, nil
}

// refillLocked applies lazy refill. Caller holds the lock.
func (tb *TokenBucket) refillLocked(key string, now time.Time) *bucketState {
	st, ok := tb.buckets[key]
	if !ok {
		st = &bucketState{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = st
		return st
	}
	elapsed := now.Sub(st.lastRefill).Seconds()
	if elapsed > 0 {
		st.tokens = math.Min(tb.capacity, st.tokens+elapsed*tb.refillRate)
		st.lastRefill = now
	}
	return st
}

func (tb *TokenBucket) fullAt(st *bucketState, now time.Time) time.Time {
	if tb.refillRate <= 0 || st.tokens >= tb.capacity {
		return now
	}
	missing := tb.capacity - st.tokens
	return now.Add(time.Duration(missing / tb.refillRate * float64(time.Second)))
}

// sweep discards buckets that have been full (hence idle) for over a minute.
func (tb *TokenBucket) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-tb.stop:
			return
		case <-ticker.C:
			now := tb.now()
			tb.mu.Lock()
			for k, st := range tb.buckets {
				idle := now.Sub(st.lastRefill)
				if idle > sweepGrace && st.tokens+idle.Seconds()*tb.refillRate >= tb.capacity {
					delete(tb.buckets, k)
				}
			}
			tb.mu.Unlock()
		}
	}
}

// Close stops the background sweeper.
func (tb *TokenBucket) Close() {
	tb.once.Do(func() { close(tb.stop) })
}

// SetClock overrides the time source, for tests.
func (tb *TokenBucket) SetClock(now func() time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.now = now
}
