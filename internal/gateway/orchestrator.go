package gateway

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/creatorplane/orchestrator/internal/adapter/observability"
	"github.com/creatorplane/orchestrator/internal/domain"
	obsctx "github.com/creatorplane/orchestrator/internal/observability"
	"github.com/creatorplane/orchestrator/internal/service/apikey"
	"github.com/creatorplane/orchestrator/internal/service/ratelimiter"
	"github.com/creatorplane/orchestrator/internal/service/retryexec"
)

// timingsRingSize bounds the per-request timing history kept in memory.
const timingsRingSize = 1000

// RateLimitError carries limiter details for the 429 response.
type RateLimitError struct {
	Platform string
	Result   ratelimiter.Result
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("platform %s: rate limit exceeded, retry after %s", e.Platform, e.Result.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

// RetryAfterHint exposes the wait to the HTTP layer and the retry executor.
func (e *RateLimitError) RetryAfterHint() (time.Duration, bool) {
	return e.Result.RetryAfter, true
}

// Timing is one completed request's latency record.
type Timing struct {
	RequestID string
	Platform  string
	Duration  time.Duration
	At        time.Time
}

// Orchestrator drives the admission sequence for every gateway request:
// correlation id, key validation, permission check, platform rate limit,
// routed dispatch under retry and circuit breaking, then response headers.
type Orchestrator struct {
	keys     *apikey.Manager
	limiters map[string]ratelimiter.Limiter
	router   *Router
	retry    *retryexec.Executor
	breakers *observability.CircuitBreakerManager

	breakerThreshold int
	breakerReset     time.Duration

	mu          sync.Mutex
	timings     [timingsRingSize]Timing
	timingsNext int
	timingsLen  int

	activeConnections int64
	entropy           *ulid.MonotonicEntropy
	entropyMu         sync.Mutex
	now               func() time.Time
}

// OrchestratorParams collect the orchestrator's dependencies.
type OrchestratorParams struct {
	Keys             *apikey.Manager
	Limiters         map[string]ratelimiter.Limiter
	Router           *Router
	Retry            *retryexec.Executor
	Breakers         *observability.CircuitBreakerManager
	BreakerThreshold int
	BreakerReset     time.Duration
}

// NewOrchestrator constructs the gateway orchestrator.
func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = 5
	}
	if p.BreakerReset <= 0 {
		p.BreakerReset = 30 * time.Second
	}
	return &Orchestrator{
		keys:             p.Keys,
		limiters:         p.Limiters,
		router:           p.Router,
		retry:            p.Retry,
		breakers:         p.Breakers,
		breakerThreshold: p.BreakerThreshold,
		breakerReset:     p.BreakerReset,
		entropy:          ulid.Monotonic(rand.Reader, 0),
		now:              time.Now,
	}
}

// Handle runs one request through the full admission sequence. The returned
// response always carries X-Request-ID and X-Response-Time; on a limited
// platform the X-RateLimit-* triad is attached from limiter state.
func (o *Orchestrator) Handle(ctx domain.Context, req *Request) (_ *Response, err error) {
	requestID := o.newRequestID()
	ctx = obsctx.ContextWithRequestID(ctx, requestID)
	log := obsctx.LoggerFromContext(ctx).With("request_id", requestID, "platform", req.Platform)
	ctx = obsctx.ContextWithLogger(ctx, log)

	start := o.now()
	o.incActive()
	defer func() {
		o.decActive()
		o.recordTiming(requestID, req.Platform, o.now().Sub(start))
		code := "OK"
		if err != nil {
			code = taxonomyCode(err)
		}
		observability.GatewayRequestsTotal.WithLabelValues(req.Platform, code).Inc()
	}()

	key, err := o.keys.Validate(ctx, req.APIKey)
	if err != nil {
		log.Warn("request rejected", "reason", "invalid api key", "api_key", observability.MaskKey(req.APIKey))
		return nil, err
	}

	required := strings.ToLower(req.Platform) + ":" + strings.ToLower(req.Method)
	if !key.HasPermission(required) {
		log.Warn("request rejected", "reason", "missing permission", "required", required, "key_id", key.ID)
		return nil, fmt.Errorf("op=gateway.Handle: permission %s: %w", required, domain.ErrForbidden)
	}

	var limitInfo *ratelimiter.Info
	if limiter, ok := o.limiters[strings.ToLower(req.Platform)]; ok {
		res, lerr := limiter.Check(ctx, key.ID)
		if lerr != nil {
			log.Warn("rate limiter error, admitting", "error", lerr)
		}
		if !res.Allowed {
			observability.GatewayRateLimitHits.WithLabelValues(req.Platform).Inc()
			log.Warn("request rejected", "reason", "rate limited", "key_id", key.ID, "retry_after", res.RetryAfter)
			return nil, &RateLimitError{Platform: req.Platform, Result: res}
		}
		if info, ierr := limiter.Info(ctx, key.ID); ierr == nil {
			limitInfo = &info
		}
	}

	breaker := o.breakers.GetOrCreate(strings.ToLower(req.Platform), o.breakerThreshold, o.breakerReset)

	var resp *Response
	err = o.retry.Run(ctx, "gateway.dispatch", func(ctx domain.Context) error {
		return breaker.Execute(func() error {
			var derr error
			resp, derr = o.router.Route(ctx, req)
			return derr
		})
	})
	if err != nil {
		log.Error("dispatch failed", "error", err)
		return nil, err
	}

	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.RequestID = requestID
	resp.Headers["X-Request-ID"] = requestID
	resp.Headers["X-Response-Time"] = o.now().Sub(start).Round(time.Millisecond).String()
	if limitInfo != nil {
		resp.Headers["X-RateLimit-Limit"] = strconv.Itoa(limitInfo.Limit)
		resp.Headers["X-RateLimit-Remaining"] = strconv.Itoa(limitInfo.Remaining)
		resp.Headers["X-RateLimit-Reset"] = strconv.FormatInt(limitInfo.Reset.Unix(), 10)
	}

	log.Info("request served", "status", resp.Status, "duration", o.now().Sub(start))
	return resp, nil
}

// ActiveConnections reports the in-flight request count.
func (o *Orchestrator) ActiveConnections() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeConnections
}

// Timings returns a snapshot of the most recent request timings, newest last.
func (o *Orchestrator) Timings() []Timing {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Timing, 0, o.timingsLen)
	startIdx := (o.timingsNext - o.timingsLen + timingsRingSize) % timingsRingSize
	for i := 0; i < o.timingsLen; i++ {
		out = append(out, o.timings[(startIdx+i)%timingsRingSize])
	}
	return out
}

func (o *Orchestrator) recordTiming(requestID, platform string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timings[o.timingsNext] = Timing{RequestID: requestID, Platform: platform, Duration: d, At: o.now()}
	o.timingsNext = (o.timingsNext + 1) % timingsRingSize
	if o.timingsLen < timingsRingSize {
		o.timingsLen++
	}
}

func (o *Orchestrator) incActive() {
	o.mu.Lock()
	o.activeConnections++
	o.mu.Unlock()
	observability.GatewayActiveConnections.Inc()
}

func (o *Orchestrator) decActive() {
	o.mu.Lock()
	o.activeConnections--
	o.mu.Unlock()
	observability.GatewayActiveConnections.Dec()
}

func (o *Orchestrator) newRequestID() string {
	o.entropyMu.Lock()
	defer o.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(o.now()), o.entropy).String()
}

// taxonomyCode maps an error onto its stable wire code for metrics labels.
// The HTTP layer does the status mapping separately.
func taxonomyCode(err error) string {
	switch {
	case err == nil:
		return "OK"
	default:
		return domainCode(err)
	}
}
