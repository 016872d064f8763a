package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Gateway requests by platform and outcome code",
		},
		[]string{"platform", "code"},
	)
	GatewayRateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Admission rejections by the per-platform rate limiter",
		},
		[]string{"platform"},
	)
	GatewayActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Requests currently being served by the gateway",
		},
	)

	ActorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actor_requests_total",
			Help: "Requests to the remote actor service by operation",
		},
		[]string{"operation"},
	)
	ActorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "actor_request_duration_seconds",
			Help:    "Actor service request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"queue"},
	)
	JobProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_processing_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"queue"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook events by provider and terminal status",
		},
		[]string{"provider", "status"},
	)
	WebhookDLQSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhook_dlq_size",
			Help: "Current number of dead-lettered webhook events",
		},
	)

	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Result pipeline stage duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"stage"},
	)
	PipelineItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_items_total",
			Help: "Pipeline items by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)

	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	RunsTrackedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runs_tracked",
			Help: "Actor runs currently being polled",
		},
	)
)

// InitMetrics registers all Prometheus metrics once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(GatewayRequestsTotal)
	prometheus.MustRegister(GatewayRateLimitHits)
	prometheus.MustRegister(GatewayActiveConnections)
	prometheus.MustRegister(ActorRequestsTotal)
	prometheus.MustRegister(ActorRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobProcessingDuration)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(WebhookDLQSize)
	prometheus.MustRegister(PipelineStageDuration)
	prometheus.MustRegister(PipelineItemsTotal)
	prometheus.MustRegister(circuitBreakerState)
	prometheus.MustRegister(RunsTrackedGauge)
}

// EnqueueJob records a job enqueued on the named queue.
func EnqueueJob(queue string) { JobsEnqueuedTotal.WithLabelValues(queue).Inc() }

// RecordCircuitBreakerState exports the breaker state gauge.
func RecordCircuitBreakerState(name string, state int) {
	circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
