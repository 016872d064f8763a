// Package app wires the HTTP surface, readiness checks, and background
// sweepers out of the adapter packages.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/creatorplane/orchestrator/internal/adapter/httpserver"
	"github.com/creatorplane/orchestrator/internal/adapter/observability"
	"github.com/creatorplane/orchestrator/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input means allow-all.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(cfg.GatewayTimeout))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Gateway proxy. Per-key platform limits live inside the orchestrator;
	// the IP limit here is a coarse outer guard.
	r.Group(func(gw chi.Router) {
		gw.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		gw.Handle("/v1/gateway/{platform}/*", srv.GatewayHandler())
		gw.Post("/v1/scrape", srv.ScrapeHandler())
	})

	// Job and run reads.
	r.Get("/v1/jobs", srv.JobListHandler())
	r.Get("/v1/jobs/{id}", srv.JobGetHandler())
	r.Delete("/v1/jobs/{id}", srv.JobCancelHandler())
	r.Get("/v1/runs/{id}", srv.RunGetHandler())

	// Webhook ingress. Authenticated by HMAC signature, not API key.
	r.Post("/webhooks/{provider}", srv.WebhookHandler())

	// Health and metrics.
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	// Ops API behind Basic auth.
	if cfg.AdminEnabled() {
		r.Group(func(admin chi.Router) {
			admin.Use(srv.BasicAuth)
			admin.Post("/admin/keys", srv.AdminCreateKeyHandler())
			admin.Post("/admin/keys/{id}/rotate", srv.AdminRotateKeyHandler())
			admin.Delete("/admin/keys/{id}", srv.AdminRevokeKeyHandler())
			admin.Get("/admin/queues/health", srv.AdminQueueHealthHandler())
			admin.Get("/admin/webhooks/dlq", srv.AdminWebhookDLQHandler())
			admin.Post("/admin/webhooks/dlq/{id}/requeue", srv.AdminWebhookRequeueHandler())
			admin.Get("/admin/gateway/timings", srv.AdminTimingsHandler())
		})
	}

	return httpserver.SecurityHeaders(r)
}
