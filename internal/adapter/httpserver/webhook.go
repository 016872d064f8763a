package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/creatorplane/orchestrator/internal/adapter/observability"
	"github.com/creatorplane/orchestrator/internal/adapter/queue/redpanda"
	"github.com/creatorplane/orchestrator/internal/domain"
	obsctx "github.com/creatorplane/orchestrator/internal/observability"
	"github.com/creatorplane/orchestrator/internal/webhook"
)

// signatureHeader carries the provider's hex HMAC-SHA256 of the body.
const signatureHeader = "Apify-Webhook-Signature"

// maxWebhookBytes bounds the accepted payload size.
const maxWebhookBytes = 4 << 20

// WebhookHandler is the ingress for provider callbacks. The body is verified
// against the shared secret, persisted, and queued for asynchronous
// processing; the provider always gets a fast answer.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := strings.ToLower(chi.URLParam(r, "provider"))
		log := obsctx.LoggerFromContext(r.Context()).With(slog.String("provider", provider))

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
		if err != nil {
			writeError(w, r, fmt.Errorf("read body: %w", domain.ErrInvalidArgument))
			return
		}

		signature := r.Header.Get(signatureHeader)
		if s.Cfg.WebhookSecret == "" {
			// Unsigned ingress is a dev-only convenience.
			if !s.Cfg.IsDev() {
				writeError(w, r, fmt.Errorf("webhook secret not configured: %w", domain.ErrInvalidAPIKey))
				return
			}
		} else {
			if signature == "" {
				observability.WebhookEventsTotal.WithLabelValues(provider, "rejected").Inc()
				writeError(w, r, fmt.Errorf("missing signature: %w", domain.ErrInvalidAPIKey))
				return
			}
			if !webhook.VerifySignature(s.Cfg.WebhookSecret, body, signature) {
				observability.WebhookEventsTotal.WithLabelValues(provider, "rejected").Inc()
				log.Warn("webhook signature mismatch")
				writeError(w, r, fmt.Errorf("invalid signature: %w", domain.ErrInvalidAPIKey))
				return
			}
		}

		if mt := mimetype.Detect(body); !mt.Is("application/json") && !mt.Is("text/plain") {
			writeError(w, r, fmt.Errorf("payload is %s, want json: %w", mt.String(), domain.ErrInvalidArgument))
			return
		}
		var probe struct {
			EventType string `json:"eventType"`
		}
		if err := json.Unmarshal(body, &probe); err != nil || probe.EventType == "" {
			writeError(w, r, fmt.Errorf("malformed webhook payload: %w", domain.ErrInvalidArgument))
			return
		}

		event := domain.WebhookEvent{
			Provider:    provider,
			EventType:   probe.EventType,
			Payload:     body,
			Signature:   signature,
			Status:      domain.WebhookPending,
			MaxAttempts: s.Cfg.WebhookMaxAttempts,
			CreatedAt:   time.Now().UTC(),
		}
		id, err := s.Events.Create(r.Context(), event)
		if err != nil {
			writeError(w, r, err)
			return
		}
		observability.WebhookEventsTotal.WithLabelValues(provider, "received").Inc()

		// Queue delivery is best effort: the sweeper picks up anything that
		// never made it onto the queue.
		if s.Enqueuer != nil {
			job := domain.Job{
				Queue: redpanda.QueueWebhookProcessing,
				Name:  "webhook-event",
				Data: domain.JobData{
					Platform:  provider,
					Input:     map[string]any{"event_id": id},
					RequestID: r.Header.Get("X-Request-Id"),
				},
			}
			if _, err := s.Enqueuer.Enqueue(r.Context(), redpanda.QueueWebhookProcessing, job); err != nil {
				log.Warn("webhook enqueue failed, sweeper will retry", slog.Any("error", err))
			}
		}

		log.Info("webhook accepted", slog.String("event_id", id), slog.String("event_type", probe.EventType))
		writeJSON(w, http.StatusOK, map[string]string{"eventId": id, "status": "accepted"})
	}
}
