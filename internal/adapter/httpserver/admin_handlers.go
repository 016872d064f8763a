package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/creatorplane/orchestrator/internal/domain"
	"github.com/creatorplane/orchestrator/internal/service/apikey"
)

type createKeyRequest struct {
	Name        string            `json:"name" validate:"required"`
	Permissions []string          `json:"permissions" validate:"required,min=1"`
	PerHour     *int              `json:"perHour"`
	PerDay      *int              `json:"perDay"`
	PerMonth    *int              `json:"perMonth"`
	ExpiresAt   *time.Time        `json:"expiresAt"`
	Metadata    map[string]string `json:"metadata"`
}

type keyResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	Key         string     `json:"key,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	IsActive    bool       `json:"isActive"`
}

func keyView(k domain.APIKey, raw string) keyResponse {
	return keyResponse{
		ID:          k.ID,
		Name:        k.Name,
		Permissions: k.Permissions,
		Key:         raw,
		CreatedAt:   k.CreatedAt,
		ExpiresAt:   k.ExpiresAt,
		IsActive:    k.IsActive,
	}
}

// AdminCreateKeyHandler mints a new API key. The raw key appears in this
// response only; afterwards only its hash exists.
func (s *Server) AdminCreateKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createKeyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument))
			return
		}
		key, raw, err := s.Keys.Create(r.Context(), apikey.CreateParams{
			Name:        req.Name,
			Permissions: req.Permissions,
			RateLimits:  domain.RateLimits{PerHour: req.PerHour, PerDay: req.PerDay, PerMonth: req.PerMonth},
			ExpiresAt:   req.ExpiresAt,
			Metadata:    req.Metadata,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, keyView(key, raw))
	}
}

// AdminRotateKeyHandler replaces a key, returning the new raw key once.
func (s *Server) AdminRotateKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, raw, err := s.Keys.Rotate(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, keyView(key, raw))
	}
}

// AdminRevokeKeyHandler deactivates a key immediately.
func (s *Server) AdminRevokeKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		_ = decodeJSON(r, &req)
		if err := s.Keys.Revoke(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// AdminQueueHealthHandler reports per-queue health.
func (s *Server) AdminQueueHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.QueueHealth == nil {
			writeError(w, r, fmt.Errorf("queue health not wired: %w", domain.ErrServiceUnavailable))
			return
		}
		reports, err := s.QueueHealth.CheckAll(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queues": reports})
	}
}

// AdminWebhookDLQHandler lists dead-lettered webhook events.
func (s *Server) AdminWebhookDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 100 {
			limit = 50
		}
		events, err := s.Events.ListDeadLetters(r.Context(), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		views := make([]map[string]any, 0, len(events))
		for _, e := range events {
			views = append(views, map[string]any{
				"id":        e.ID,
				"provider":  e.Provider,
				"eventType": e.EventType,
				"attempts":  e.Attempts,
				"error":     e.Error,
				"createdAt": e.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": views})
	}
}

// AdminWebhookRequeueHandler puts a dead-lettered event back in play.
func (s *Server) AdminWebhookRequeueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Events.Requeue(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// AdminTimingsHandler exposes the gateway's recent request timings.
func (s *Server) AdminTimingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		timings := s.Orchestrator.Timings()
		views := make([]map[string]any, 0, len(timings))
		for _, t := range timings {
			views = append(views, map[string]any{
				"requestId": t.RequestID,
				"platform":  t.Platform,
				"durationMs": t.Duration.Milliseconds(),
				"at":        t.At,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"activeConnections": s.Orchestrator.ActiveConnections(),
			"timings":           views,
		})
	}
}
