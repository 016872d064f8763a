package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/creatorplane/orchestrator/internal/adapter/queue/redpanda"
	"github.com/creatorplane/orchestrator/internal/config"
	"github.com/creatorplane/orchestrator/internal/domain"
	"github.com/creatorplane/orchestrator/internal/gateway"
	"github.com/creatorplane/orchestrator/internal/service/apikey"
)

// maxBodyBytes bounds inbound JSON bodies.
const maxBodyBytes = 1 << 20

// Server aggregates handler dependencies.
type Server struct {
	Cfg          config.Config
	Orchestrator *gateway.Orchestrator
	Enqueuer     domain.Enqueuer
	Jobs         domain.JobRepository
	Runs         domain.RunRepository
	Events       domain.WebhookEventRepository
	Keys         *apikey.Manager
	QueueHealth  *redpanda.HealthChecker
	DBCheck      func(ctx context.Context) error
	RedisCheck   func(ctx context.Context) error
	KafkaCheck   func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// apiKeyFrom pulls the caller credential from X-API-Key or a Bearer token.
func apiKeyFrom(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// GatewayHandler proxies /v1/gateway/{platform}/* through the admission
// sequence: key validation, permission check, platform rate limit, routed
// dispatch under retry and circuit breaking.
func (s *Server) GatewayHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := strings.ToLower(chi.URLParam(r, "platform"))
		if _, ok := s.Cfg.Platform(platform); !ok {
			writeError(w, r, fmt.Errorf("unknown platform %q: %w", platform, domain.ErrRouteNotFound))
			return
		}

		endpoint := chi.URLParam(r, "*")
		params := make(map[string]string)
		for k, vs := range r.URL.Query() {
			if len(vs) > 0 {
				params[k] = vs[0]
			}
		}

		var body json.RawMessage
		if r.Body != nil {
			b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, r, fmt.Errorf("read body: %w", domain.ErrInvalidArgument))
				return
			}
			body = b
		}

		req := &gateway.Request{
			Platform: platform,
			Endpoint: "/" + endpoint,
			Method:   r.Method,
			Params:   params,
			Body:     body,
			APIKey:   apiKeyFrom(r),
			UserID:   r.Header.Get("X-User-ID"),
		}

		resp, err := s.Orchestrator.Handle(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		status := resp.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write(resp.Data)
	}
}

type scrapeRequest struct {
	Platform string         `json:"platform" validate:"required"`
	Input    map[string]any `json:"input" validate:"required"`
	Priority int            `json:"priority" validate:"gte=0,lte=10"`
	DelayMS  int64          `json:"delayMs" validate:"gte=0"`
	UserID   string         `json:"userId"`
	ActorID  string         `json:"actorId"`
}

type scrapeResponse struct {
	JobID  string `json:"jobId"`
	Queue  string `json:"queue"`
	Status string `json:"status"`
}

// ScrapeHandler accepts a scrape request and enqueues it on the scraping
// queue. Returns 202 with the job id; the job itself runs asynchronously.
func (s *Server) ScrapeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scrapeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument))
			return
		}

		platform := strings.ToLower(req.Platform)
		pc, ok := s.Cfg.Platform(platform)
		if !ok {
			writeError(w, r, fmt.Errorf("unknown platform %q: %w", req.Platform, domain.ErrInvalidArgument))
			return
		}
		actorID := req.ActorID
		if actorID == "" {
			actorID = pc.ActorID
		}
		if actorID == "" {
			writeError(w, r, fmt.Errorf("no actor configured for %s: %w", platform, domain.ErrInvalidArgument))
			return
		}

		job := domain.Job{
			Queue:    redpanda.QueueScraping,
			Name:     platform + "-scrape",
			Priority: req.Priority,
			Data: domain.JobData{
				Platform:  platform,
				ActorID:   actorID,
				Input:     req.Input,
				UserID:    req.UserID,
				RequestID: r.Header.Get("X-Request-Id"),
			},
		}
		if req.DelayMS > 0 {
			at := time.Now().UTC().Add(time.Duration(req.DelayMS) * time.Millisecond)
			job.DelayUntil = &at
		}

		id, err := s.Enqueuer.Enqueue(r.Context(), redpanda.QueueScraping, job)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := string(domain.JobWaiting)
		if job.DelayUntil != nil {
			status = string(domain.JobDelayed)
		}
		writeJSON(w, http.StatusAccepted, scrapeResponse{JobID: id, Queue: redpanda.QueueScraping, Status: status})
	}
}

// JobGetHandler returns one job by id.
func (s *Server) JobGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	}
}

// JobCancelHandler removes a job that has not gone active yet.
func (s *Server) JobCancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Jobs.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// JobListHandler lists jobs with optional queue and status filters.
func (s *Server) JobListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobs, err := s.Jobs.ListWithFilters(r.Context(), offset, limit,
			r.URL.Query().Get("queue"), r.URL.Query().Get("status"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		views := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, jobView(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "offset": offset})
	}
}

// RunGetHandler returns one tracked actor run.
func (s *Server) RunGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.Runs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, runView(run))
	}
}

func jobView(j domain.Job) map[string]any {
	v := map[string]any{
		"id":           j.ID,
		"queue":        j.Queue,
		"name":         j.Name,
		"priority":     j.Priority,
		"status":       string(j.Status),
		"attemptsMade": j.AttemptsMade,
		"maxAttempts":  j.MaxAttempts,
		"platform":     j.Data.Platform,
		"createdAt":    j.CreatedAt,
	}
	if j.DelayUntil != nil {
		v["delayUntil"] = j.DelayUntil
	}
	if j.ProcessedOn != nil {
		v["processedOn"] = j.ProcessedOn
	}
	if j.FinishedOn != nil {
		v["finishedOn"] = j.FinishedOn
	}
	if j.FailedReason != "" {
		v["failedReason"] = j.FailedReason
	}
	return v
}

func runView(run domain.ActorRun) map[string]any {
	v := map[string]any{
		"id":        run.ID,
		"actorId":   run.ActorID,
		"platform":  run.Platform,
		"status":    string(run.Status),
		"startedAt": run.StartedAt,
	}
	if run.FinishedAt != nil {
		v["finishedAt"] = run.FinishedAt
	}
	if run.DatasetID != "" {
		v["datasetId"] = run.DatasetID
	}
	if run.Stats != nil {
		v["stats"] = run.Stats
	}
	return v
}

func decodeJSON(r *http.Request, out any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		return fmt.Errorf("content-type must be application/json: %w", domain.ErrInvalidArgument)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("malformed json: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler checks every hard dependency with a short deadline.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]func(context.Context) error{
			"db":    s.DBCheck,
			"redis": s.RedisCheck,
			"kafka": s.KafkaCheck,
		}
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if check == nil {
				results[name] = "skipped"
				continue
			}
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		writeJSON(w, status, map[string]any{"checks": results})
	}
}
