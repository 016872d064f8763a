// Package webhook processes provider callbacks after ingress has persisted
// them. Processing is claim-based: an event is owned by exactly one worker,
// failures reschedule with exponential backoff, exhausted events dead-letter.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/creatorplane/orchestrator/internal/adapter/observability"
	"github.com/creatorplane/orchestrator/internal/domain"
	obsctx "github.com/creatorplane/orchestrator/internal/observability"
	"github.com/creatorplane/orchestrator/internal/pipeline"
	"github.com/creatorplane/orchestrator/internal/tracker"
)

// retryBaseDelay is doubled per attempt already made.
const retryBaseDelay = 60 * time.Second

// DatasetLister is the slice of the actor client the handler needs.
type DatasetLister interface {
	ListAllDataset(ctx domain.Context, datasetID string) ([]domain.RawItem, error)
}

// PlatformResolver maps an actor ID onto the platform it scrapes.
type PlatformResolver func(actorID string) string

// payload is the provider's webhook body. Unknown fields are ignored.
type payload struct {
	EventType string `json:"eventType"`
	EventData struct {
		ActorID    string `json:"actorId"`
		ActorRunID string `json:"actorRunId"`
	} `json:"eventData"`
	Resource struct {
		ID                     string           `json:"id"`
		ActorID                string           `json:"actId"`
		Status                 string           `json:"status"`
		StartedAt              *time.Time       `json:"startedAt"`
		FinishedAt             *time.Time       `json:"finishedAt"`
		DefaultDatasetID       string           `json:"defaultDatasetId"`
		DefaultKeyValueStoreID string           `json:"defaultKeyValueStoreId"`
		ExitCode               *int             `json:"exitCode"`
		Stats                  *domain.RunStats `json:"stats"`
	} `json:"resource"`
}

// Handler drives one webhook event from claimed to completed, retrying, or
// dead-lettered.
type Handler struct {
	events      domain.WebhookEventRepository
	tracker     *tracker.Tracker
	actor       DatasetLister
	pipe        *pipeline.Pipeline
	creators    domain.CreatorRepository
	platformFor PlatformResolver
	maxAttempts int
	now         func() time.Time
}

// HandlerParams collect the handler's dependencies.
type HandlerParams struct {
	Events      domain.WebhookEventRepository
	Tracker     *tracker.Tracker
	Actor       DatasetLister
	Pipeline    *pipeline.Pipeline
	Creators    domain.CreatorRepository
	PlatformFor PlatformResolver
	MaxAttempts int
}

// NewHandler constructs a Handler.
func NewHandler(p HandlerParams) *Handler {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.PlatformFor == nil {
		p.PlatformFor = func(string) string { return "" }
	}
	return &Handler{
		events:      p.Events,
		tracker:     p.Tracker,
		actor:       p.Actor,
		pipe:        p.Pipeline,
		creators:    p.Creators,
		platformFor: p.PlatformFor,
		maxAttempts: p.MaxAttempts,
		now:         time.Now,
	}
}

// Process claims and processes one stored event. A lost claim race is not an
// error: someone else owns the event. Failures schedule a retry until the
// attempt budget runs out, then the event dead-letters.
func (h *Handler) Process(ctx domain.Context, eventID string) error {
	event, err := h.events.MarkProcessing(ctx, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("op=webhook.Process: %w", err)
	}

	log := obsctx.LoggerFromContext(ctx).With(
		slog.String("event_id", event.ID),
		slog.String("event_type", event.EventType),
		slog.Int("attempt", event.Attempts))

	if perr := h.dispatch(ctx, event); perr != nil {
		return h.fail(ctx, event, log, perr)
	}

	if err := h.events.MarkCompleted(ctx, event.ID, h.now().UTC()); err != nil {
		return fmt.Errorf("op=webhook.Process: %w", err)
	}
	observability.WebhookEventsTotal.WithLabelValues(event.Provider, "completed").Inc()
	log.Info("webhook event processed")
	return nil
}

func (h *Handler) fail(ctx domain.Context, event domain.WebhookEvent, log *slog.Logger, perr error) error {
	if event.Attempts < h.maxAttempts {
		delay := RetryDelay(event.Attempts)
		next := h.now().UTC().Add(delay)
		if err := h.events.MarkRetry(ctx, event.ID, next, perr.Error()); err != nil {
			return fmt.Errorf("op=webhook.fail: %w", err)
		}
		observability.WebhookEventsTotal.WithLabelValues(event.Provider, "retried").Inc()
		log.Warn("webhook event processing failed, scheduled retry",
			slog.Duration("delay", delay), slog.Any("error", perr))
		return nil
	}

	if err := h.events.MarkDeadLetter(ctx, event.ID, perr.Error()); err != nil {
		return fmt.Errorf("op=webhook.fail: %w", err)
	}
	observability.WebhookEventsTotal.WithLabelValues(event.Provider, "dead_letter").Inc()
	log.Error("webhook event dead-lettered", slog.Any("error", perr))
	return nil
}

// RetryDelay doubles a one-minute base per attempt already made.
func RetryDelay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return time.Duration(math.Pow(2, float64(attemptsMade-1))) * retryBaseDelay
}

func (h *Handler) dispatch(ctx domain.Context, event domain.WebhookEvent) error {
	var p payload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	runID := p.Resource.ID
	if runID == "" {
		runID = p.EventData.ActorRunID
	}
	if runID == "" {
		return fmt.Errorf("payload carries no run id: %w", domain.ErrInvalidArgument)
	}

	switch event.EventType {
	case domain.EventRunSucceeded:
		return h.handleSucceeded(ctx, runID, p)
	case domain.EventRunFailed, domain.EventRunAborted, domain.EventRunTimedOut:
		return h.handleTerminalFailure(ctx, runID, p, event.EventType)
	default:
		// Unknown event types complete without side effects so the provider
		// can add types without breaking us.
		obsctx.LoggerFromContext(ctx).Info("ignoring unknown webhook event type",
			slog.String("event_type", event.EventType))
		return nil
	}
}

func (h *Handler) handleSucceeded(ctx domain.Context, runID string, p payload) error {
	run, err := h.tracker.Reconcile(ctx, runID, domain.RunSucceeded, p.Resource.FinishedAt)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	datasetID := p.Resource.DefaultDatasetID
	if datasetID == "" {
		datasetID = run.DatasetID
	}
	if datasetID == "" {
		return fmt.Errorf("run %s has no dataset: %w", runID, domain.ErrInvalidArgument)
	}

	actorID := p.Resource.ActorID
	if actorID == "" {
		actorID = p.EventData.ActorID
	}
	platform := run.Platform
	if platform == "" {
		platform = h.platformFor(actorID)
	}
	if platform == "" {
		return fmt.Errorf("cannot resolve platform for actor %q: %w", actorID, domain.ErrInvalidArgument)
	}

	items, err := h.actor.ListAllDataset(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("list dataset: %w", err)
	}

	results, err := h.pipe.ProcessBatch(ctx, platform, items, actorID, runID, pipeline.BatchAdaptive)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	log := obsctx.LoggerFromContext(ctx)
	var stored, failed int
	for _, res := range results {
		if !res.Succeeded || res.Creator == nil {
			failed++
			continue
		}
		if _, err := h.creators.Upsert(ctx, *res.Creator); err != nil {
			failed++
			log.Error("creator upsert failed",
				slog.String("run_id", runID), slog.Any("error", err))
			continue
		}
		stored++
	}
	log.Info("run results ingested",
		slog.String("run_id", runID),
		slog.String("platform", platform),
		slog.Int("items", len(items)),
		slog.Int("stored", stored),
		slog.Int("failed", failed))
	return nil
}

func (h *Handler) handleTerminalFailure(ctx domain.Context, runID string, p payload, eventType string) error {
	status := domain.RunFailed
	switch eventType {
	case domain.EventRunAborted:
		status = domain.RunAborted
	case domain.EventRunTimedOut:
		status = domain.RunTimedOut
	}
	run, err := h.tracker.Reconcile(ctx, runID, status, p.Resource.FinishedAt)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	log := obsctx.LoggerFromContext(ctx)
	attrs := []any{
		slog.String("run_id", runID),
		slog.String("actor_id", run.ActorID),
		slog.String("status", string(run.Status)),
	}
	if run.ExitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *run.ExitCode))
	}
	log.Warn("actor run ended unsuccessfully", attrs...)
	return nil
}
