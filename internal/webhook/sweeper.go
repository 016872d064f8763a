package webhook

import (
	"log/slog"
	"time"

	"github.com/creatorplane/orchestrator/internal/adapter/observability"
	"github.com/creatorplane/orchestrator/internal/domain"
)

const (
	defaultSweepInterval = time.Minute
	sweepBatchSize       = 10
	dlqAlertThreshold    = 10
)

// Sweeper picks up due pending events (fresh arrivals and scheduled retries)
// and runs them through the handler. It also keeps the dead-letter gauge
// current and alerts when the backlog crosses the threshold.
type Sweeper struct {
	events   domain.WebhookEventRepository
	handler  *Handler
	interval time.Duration
}

// NewSweeper constructs a Sweeper.
func NewSweeper(events domain.WebhookEventRepository, handler *Handler, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{events: events, handler: handler, interval: interval}
}

// Start blocks until the context is done.
func (s *Sweeper) Start(ctx domain.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.sweep(ctx)
		s.monitorDLQ(ctx)
	}
}

func (s *Sweeper) sweep(ctx domain.Context) {
	due, err := s.events.ListDue(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		slog.Error("webhook sweep failed", slog.Any("error", err))
		return
	}
	for _, event := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.handler.Process(ctx, event.ID); err != nil {
			slog.Error("webhook event processing failed",
				slog.String("event_id", event.ID), slog.Any("error", err))
		}
	}
}

func (s *Sweeper) monitorDLQ(ctx domain.Context) {
	count, err := s.events.CountDeadLetters(ctx)
	if err != nil {
		slog.Error("webhook dlq count failed", slog.Any("error", err))
		return
	}
	observability.WebhookDLQSize.Set(float64(count))
	if count > dlqAlertThreshold {
		slog.Warn("webhook dead-letter backlog above threshold",
			slog.Int("count", count), slog.Int("threshold", dlqAlertThreshold))
	}
}
