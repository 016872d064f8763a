package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// StuckJobStore is the slice of the job repository the sweeper needs.
type StuckJobStore interface {
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error)
	MarkFinished(ctx context.Context, id string, status domain.JobStatus, at time.Time, failedReason *string) error
}

// StuckJobSweeper fails jobs that have been active longer than the maximum
// processing age. These are jobs whose worker died between MarkActive and
// MarkFinished; without the sweeper they would stay active forever.
type StuckJobSweeper struct {
	jobs             StuckJobStore
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStuckJobSweeper constructs a sweeper; nil jobs disables it.
func NewStuckJobSweeper(jobs StuckJobStore, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, maxProcessingAge: maxProcessingAge, interval: interval}
}

// Run blocks until the context is done.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	const pageSize = 100
	cutoff := time.Now().UTC().Add(-s.maxProcessingAge)
	span.SetAttributes(attribute.Float64("jobs.max_processing_age_seconds", s.maxProcessingAge.Seconds()))

	failed := 0
	for {
		stuck, err := s.jobs.ListStuck(ctx, cutoff, pageSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
			return
		}
		if len(stuck) == 0 {
			break
		}
		for _, j := range stuck {
			msg := fmt.Sprintf("processing exceeded %v, failed by sweeper", s.maxProcessingAge)
			if err := s.jobs.MarkFinished(ctx, j.ID, domain.JobFailed, time.Now().UTC(), &msg); err != nil {
				slog.Error("stuck job sweep failed to fail job",
					slog.String("job_id", j.ID), slog.Any("error", err))
				continue
			}
			failed++
		}
		if len(stuck) < pageSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("jobs.total_marked_failed", failed))
	if failed > 0 {
		slog.Warn("stuck jobs failed by sweeper", slog.Int("count", failed))
	}
}
