package redpanda

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// RetryManager decides what happens after a job handler fails: re-enqueue
// with exponential delay while attempts remain and the error is retryable,
// otherwise mark the job failed or dead-letter it.
type RetryManager struct {
	jobs     domain.JobRepository
	producer *Producer
	config   domain.RetryConfig
	// useDLQ moves exhausted jobs onto the dead-letter topic instead of
	// leaving them at failed.
	useDLQ bool
	now    func() time.Time
}

// NewRetryManager constructs a RetryManager.
func NewRetryManager(jobs domain.JobRepository, producer *Producer, config domain.RetryConfig, useDLQ bool) *RetryManager {
	return &RetryManager{jobs: jobs, producer: producer, config: config, useDLQ: useDLQ, now: time.Now}
}

// HandleFailure applies the retry policy to one failed job.
func (rm *RetryManager) HandleFailure(ctx domain.Context, job domain.Job, cause error) error {
	reason := cause.Error()

	retryable := isRetryable(cause, rm.config)
	if retryable && job.AttemptsMade < job.MaxAttempts {
		delay := rm.backoffDelay(job.AttemptsMade)
		due := rm.now().Add(delay).UTC()
		job.DelayUntil = &due
		if err := rm.jobs.UpdateStatus(ctx, job.ID, domain.JobDelayed, &reason); err != nil {
			return fmt.Errorf("op=RetryManager.HandleFailure: mark delayed: %w", err)
		}
		if err := rm.jobs.SetDelayUntil(ctx, job.ID, due); err != nil {
			return fmt.Errorf("op=RetryManager.HandleFailure: set delay: %w", err)
		}
		slog.Info("job scheduled for retry",
			slog.String("job_id", job.ID), slog.String("queue", job.Queue),
			slog.Int("attempt", job.AttemptsMade), slog.Duration("delay", delay))
		return nil
	}

	if rm.useDLQ {
		dlqJob := domain.DLQJob{
			JobID:        job.ID,
			Queue:        job.Queue,
			OriginalData: job.Data,
			RetryInfo: domain.RetryInfo{
				AttemptCount: job.AttemptsMade,
				MaxAttempts:  job.MaxAttempts,
				RetryStatus:  domain.RetryStatusDLQ,
				LastError:    reason,
				UpdatedAt:    rm.now(),
			},
			FailureReason:    reason,
			MovedToDLQAt:     rm.now().UTC(),
			CanBeReprocessed: retryable,
		}
		if err := rm.producer.PublishDLQ(ctx, dlqJob); err != nil {
			return fmt.Errorf("op=RetryManager.HandleFailure: dlq publish: %w", err)
		}
		if err := rm.jobs.MarkFinished(ctx, job.ID, domain.JobDead, rm.now().UTC(), &reason); err != nil {
			return fmt.Errorf("op=RetryManager.HandleFailure: mark dead: %w", err)
		}
		slog.Warn("job dead-lettered",
			slog.String("job_id", job.ID), slog.String("queue", job.Queue),
			slog.Int("attempts", job.AttemptsMade), slog.String("reason", reason))
		return nil
	}

	if err := rm.jobs.MarkFinished(ctx, job.ID, domain.JobFailed, rm.now().UTC(), &reason); err != nil {
		return fmt.Errorf("op=RetryManager.HandleFailure: mark failed: %w", err)
	}
	slog.Warn("job failed permanently",
		slog.String("job_id", job.ID), slog.String("queue", job.Queue), slog.String("reason", reason))
	return nil
}

// backoffDelay computes initialDelay * multiplier^attemptsMade, capped at
// MaxDelay, with a fixed 10 percent jitter when enabled.
func (rm *RetryManager) backoffDelay(attemptsMade int) time.Duration {
	delay := time.Duration(float64(rm.config.InitialDelay) * math.Pow(rm.config.Multiplier, float64(attemptsMade)))
	if delay > rm.config.MaxDelay {
		delay = rm.config.MaxDelay
	}
	if rm.config.Jitter {
		delay += time.Duration(float64(delay) * 0.1)
	}
	return delay
}

func isRetryable(err error, config domain.RetryConfig) bool {
	ri := &domain.RetryInfo{MaxAttempts: config.MaxRetries}
	return ri.ShouldRetry(err, config)
}
