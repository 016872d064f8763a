package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// Cleanup removes terminal jobs and webhook events older than the retention
// window. Runs on an interval from the worker process.
type Cleanup struct {
	pool          PgxPool
	retentionDays int
	interval      time.Duration
}

// NewCleanup constructs the retention cleaner.
func NewCleanup(pool PgxPool, retentionDays int, interval time.Duration) *Cleanup {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Cleanup{pool: pool, retentionDays: retentionDays, interval: interval}
}

// Start runs the cleanup loop until the context is cancelled. One pass runs
// immediately on start.
func (c *Cleanup) Start(ctx domain.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *Cleanup) runOnce(ctx domain.Context) {
	cutoff := time.Now().AddDate(0, 0, -c.retentionDays)

	jobs, err := c.purge(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed','failed','dead') AND finished_on < $1`, cutoff)
	if err != nil {
		slog.Error("retention cleanup failed", slog.String("table", "jobs"), slog.Any("error", err))
	}
	events, err := c.purge(ctx, `
		DELETE FROM webhook_events
		WHERE status IN ('completed','dead_letter') AND created_at < $1`, cutoff)
	if err != nil {
		slog.Error("retention cleanup failed", slog.String("table", "webhook_events"), slog.Any("error", err))
	}
	runs, err := c.purge(ctx, `
		DELETE FROM actor_runs
		WHERE status IN ('SUCCEEDED','FAILED','TIMED_OUT','ABORTED') AND finished_at < $1`, cutoff)
	if err != nil {
		slog.Error("retention cleanup failed", slog.String("table", "actor_runs"), slog.Any("error", err))
	}

	if jobs+events+runs > 0 {
		slog.Info("retention cleanup pass",
			slog.Int64("jobs", jobs), slog.Int64("webhook_events", events), slog.Int64("runs", runs),
			slog.Time("cutoff", cutoff))
	}
}

func (c *Cleanup) purge(ctx domain.Context, query string, cutoff time.Time) (int64, error) {
	tag, err := c.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=Cleanup.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
