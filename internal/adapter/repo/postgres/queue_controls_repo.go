package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// QueueControlRepo persists operator-set pause flags per queue. A queue with
// no row is running; pause and resume upsert the row.
type QueueControlRepo struct {
	pool PgxPool
}

// NewQueueControlRepo constructs a QueueControlRepo.
func NewQueueControlRepo(pool PgxPool) *QueueControlRepo { return &QueueControlRepo{pool: pool} }

func (r *QueueControlRepo) SetPaused(ctx domain.Context, queue string, paused bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO queue_controls (queue, paused, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (queue) DO UPDATE SET paused = EXCLUDED.paused, updated_at = now()`,
		queue, paused)
	if err != nil {
		return fmt.Errorf("op=QueueControlRepo.SetPaused: queue=%s: %w", queue, err)
	}
	return nil
}

func (r *QueueControlRepo) IsPaused(ctx domain.Context, queue string) (bool, error) {
	var paused bool
	err := r.pool.QueryRow(ctx,
		`SELECT paused FROM queue_controls WHERE queue = $1`, queue).Scan(&paused)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("op=QueueControlRepo.IsPaused: queue=%s: %w", queue, err)
	}
	return paused, nil
}

func (r *QueueControlRepo) ListPaused(ctx domain.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT queue FROM queue_controls WHERE paused ORDER BY queue`)
	if err != nil {
		return nil, fmt.Errorf("op=QueueControlRepo.ListPaused: %w", err)
	}
	defer rows.Close()

	var queues []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("op=QueueControlRepo.ListPaused: %w", err)
		}
		queues = append(queues, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=QueueControlRepo.ListPaused: %w", err)
	}
	return queues, nil
}
