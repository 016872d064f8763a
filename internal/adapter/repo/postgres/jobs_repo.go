package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// JobRepo persists queue jobs. The queue owns a job until it reaches a
// terminal status; afterwards the retention cleaner may remove it.
type JobRepo struct {
	pool PgxPool
}

// NewJobRepo constructs a JobRepo.
func NewJobRepo(pool PgxPool) *JobRepo { return &JobRepo{pool: pool} }

func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "jobs.create")
	defer span.End()

	data, err := json.Marshal(j.Data)
	if err != nil {
		return "", fmt.Errorf("op=JobRepo.Create: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, name, priority, data, attempts_made, max_attempts, delay_until, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.ID, j.Queue, j.Name, j.Priority, data, j.AttemptsMade, j.MaxAttempts, j.DelayUntil, j.Status, j.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("op=JobRepo.Create: %w", err)
	}
	return j.ID, nil
}

func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "jobs.get")
	defer span.End()

	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, failedReason *string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, failed_reason = COALESCE($3, failed_reason) WHERE id = $1`,
		id, status, failedReason)
	if err != nil {
		return fmt.Errorf("op=JobRepo.UpdateStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=JobRepo.UpdateStatus: id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *JobRepo) SetDelayUntil(ctx domain.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE jobs SET delay_until = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("op=JobRepo.SetDelayUntil: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=JobRepo.SetDelayUntil: id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *JobRepo) MarkActive(ctx domain.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, processed_on = $3 WHERE id = $1`,
		id, domain.JobActive, at)
	if err != nil {
		return fmt.Errorf("op=JobRepo.MarkActive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=JobRepo.MarkActive: id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *JobRepo) MarkFinished(ctx domain.Context, id string, status domain.JobStatus, at time.Time, failedReason *string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, finished_on = $3, failed_reason = COALESCE($4, failed_reason) WHERE id = $1`,
		id, status, at, failedReason)
	if err != nil {
		return fmt.Errorf("op=JobRepo.MarkFinished: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=JobRepo.MarkFinished: id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *JobRepo) IncrementAttempts(ctx domain.Context, id string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx,
		`UPDATE jobs SET attempts_made = attempts_made + 1 WHERE id = $1 RETURNING attempts_made`,
		id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=JobRepo.IncrementAttempts: id=%s: %w", id, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=JobRepo.IncrementAttempts: %w", err)
	}
	return attempts, nil
}

// ClaimNextWaiting takes the best waiting job for a queue: highest priority
// first, oldest first within a class. SKIP LOCKED keeps concurrent workers
// from claiming the same row.
func (r *JobRepo) ClaimNextWaiting(ctx domain.Context, queue string, at time.Time) (domain.Job, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "jobs.claim")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $3, processed_on = $2, attempts_made = attempts_made + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1 AND status = $4
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		queue, at, domain.JobActive, domain.JobWaiting)
	j, err := scanJob(row)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=JobRepo.ClaimNextWaiting: queue=%s: %w", queue, err)
	}
	return j, nil
}

func (r *JobRepo) ListWithFilters(ctx domain.Context, offset, limit int, queue, status string) ([]domain.Job, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "jobs.list")
	defer span.End()

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($3 = '' OR queue = $3) AND ($4 = '' OR status = $4)
		ORDER BY priority DESC, created_at ASC
		OFFSET $1 LIMIT $2`, offset, limit, queue, status)
	if err != nil {
		return nil, fmt.Errorf("op=JobRepo.ListWithFilters: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=JobRepo.ListWithFilters: %w", err)
	}
	return jobs, nil
}

func (r *JobRepo) CountByStatus(ctx domain.Context, queue string) (map[domain.JobStatus]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE ($1 = '' OR queue = $1) GROUP BY status`, queue)
	if err != nil {
		return nil, fmt.Errorf("op=JobRepo.CountByStatus: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			status domain.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("op=JobRepo.CountByStatus: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=JobRepo.CountByStatus: %w", err)
	}
	return counts, nil
}

// Remove deletes a job that has not yet gone active. Active or terminal jobs
// are not removable; the caller gets a conflict.
func (r *JobRepo) Remove(ctx domain.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM jobs WHERE id = $1 AND status IN ($2, $3)`,
		id, domain.JobWaiting, domain.JobDelayed)
	if err != nil {
		return fmt.Errorf("op=JobRepo.Remove: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=JobRepo.Remove: id=%s not removable: %w", id, domain.ErrConflict)
	}
	return nil
}

// CleanTerminal removes completed, failed and dead jobs for a queue. Used by
// the ops clean command; retention cleanup handles age-based removal.
func (r *JobRepo) CleanTerminal(ctx domain.Context, queue string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM jobs WHERE queue = $1 AND status IN ($2, $3, $4)`,
		queue, domain.JobCompleted, domain.JobFailed, domain.JobDead)
	if err != nil {
		return 0, fmt.Errorf("op=JobRepo.CleanTerminal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListStuck returns jobs active since before the cutoff.
func (r *JobRepo) ListStuck(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND processed_on < $2
		ORDER BY processed_on ASC LIMIT $3`, domain.JobActive, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=JobRepo.ListStuck: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=JobRepo.ListStuck: %w", err)
	}
	return jobs, nil
}

const jobColumns = `id, queue, name, priority, data, attempts_made, max_attempts, delay_until, status, created_at, processed_on, finished_on, failed_reason`

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j            domain.Job
		data         []byte
		failedReason *string
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Name, &j.Priority, &data, &j.AttemptsMade, &j.MaxAttempts,
		&j.DelayUntil, &j.Status, &j.CreatedAt, &j.ProcessedOn, &j.FinishedOn, &failedReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=JobRepo.scan: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=JobRepo.scan: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &j.Data); err != nil {
			return domain.Job{}, fmt.Errorf("op=JobRepo.scan: data: %w", err)
		}
	}
	if failedReason != nil {
		j.FailedReason = *failedReason
	}
	return j, nil
}
