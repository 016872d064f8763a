package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// WebhookEventRepo persists received webhook events through their retry
// lifecycle: pending, processing, completed, failed, dead_letter.
type WebhookEventRepo struct {
	pool PgxPool
}

// NewWebhookEventRepo constructs a WebhookEventRepo.
func NewWebhookEventRepo(pool PgxPool) *WebhookEventRepo {
	return &WebhookEventRepo{pool: pool}
}

func (r *WebhookEventRepo) Create(ctx domain.Context, e domain.WebhookEvent) (string, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "webhook_events.create")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, provider, event_type, payload, signature, status, attempts, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Provider, e.EventType, e.Payload, e.Signature, e.Status, e.Attempts, e.MaxAttempts, e.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("op=WebhookEventRepo.Create: %w", err)
	}
	return e.ID, nil
}

func (r *WebhookEventRepo) Get(ctx domain.Context, id string) (domain.WebhookEvent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`, id)
	return scanWebhookEvent(row)
}

// MarkProcessing claims a pending or retry-due event, bumping its attempt
// counter. Claiming is conditional on status so two workers cannot both own
// the same event.
func (r *WebhookEventRepo) MarkProcessing(ctx domain.Context, id string) (domain.WebhookEvent, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "webhook_events.mark_processing")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
		UPDATE webhook_events
		SET status = $2, attempts = attempts + 1
		WHERE id = $1 AND status = $3
		RETURNING `+webhookColumns, id, domain.WebhookProcessing, domain.WebhookPending)
	e, err := scanWebhookEvent(row)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.WebhookEvent{}, fmt.Errorf("op=WebhookEventRepo.MarkProcessing: id=%s not claimable: %w", id, domain.ErrConflict)
		}
		return domain.WebhookEvent{}, fmt.Errorf("op=WebhookEventRepo.MarkProcessing: %w", err)
	}
	return e, nil
}

func (r *WebhookEventRepo) MarkCompleted(ctx domain.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_events SET status = $2, processed_at = $3, next_retry_at = NULL WHERE id = $1`,
		id, domain.WebhookCompleted, at)
	if err != nil {
		return fmt.Errorf("op=WebhookEventRepo.MarkCompleted: %w", err)
	}
	return nil
}

func (r *WebhookEventRepo) MarkRetry(ctx domain.Context, id string, nextRetryAt time.Time, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_events SET status = $2, next_retry_at = $3, error = $4 WHERE id = $1`,
		id, domain.WebhookPending, nextRetryAt, errMsg)
	if err != nil {
		return fmt.Errorf("op=WebhookEventRepo.MarkRetry: %w", err)
	}
	return nil
}

func (r *WebhookEventRepo) MarkDeadLetter(ctx domain.Context, id string, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_events SET status = $2, next_retry_at = NULL, error = $3 WHERE id = $1`,
		id, domain.WebhookDeadLetter, errMsg)
	if err != nil {
		return fmt.Errorf("op=WebhookEventRepo.MarkDeadLetter: %w", err)
	}
	return nil
}

// ListDue returns pending events whose retry time has arrived, oldest first.
func (r *WebhookEventRepo) ListDue(ctx domain.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at ASC LIMIT $3`, domain.WebhookPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=WebhookEventRepo.ListDue: %w", err)
	}
	defer rows.Close()
	return collectWebhookEvents(rows)
}

func (r *WebhookEventRepo) CountDeadLetters(ctx domain.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE status = $1`, domain.WebhookDeadLetter).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=WebhookEventRepo.CountDeadLetters: %w", err)
	}
	return n, nil
}

func (r *WebhookEventRepo) ListDeadLetters(ctx domain.Context, limit int) ([]domain.WebhookEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, domain.WebhookDeadLetter, limit)
	if err != nil {
		return nil, fmt.Errorf("op=WebhookEventRepo.ListDeadLetters: %w", err)
	}
	defer rows.Close()
	return collectWebhookEvents(rows)
}

// Requeue resets a dead-lettered event for another processing round. Its
// attempt budget starts over.
func (r *WebhookEventRepo) Requeue(ctx domain.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2, attempts = 0, next_retry_at = NULL, error = ''
		WHERE id = $1 AND status = $3`,
		id, domain.WebhookPending, domain.WebhookDeadLetter)
	if err != nil {
		return fmt.Errorf("op=WebhookEventRepo.Requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=WebhookEventRepo.Requeue: id=%s not dead-lettered: %w", id, domain.ErrConflict)
	}
	return nil
}

const webhookColumns = `id, provider, event_type, payload, signature, status, attempts, max_attempts, next_retry_at, created_at, processed_at, error`

func scanWebhookEvent(row pgx.Row) (domain.WebhookEvent, error) {
	var (
		e      domain.WebhookEvent
		errMsg *string
	)
	err := row.Scan(&e.ID, &e.Provider, &e.EventType, &e.Payload, &e.Signature, &e.Status,
		&e.Attempts, &e.MaxAttempts, &e.NextRetryAt, &e.CreatedAt, &e.ProcessedAt, &errMsg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WebhookEvent{}, domain.ErrNotFound
		}
		return domain.WebhookEvent{}, fmt.Errorf("op=WebhookEventRepo.scan: %w", err)
	}
	if errMsg != nil {
		e.Error = *errMsg
	}
	return e, nil
}

func collectWebhookEvents(rows pgx.Rows) ([]domain.WebhookEvent, error) {
	var events []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=WebhookEventRepo.collect: %w", err)
	}
	return events, nil
}
