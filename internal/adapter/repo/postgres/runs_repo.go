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

// RunRepo persists actor runs. Terminal statuses are monotone: once a run is
// terminal, later updates never regress it.
type RunRepo struct {
	pool PgxPool
}

// NewRunRepo constructs a RunRepo.
func NewRunRepo(pool PgxPool) *RunRepo { return &RunRepo{pool: pool} }

func (r *RunRepo) Upsert(ctx domain.Context, run domain.ActorRun) error {
	ctx, span := otel.Tracer("repo").Start(ctx, "runs.upsert")
	defer span.End()

	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("op=RunRepo.Upsert: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO actor_runs (id, actor_id, platform, status, started_at, finished_at, dataset_id, kv_store_id, exit_code, stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = CASE WHEN actor_runs.status IN ('SUCCEEDED','FAILED','TIMED_OUT','ABORTED')
			              THEN actor_runs.status ELSE EXCLUDED.status END,
			finished_at = COALESCE(actor_runs.finished_at, EXCLUDED.finished_at),
			dataset_id = COALESCE(NULLIF(EXCLUDED.dataset_id, ''), actor_runs.dataset_id),
			kv_store_id = COALESCE(NULLIF(EXCLUDED.kv_store_id, ''), actor_runs.kv_store_id),
			exit_code = COALESCE(EXCLUDED.exit_code, actor_runs.exit_code),
			stats = COALESCE(EXCLUDED.stats, actor_runs.stats)`,
		run.ID, run.ActorID, run.Platform, run.Status, run.StartedAt, run.FinishedAt,
		run.DatasetID, run.KeyValueStoreID, run.ExitCode, stats)
	if err != nil {
		return fmt.Errorf("op=RunRepo.Upsert: %w", err)
	}
	return nil
}

func (r *RunRepo) Get(ctx domain.Context, id string) (domain.ActorRun, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "runs.get")
	defer span.End()

	row := r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM actor_runs WHERE id = $1`, id)
	return scanRun(row)
}

// AdvanceStatus applies a status change under the terminal-state lattice: a
// stored terminal status wins over any incoming value, so out-of-order
// webhook deliveries and poller races are safe to replay.
func (r *RunRepo) AdvanceStatus(ctx domain.Context, id string, status domain.RunStatus, finishedAt *time.Time) (domain.ActorRun, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "runs.advance_status")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
		UPDATE actor_runs SET
			status = CASE WHEN status IN ('SUCCEEDED','FAILED','TIMED_OUT','ABORTED') THEN status ELSE $2 END,
			finished_at = COALESCE(finished_at, $3)
		WHERE id = $1
		RETURNING `+runColumns, id, status, finishedAt)
	run, err := scanRun(row)
	if err != nil {
		return domain.ActorRun{}, fmt.Errorf("op=RunRepo.AdvanceStatus: id=%s: %w", id, err)
	}
	return run, nil
}

func (r *RunRepo) ListActive(ctx domain.Context) ([]domain.ActorRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+` FROM actor_runs
		WHERE status NOT IN ('SUCCEEDED','FAILED','TIMED_OUT','ABORTED')
		ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=RunRepo.ListActive: %w", err)
	}
	defer rows.Close()

	var runs []domain.ActorRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=RunRepo.ListActive: %w", err)
	}
	return runs, nil
}

const runColumns = `id, actor_id, platform, status, started_at, finished_at, dataset_id, kv_store_id, exit_code, stats`

func scanRun(row pgx.Row) (domain.ActorRun, error) {
	var (
		run   domain.ActorRun
		stats []byte
	)
	err := row.Scan(&run.ID, &run.ActorID, &run.Platform, &run.Status, &run.StartedAt,
		&run.FinishedAt, &run.DatasetID, &run.KeyValueStoreID, &run.ExitCode, &stats)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ActorRun{}, domain.ErrNotFound
		}
		return domain.ActorRun{}, fmt.Errorf("op=RunRepo.scan: %w", err)
	}
	if len(stats) > 0 && string(stats) != "null" {
		run.Stats = &domain.RunStats{}
		if err := json.Unmarshal(stats, run.Stats); err != nil {
			return domain.ActorRun{}, fmt.Errorf("op=RunRepo.scan: stats: %w", err)
		}
	}
	return run, nil
}
