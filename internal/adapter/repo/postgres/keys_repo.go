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

// KeyRepo persists API keys. Only hashes are stored; the raw key never
// reaches this layer.
type KeyRepo struct {
	pool PgxPool
}

// NewKeyRepo constructs a KeyRepo.
func NewKeyRepo(pool PgxPool) *KeyRepo { return &KeyRepo{pool: pool} }

func (r *KeyRepo) Create(ctx domain.Context, k domain.APIKey) error {
	ctx, span := otel.Tracer("repo").Start(ctx, "keys.create")
	defer span.End()

	rateLimits, metadata, err := marshalKeyBlobs(k)
	if err != nil {
		return fmt.Errorf("op=KeyRepo.Create: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, hashed_key, name, permissions, rate_limits, created_at, expires_at, is_active, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		k.ID, k.HashedKey, k.Name, k.Permissions, rateLimits, k.CreatedAt, k.ExpiresAt, k.IsActive, metadata)
	if err != nil {
		return fmt.Errorf("op=KeyRepo.Create: %w", err)
	}
	return nil
}

func (r *KeyRepo) GetByHash(ctx domain.Context, hashedKey string) (domain.APIKey, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "keys.get_by_hash")
	defer span.End()
	return r.scanOne(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE hashed_key = $1`, hashedKey)
}

func (r *KeyRepo) Get(ctx domain.Context, id string) (domain.APIKey, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "keys.get")
	defer span.End()
	return r.scanOne(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
}

func (r *KeyRepo) Update(ctx domain.Context, k domain.APIKey) error {
	ctx, span := otel.Tracer("repo").Start(ctx, "keys.update")
	defer span.End()

	rateLimits, metadata, err := marshalKeyBlobs(k)
	if err != nil {
		return fmt.Errorf("op=KeyRepo.Update: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys
		SET name = $2, permissions = $3, rate_limits = $4, expires_at = $5, is_active = $6, metadata = $7
		WHERE id = $1`,
		k.ID, k.Name, k.Permissions, rateLimits, k.ExpiresAt, k.IsActive, metadata)
	if err != nil {
		return fmt.Errorf("op=KeyRepo.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=KeyRepo.Update: id=%s: %w", k.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *KeyRepo) TouchLastUsed(ctx domain.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("op=KeyRepo.TouchLastUsed: %w", err)
	}
	return nil
}

// Rotate inserts the replacement and deactivates the old key in one
// transaction so no window exists with both keys usable or neither.
func (r *KeyRepo) Rotate(ctx domain.Context, oldID string, replacement domain.APIKey) error {
	ctx, span := otel.Tracer("repo").Start(ctx, "keys.rotate")
	defer span.End()

	rateLimits, metadata, err := marshalKeyBlobs(replacement)
	if err != nil {
		return fmt.Errorf("op=KeyRepo.Rotate: %w", err)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=KeyRepo.Rotate: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE api_keys SET is_active = FALSE WHERE id = $1`, oldID)
	if err != nil {
		return fmt.Errorf("op=KeyRepo.Rotate: deactivate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=KeyRepo.Rotate: id=%s: %w", oldID, domain.ErrNotFound)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO api_keys (id, hashed_key, name, permissions, rate_limits, created_at, expires_at, is_active, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		replacement.ID, replacement.HashedKey, replacement.Name, replacement.Permissions,
		rateLimits, replacement.CreatedAt, replacement.ExpiresAt, replacement.IsActive, metadata)
	if err != nil {
		return fmt.Errorf("op=KeyRepo.Rotate: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=KeyRepo.Rotate: commit: %w", err)
	}
	return nil
}

const keyColumns = `id, hashed_key, name, permissions, rate_limits, created_at, last_used_at, expires_at, is_active, metadata`

func (r *KeyRepo) scanOne(ctx domain.Context, query string, arg any) (domain.APIKey, error) {
	var (
		k          domain.APIKey
		rateLimits []byte
		metadata   []byte
	)
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&k.ID, &k.HashedKey, &k.Name, &k.Permissions, &rateLimits,
		&k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.IsActive, &metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.APIKey{}, fmt.Errorf("op=KeyRepo.scanOne: %w", domain.ErrNotFound)
		}
		return domain.APIKey{}, fmt.Errorf("op=KeyRepo.scanOne: %w", err)
	}
	if len(rateLimits) > 0 {
		if err := json.Unmarshal(rateLimits, &k.RateLimits); err != nil {
			return domain.APIKey{}, fmt.Errorf("op=KeyRepo.scanOne: rate_limits: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &k.Metadata); err != nil {
			return domain.APIKey{}, fmt.Errorf("op=KeyRepo.scanOne: metadata: %w", err)
		}
	}
	return k, nil
}

func marshalKeyBlobs(k domain.APIKey) (rateLimits, metadata []byte, err error) {
	rateLimits, err = json.Marshal(k.RateLimits)
	if err != nil {
		return nil, nil, err
	}
	metadata, err = json.Marshal(k.Metadata)
	if err != nil {
		return nil, nil, err
	}
	return rateLimits, metadata, nil
}
