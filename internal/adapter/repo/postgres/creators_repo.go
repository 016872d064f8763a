package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// CreatorRepo persists unified creator records. Upserts key on platform
// identifiers so repeated webhook deliveries for the same creator converge
// on one row.
type CreatorRepo struct {
	pool PgxPool
}

// NewCreatorRepo constructs a CreatorRepo.
func NewCreatorRepo(pool PgxPool) *CreatorRepo { return &CreatorRepo{pool: pool} }

// Upsert stores a creator record. If any platform identifier already matches
// an existing row, that row is replaced; otherwise a new row is inserted.
// Returns the row id.
func (r *CreatorRepo) Upsert(ctx domain.Context, c domain.UnifiedCreator) (string, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "creators.upsert")
	defer span.End()

	if !c.HasIdentifier() {
		return "", fmt.Errorf("op=CreatorRepo.Upsert: no platform identifier: %w", domain.ErrInvalidArgument)
	}

	existingID, err := r.findExistingID(ctx, c.PlatformIdentifiers)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	identifiers, platformData, err := marshalCreatorBlobs(c)
	if err != nil {
		return "", fmt.Errorf("op=CreatorRepo.Upsert: %w", err)
	}

	if existingID != "" {
		_, err = r.pool.Exec(ctx, `
			UPDATE creators SET
				name = $2, email = $3, bio = $4, profile_image_url = $5, category = $6, tags = $7,
				is_verified = $8, platform_identifiers = $9, total_reach = $10,
				composite_engagement_score = $11, average_engagement_rate = $12,
				content_frequency = $13, audience_quality_score = $14, platform_data = $15,
				source_actor_id = $16, source_run_id = $17, scraped_at = $18
			WHERE id = $1`,
			existingID, c.Name, nullIfEmpty(c.Email), nullIfEmpty(c.Bio), nullIfEmpty(c.ProfileImageURL),
			nullIfEmpty(c.Category), c.Tags, c.IsVerified, identifiers, c.TotalReach,
			c.CompositeEngagementScore, c.AverageEngagementRate, c.ContentFrequency,
			c.AudienceQualityScore, platformData, nullIfEmpty(c.SourceActorID),
			nullIfEmpty(c.SourceRunID), c.ScrapedAt)
		if err != nil {
			return "", fmt.Errorf("op=CreatorRepo.Upsert: update: %w", err)
		}
		return existingID, nil
	}

	id := uuid.New().String()
	_, err = r.pool.Exec(ctx, `
		INSERT INTO creators (id, name, email, bio, profile_image_url, category, tags, is_verified,
			platform_identifiers, total_reach, composite_engagement_score, average_engagement_rate,
			content_frequency, audience_quality_score, platform_data, source_actor_id, source_run_id, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		id, c.Name, nullIfEmpty(c.Email), nullIfEmpty(c.Bio), nullIfEmpty(c.ProfileImageURL),
		nullIfEmpty(c.Category), c.Tags, c.IsVerified, identifiers, c.TotalReach,
		c.CompositeEngagementScore, c.AverageEngagementRate, c.ContentFrequency,
		c.AudienceQualityScore, platformData, nullIfEmpty(c.SourceActorID),
		nullIfEmpty(c.SourceRunID), c.ScrapedAt)
	if err != nil {
		return "", fmt.Errorf("op=CreatorRepo.Upsert: insert: %w", err)
	}
	return id, nil
}

// FindByIdentifier looks a creator up by one platform identifier.
func (r *CreatorRepo) FindByIdentifier(ctx domain.Context, platformKey, value string) (domain.UnifiedCreator, error) {
	ctx, span := otel.Tracer("repo").Start(ctx, "creators.find_by_identifier")
	defer span.End()

	row := r.pool.QueryRow(ctx,
		`SELECT `+creatorColumns+` FROM creators WHERE platform_identifiers->>$1 = $2`,
		platformKey, value)
	return scanCreator(row)
}

// FindByName returns creators whose name matches case-insensitively.
func (r *CreatorRepo) FindByName(ctx domain.Context, name string) ([]domain.UnifiedCreator, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+creatorColumns+` FROM creators WHERE LOWER(name) = LOWER($1)`, strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("op=CreatorRepo.FindByName: %w", err)
	}
	defer rows.Close()

	var creators []domain.UnifiedCreator
	for rows.Next() {
		c, err := scanCreator(rows)
		if err != nil {
			return nil, err
		}
		creators = append(creators, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=CreatorRepo.FindByName: %w", err)
	}
	return creators, nil
}

func (r *CreatorRepo) findExistingID(ctx domain.Context, identifiers map[string]string) (string, error) {
	for key, value := range identifiers {
		if value == "" {
			continue
		}
		var id string
		err := r.pool.QueryRow(ctx,
			`SELECT id FROM creators WHERE platform_identifiers->>$1 = $2`, key, value).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=CreatorRepo.findExistingID: %w", err)
		}
	}
	return "", domain.ErrNotFound
}

const creatorColumns = `name, email, bio, profile_image_url, category, tags, is_verified,
	platform_identifiers, total_reach, composite_engagement_score, average_engagement_rate,
	content_frequency, audience_quality_score, platform_data, source_actor_id, source_run_id, scraped_at`

func scanCreator(row pgx.Row) (domain.UnifiedCreator, error) {
	var (
		c             domain.UnifiedCreator
		email         *string
		bio           *string
		profileImage  *string
		category      *string
		identifiers   []byte
		platformData  []byte
		sourceActorID *string
		sourceRunID   *string
	)
	err := row.Scan(&c.Name, &email, &bio, &profileImage, &category, &c.Tags, &c.IsVerified,
		&identifiers, &c.TotalReach, &c.CompositeEngagementScore, &c.AverageEngagementRate,
		&c.ContentFrequency, &c.AudienceQualityScore, &platformData, &sourceActorID, &sourceRunID, &c.ScrapedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UnifiedCreator{}, domain.ErrNotFound
		}
		return domain.UnifiedCreator{}, fmt.Errorf("op=CreatorRepo.scan: %w", err)
	}
	c.Email = deref(email)
	c.Bio = deref(bio)
	c.ProfileImageURL = deref(profileImage)
	c.Category = deref(category)
	c.SourceActorID = deref(sourceActorID)
	c.SourceRunID = deref(sourceRunID)
	if len(identifiers) > 0 {
		if err := json.Unmarshal(identifiers, &c.PlatformIdentifiers); err != nil {
			return domain.UnifiedCreator{}, fmt.Errorf("op=CreatorRepo.scan: identifiers: %w", err)
		}
	}
	if len(platformData) > 0 && string(platformData) != "null" {
		if err := json.Unmarshal(platformData, &c.PlatformData); err != nil {
			return domain.UnifiedCreator{}, fmt.Errorf("op=CreatorRepo.scan: platform_data: %w", err)
		}
	}
	return c, nil
}

func marshalCreatorBlobs(c domain.UnifiedCreator) (identifiers, platformData []byte, err error) {
	identifiers, err = json.Marshal(c.PlatformIdentifiers)
	if err != nil {
		return nil, nil, err
	}
	platformData, err = json.Marshal(c.PlatformData)
	if err != nil {
		return nil, nil, err
	}
	return identifiers, platformData, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
