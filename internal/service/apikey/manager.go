// Package apikey manages caller API keys: creation, validation, rotation,
// and revocation. Only SHA-256 hashes of keys are ever stored.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// cacheTTL bounds how long a validated key stays in the in-process cache
// before the store is consulted again.
const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	key       domain.APIKey
	expiresAt time.Time
}

// Manager owns API key lifecycle. Validation results are cached with a TTL
// and swept in the background so revocations propagate within cacheTTL.
type Manager struct {
	repo domain.APIKeyRepository
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	stop  chan struct{}
	once  sync.Once
}

// NewManager constructs a Manager and starts its cache sweeper.
func NewManager(repo domain.APIKeyRepository) *Manager {
	m := &Manager{
		repo:  repo,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
		stop:  make(chan struct{}),
	}
	go m.sweep()
	return m
}

// CreateParams describe a new key.
type CreateParams struct {
	Name        string
	Permissions []string
	RateLimits  domain.RateLimits
	ExpiresAt   *time.Time
	Metadata    map[string]string
}

// Create mints a new key. The raw key is returned exactly once; the store
// receives only its hash.
func (m *Manager) Create(ctx context.Context, p CreateParams) (domain.APIKey, string, error) {
	if p.Name == "" {
		return domain.APIKey{}, "", fmt.Errorf("op=apikey.Create: name required: %w", domain.ErrInvalidArgument)
	}
	raw, err := generateRawKey()
	if err != nil {
		return domain.APIKey{}, "", fmt.Errorf("op=apikey.Create: %w", err)
	}
	k := domain.APIKey{
		ID:          uuid.New().String(),
		HashedKey:   HashKey(raw),
		Name:        p.Name,
		Permissions: p.Permissions,
		RateLimits:  p.RateLimits,
		CreatedAt:   m.now().UTC(),
		ExpiresAt:   p.ExpiresAt,
		IsActive:    true,
		Metadata:    p.Metadata,
	}
	if err := m.repo.Create(ctx, k); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("op=apikey.Create: %w", err)
	}
	slog.Info("api key created", slog.String("key_id", k.ID), slog.String("name", k.Name))
	return k, raw, nil
}

// Validate resolves a raw key to its stored record, checking activity and
// expiry. Cache hits skip the store.
func (m *Manager) Validate(ctx context.Context, rawKey string) (domain.APIKey, error) {
	if rawKey == "" {
		return domain.APIKey{}, fmt.Errorf("op=apikey.Validate: %w", domain.ErrInvalidAPIKey)
	}
	hashed := HashKey(rawKey)
	now := m.now()

	m.mu.Lock()
	if e, ok := m.cache[hashed]; ok && now.Before(e.expiresAt) {
		m.mu.Unlock()
		if !e.key.Valid(now) {
			return domain.APIKey{}, fmt.Errorf("op=apikey.Validate: %w", domain.ErrInvalidAPIKey)
		}
		return e.key, nil
	}
	m.mu.Unlock()

	k, err := m.repo.GetByHash(ctx, hashed)
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("op=apikey.Validate: %w", domain.ErrInvalidAPIKey)
	}
	if !k.Valid(now) {
		return domain.APIKey{}, fmt.Errorf("op=apikey.Validate: %w", domain.ErrInvalidAPIKey)
	}

	m.mu.Lock()
	m.cache[hashed] = cacheEntry{key: k, expiresAt: now.Add(cacheTTL)}
	m.mu.Unlock()

	if err := m.repo.TouchLastUsed(ctx, k.ID, now.UTC()); err != nil {
		slog.Warn("failed to record key usage", slog.String("key_id", k.ID), slog.Any("error", err))
	}
	return k, nil
}

// Rotate creates a replacement key with identical permissions and limits and
// deactivates the old one atomically. Returns the new record and raw key.
func (m *Manager) Rotate(ctx context.Context, id string) (domain.APIKey, string, error) {
	old, err := m.repo.Get(ctx, id)
	if err != nil {
		return domain.APIKey{}, "", fmt.Errorf("op=apikey.Rotate: %w", err)
	}
	raw, err := generateRawKey()
	if err != nil {
		return domain.APIKey{}, "", fmt.Errorf("op=apikey.Rotate: %w", err)
	}
	replacement := domain.APIKey{
		ID:          uuid.New().String(),
		HashedKey:   HashKey(raw),
		Name:        old.Name,
		Permissions: old.Permissions,
		RateLimits:  old.RateLimits,
		CreatedAt:   m.now().UTC(),
		ExpiresAt:   old.ExpiresAt,
		IsActive:    true,
		Metadata:    old.Metadata,
	}
	if err := m.repo.Rotate(ctx, id, replacement); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("op=apikey.Rotate: %w", err)
	}
	m.evict(old.HashedKey)
	slog.Info("api key rotated", slog.String("old_key_id", id), slog.String("new_key_id", replacement.ID))
	return replacement, raw, nil
}

// Revoke deactivates a key. Cached entries are evicted so the revocation is
// visible immediately in this process.
func (m *Manager) Revoke(ctx context.Context, id, reason string) error {
	k, err := m.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=apikey.Revoke: %w", err)
	}
	k.IsActive = false
	if reason != "" {
		if k.Metadata == nil {
			k.Metadata = map[string]string{}
		}
		k.Metadata["revoked_reason"] = reason
	}
	if err := m.repo.Update(ctx, k); err != nil {
		return fmt.Errorf("op=apikey.Revoke: %w", err)
	}
	m.evict(k.HashedKey)
	slog.Info("api key revoked", slog.String("key_id", id), slog.String("reason", reason))
	return nil
}

func (m *Manager) evict(hashed string) {
	m.mu.Lock()
	delete(m.cache, hashed)
	m.mu.Unlock()
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := m.now()
			m.mu.Lock()
			for h, e := range m.cache {
				if now.After(e.expiresAt) {
					delete(m.cache, h)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the cache sweeper.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.stop) })
}

// SetClock overrides the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// HashKey returns the hex SHA-256 of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateRawKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk_" + hex.EncodeToString(buf), nil
}
