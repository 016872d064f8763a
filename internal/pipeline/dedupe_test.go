package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorplane/orchestrator/internal/domain"
)

type fakeCreatorRepo struct {
	byIdent map[string]domain.UnifiedCreator // "key:value" -> record
	byName  map[string][]domain.UnifiedCreator
	upserts []domain.UnifiedCreator
}

func newFakeCreatorRepo() *fakeCreatorRepo {
	return &fakeCreatorRepo{
		byIdent: map[string]domain.UnifiedCreator{},
		byName:  map[string][]domain.UnifiedCreator{},
	}
}

func (r *fakeCreatorRepo) add(c domain.UnifiedCreator) {
	for k, v := range c.PlatformIdentifiers {
		r.byIdent[k+":"+v] = c
	}
	key := strings.ToLower(c.Name)
	r.byName[key] = append(r.byName[key], c)
}

func (r *fakeCreatorRepo) Upsert(_ domain.Context, c domain.UnifiedCreator) (string, error) {
	r.upserts = append(r.upserts, c)
	r.add(c)
	return primaryIdentifier(c), nil
}

func (r *fakeCreatorRepo) FindByIdentifier(_ domain.Context, platformKey, value string) (domain.UnifiedCreator, error) {
	c, ok := r.byIdent[platformKey+":"+value]
	if !ok {
		return domain.UnifiedCreator{}, domain.ErrNotFound
	}
	return c, nil
}

func (r *fakeCreatorRepo) FindByName(_ domain.Context, name string) ([]domain.UnifiedCreator, error) {
	out := r.byName[strings.ToLower(name)]
	if len(out) == 0 {
		return nil, domain.ErrNotFound
	}
	return out, nil
}

func TestDetectExactMatch(t *testing.T) {
	repo := newFakeCreatorRepo()
	repo.add(domain.UnifiedCreator{
		Name:                "Anna",
		PlatformIdentifiers: map[string]string{domain.IdentInstagramUsername: "anna"},
	})
	d := NewDuplicateDetector(repo)

	m, err := d.Detect(context.Background(), domain.UnifiedCreator{
		Name:                "Anna K",
		PlatformIdentifiers: map[string]string{domain.IdentInstagramUsername: "anna"},
	})
	require.NoError(t, err)
	assert.True(t, m.Found)
	assert.Equal(t, MatchExact, m.Strategy)
	assert.Equal(t, 1.0, m.Confidence)
	assert.Equal(t, domain.IdentInstagramUsername+":anna", m.ID)
}

func TestDetectPartialIdentifierMatch(t *testing.T) {
	repo := newFakeCreatorRepo()
	repo.add(domain.UnifiedCreator{
		Name:                "Anna",
		PlatformIdentifiers: map[string]string{domain.IdentInstagramUsername: "anna"},
	})
	d := NewDuplicateDetector(repo)

	m, err := d.Detect(context.Background(), domain.UnifiedCreator{
		Name: "Anna",
		PlatformIdentifiers: map[string]string{
			domain.IdentInstagramUsername: "anna",
			domain.IdentTikTokUsername:    "anna_tt",
		},
	})
	require.NoError(t, err)
	assert.True(t, m.Found)
	assert.Equal(t, MatchExact, m.Strategy)
	assert.Equal(t, 0.5, m.Confidence, "one of two identifiers matched")
}

func TestDetectFuzzyNameFallback(t *testing.T) {
	repo := newFakeCreatorRepo()
	repo.add(domain.UnifiedCreator{
		Name:                "Anna",
		PlatformIdentifiers: map[string]string{domain.IdentTikTokUsername: "anna_tt"},
	})
	d := NewDuplicateDetector(repo)

	m, err := d.Detect(context.Background(), domain.UnifiedCreator{
		Name:                "Anna",
		PlatformIdentifiers: map[string]string{domain.IdentInstagramUsername: "brand-new"},
	})
	require.NoError(t, err)
	assert.True(t, m.Found)
	assert.Equal(t, MatchFuzzy, m.Strategy)
	assert.Equal(t, fuzzyConfidence, m.Confidence)
}

func TestDetectNoMatch(t *testing.T) {
	d := NewDuplicateDetector(newFakeCreatorRepo())

	m, err := d.Detect(context.Background(), domain.UnifiedCreator{
		Name:                "Nobody",
		PlatformIdentifiers: map[string]string{domain.IdentInstagramUsername: "nobody"},
	})
	require.NoError(t, err)
	assert.False(t, m.Found)
}

func TestDetectEmptyRecord(t *testing.T) {
	d := NewDuplicateDetector(newFakeCreatorRepo())
	m, err := d.Detect(context.Background(), domain.UnifiedCreator{})
	require.NoError(t, err)
	assert.False(t, m.Found)
}
