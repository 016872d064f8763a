package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/creatorplane/orchestrator/internal/domain"
)

func TestNormalizeCleansTextAndHandles(t *testing.T) {
	c := domain.UnifiedCreator{
		Name:     "  <b>Anna</b> K ",
		Bio:      "<p>cooking</p>",
		Email:    " Anna@Example.COM ",
		Category: " Food ",
		PlatformIdentifiers: map[string]string{
			domain.IdentInstagramUsername: "@Chef_Anna",
		},
		Tags: []string{"Food", "food", " cooking ", ""},
	}
	Normalize(&c)

	assert.Equal(t, "Anna K", c.Name)
	assert.Equal(t, "cooking", c.Bio)
	assert.Equal(t, "anna@example.com", c.Email)
	assert.Equal(t, "food", c.Category)
	assert.Equal(t, "chef_anna", c.PlatformIdentifiers[domain.IdentInstagramUsername])
	assert.Equal(t, []string{"food", "cooking"}, c.Tags)
}

func TestNormalizeClampsMetrics(t *testing.T) {
	er := 120.0
	score := -3.0
	c := domain.UnifiedCreator{
		Name:                     "x",
		TotalReach:               -10,
		AverageEngagementRate:    &er,
		CompositeEngagementScore: &score,
		PlatformData: map[string]domain.PlatformMetrics{
			domain.PlatformInstagram: {Username: "@X", Followers: -1, EngagementRate: 200},
		},
	}
	Normalize(&c)

	assert.Equal(t, int64(0), c.TotalReach)
	assert.Equal(t, 100.0, *c.AverageEngagementRate)
	assert.Equal(t, 0.0, *c.CompositeEngagementScore)

	m := c.PlatformData[domain.PlatformInstagram]
	assert.Equal(t, "x", m.Username)
	assert.Equal(t, int64(0), m.Followers)
	assert.Equal(t, 100.0, m.EngagementRate)
}
