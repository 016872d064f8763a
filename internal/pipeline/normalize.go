package pipeline

import (
	"strings"

	"github.com/creatorplane/orchestrator/internal/domain"
	"github.com/creatorplane/orchestrator/pkg/textx"
)

// Normalize sanitizes a transformed record in place: identifiers and
// category lowercased, tags deduplicated, metrics clamped, URLs cleaned,
// HTML stripped from the free-text fields.
func Normalize(c *domain.UnifiedCreator) {
	c.Name = textx.StripHTML(strings.TrimSpace(c.Name))
	c.Bio = textx.StripHTML(strings.TrimSpace(c.Bio))
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Category = strings.ToLower(strings.TrimSpace(c.Category))
	c.ProfileImageURL = textx.NormalizeURL(c.ProfileImageURL)

	for key, value := range c.PlatformIdentifiers {
		c.PlatformIdentifiers[key] = textx.NormalizeHandle(value)
	}

	c.Tags = dedupTags(c.Tags)

	if c.TotalReach < 0 {
		c.TotalReach = 0
	}
	if c.AverageEngagementRate != nil {
		clamped := clamp(*c.AverageEngagementRate, 0, 100)
		c.AverageEngagementRate = &clamped
	}
	if c.CompositeEngagementScore != nil {
		clamped := clamp(*c.CompositeEngagementScore, 0, 100)
		c.CompositeEngagementScore = &clamped
	}

	for platform, m := range c.PlatformData {
		m.Username = textx.NormalizeHandle(m.Username)
		m.ProfileURL = textx.NormalizeURL(m.ProfileURL)
		if m.Followers < 0 {
			m.Followers = 0
		}
		m.EngagementRate = clamp(m.EngagementRate, 0, 100)
		c.PlatformData[platform] = m
	}
}

func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return tags
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
