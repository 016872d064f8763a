package pipeline

import (
	"github.com/creatorplane/orchestrator/internal/domain"
)

// Merge combines an existing record with an incoming one under the given
// strategy. Newest lets the incoming record win, oldest keeps the existing
// one, most-complete prefers whichever side has a value for each field.
// Platform identifiers and per-platform metrics are always unioned so a
// merge never loses a platform.
func Merge(target, source domain.UnifiedCreator, strategy domain.MergeStrategy) domain.UnifiedCreator {
	var out domain.UnifiedCreator
	switch strategy {
	case domain.MergeNewest:
		out = source
	case domain.MergeOldest:
		out = target
	default:
		out = mergeMostComplete(target, source)
	}

	out.PlatformIdentifiers = unionStrings(target.PlatformIdentifiers, source.PlatformIdentifiers)
	out.PlatformData = unionMetrics(target.PlatformData, source.PlatformData)
	out.Tags = dedupTags(append(append([]string{}, target.Tags...), source.Tags...))

	if source.ScrapedAt.After(target.ScrapedAt) {
		out.ScrapedAt = source.ScrapedAt
		out.SourceActorID = source.SourceActorID
		out.SourceRunID = source.SourceRunID
	} else {
		out.ScrapedAt = target.ScrapedAt
		out.SourceActorID = target.SourceActorID
		out.SourceRunID = target.SourceRunID
	}
	return out
}

// mergeMostComplete is field-wise: source fills holes in target, never
// overwrites a populated target field except for the monotone aggregates
// where the larger value wins.
func mergeMostComplete(target, source domain.UnifiedCreator) domain.UnifiedCreator {
	out := target
	out.Name = firstNonEmpty(target.Name, source.Name)
	out.Email = firstNonEmpty(target.Email, source.Email)
	out.Bio = firstNonEmpty(target.Bio, source.Bio)
	out.ProfileImageURL = firstNonEmpty(target.ProfileImageURL, source.ProfileImageURL)
	out.Category = firstNonEmpty(target.Category, source.Category)
	out.IsVerified = target.IsVerified || source.IsVerified

	if source.TotalReach > out.TotalReach {
		out.TotalReach = source.TotalReach
	}
	out.AverageEngagementRate = maxFloatPtr(target.AverageEngagementRate, source.AverageEngagementRate)
	out.CompositeEngagementScore = maxFloatPtr(target.CompositeEngagementScore, source.CompositeEngagementScore)
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func maxFloatPtr(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	default:
		return a
	}
}

func unionStrings(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		if v != "" {
			out[k] = v
		}
	}
	for k, v := range b {
		if v != "" && out[k] == "" {
			out[k] = v
		}
	}
	return out
}

func unionMetrics(a, b map[string]domain.PlatformMetrics) map[string]domain.PlatformMetrics {
	out := make(map[string]domain.PlatformMetrics, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	// Incoming per-platform metrics supersede stale ones for the same
	// platform.
	for k, v := range b {
		out[k] = v
	}
	return out
}
