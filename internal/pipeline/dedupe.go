package pipeline

import (
	"errors"
	"strings"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// MatchStrategy names how a duplicate was found.
type MatchStrategy string

const (
	MatchExact MatchStrategy = "exact"
	MatchFuzzy MatchStrategy = "fuzzy"
)

// fuzzyConfidence is the fixed confidence of a name-only match.
const fuzzyConfidence = 0.5

// Match is the outcome of duplicate detection.
type Match struct {
	Found      bool
	ID         string
	Existing   domain.UnifiedCreator
	Strategy   MatchStrategy
	Confidence float64
}

// DuplicateDetector finds an existing record for an incoming creator:
// exact match on any platform identifier first, then a case-insensitive
// name match as the fuzzy fallback.
type DuplicateDetector struct {
	creators domain.CreatorRepository
}

// NewDuplicateDetector constructs a detector over the creator store.
func NewDuplicateDetector(creators domain.CreatorRepository) *DuplicateDetector {
	return &DuplicateDetector{creators: creators}
}

// Detect looks the incoming creator up. Exact-match confidence is the share
// of the incoming identifiers that matched; a fuzzy name match is fixed at
// 0.5.
func (d *DuplicateDetector) Detect(ctx domain.Context, c domain.UnifiedCreator) (Match, error) {
	total := 0
	for _, v := range c.PlatformIdentifiers {
		if v != "" {
			total++
		}
	}

	if total > 0 {
		var (
			found    bool
			existing domain.UnifiedCreator
			matched  int
		)
		for key, value := range c.PlatformIdentifiers {
			if value == "" {
				continue
			}
			hit, err := d.creators.FindByIdentifier(ctx, key, value)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return Match{}, err
			}
			matched++
			if !found {
				found = true
				existing = hit
			}
		}
		if found {
			return Match{
				Found:      true,
				ID:         primaryIdentifier(existing),
				Existing:   existing,
				Strategy:   MatchExact,
				Confidence: float64(matched) / float64(total),
			}, nil
		}
	}

	name := strings.TrimSpace(c.Name)
	if name == "" {
		return Match{}, nil
	}
	byName, err := d.creators.FindByName(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Match{}, nil
		}
		return Match{}, err
	}
	if len(byName) == 0 {
		return Match{}, nil
	}
	return Match{
		Found:      true,
		ID:         primaryIdentifier(byName[0]),
		Existing:   byName[0],
		Strategy:   MatchFuzzy,
		Confidence: fuzzyConfidence,
	}, nil
}

func primaryIdentifier(c domain.UnifiedCreator) string {
	for _, key := range []string{
		domain.IdentInstagramUsername,
		domain.IdentTikTokUsername,
		domain.IdentYouTubeChannelID,
		domain.IdentTwitterHandle,
		domain.IdentLinkedInSlug,
	} {
		if v := c.PlatformIdentifiers[key]; v != "" {
			return key + ":" + v
		}
	}
	return strings.ToLower(c.Name)
}
