package domain

import (
	"encoding/json"
	"time"
)

// Platform names accepted by the pipeline.
const (
	PlatformInstagram = "instagram"
	PlatformTikTok    = "tiktok"
	PlatformYouTube   = "youtube"
	PlatformTwitter   = "twitter"
	PlatformLinkedIn  = "linkedin"
)

// Platform identifier keys used in UnifiedCreator.PlatformIdentifiers.
const (
	IdentYouTubeChannelID  = "youtube_channel_id"
	IdentTwitterHandle     = "twitter_handle"
	IdentInstagramUsername = "instagram_username"
	IdentTikTokUsername    = "tiktok_username"
	IdentLinkedInSlug      = "linkedin_slug"
)

// RawItem is an untrusted inbound payload from a dataset. Only the pipeline
// boundary works with it; everything downstream uses typed records.
type RawItem map[string]json.RawMessage

// PlatformMetrics is the per-platform slice of a creator record after
// transformation.
type PlatformMetrics struct {
	Username          string  `json:"username"`
	DisplayName       string  `json:"display_name,omitempty"`
	ProfileURL        string  `json:"profile_url,omitempty"`
	Followers         int64   `json:"followers"`
	Following         int64   `json:"following,omitempty"`
	PostsCount        int64   `json:"posts_count,omitempty"`
	PostsAnalyzed     int     `json:"posts_analyzed,omitempty"`
	AvgLikes          float64 `json:"avg_likes,omitempty"`
	AvgComments       float64 `json:"avg_comments,omitempty"`
	AvgViews          float64 `json:"avg_views,omitempty"`
	AvgShares         float64 `json:"avg_shares,omitempty"`
	EngagementRate    float64 `json:"engagement_rate,omitempty"`
	IsVerified        bool    `json:"is_verified,omitempty"`
	IsBusinessAccount bool    `json:"is_business_account,omitempty"`
}

// UnifiedCreator is the normalized record produced by the result pipeline.
// Invariants: Name non-empty; TotalReach >= 0; AverageEngagementRate in
// [0,100]; at least one platform identifier when persisted; ScrapedAt <= now.
type UnifiedCreator struct {
	Name                     string
	Email                    string
	Bio                      string
	ProfileImageURL          string
	Category                 string
	Tags                     []string
	IsVerified               bool
	PlatformIdentifiers      map[string]string
	TotalReach               int64
	CompositeEngagementScore *float64
	AverageEngagementRate    *float64
	ContentFrequency         *float64
	AudienceQualityScore     *float64
	PlatformData             map[string]PlatformMetrics
	SourceActorID            string
	SourceRunID              string
	ScrapedAt                time.Time
}

// HasIdentifier reports whether at least one platform identifier is present.
func (c UnifiedCreator) HasIdentifier() bool {
	for _, v := range c.PlatformIdentifiers {
		if v != "" {
			return true
		}
	}
	return false
}

// MergeStrategy selects how duplicate creator records are combined.
type MergeStrategy string

const (
	MergeNewest       MergeStrategy = "newest"
	MergeOldest       MergeStrategy = "oldest"
	MergeMostComplete MergeStrategy = "most-complete"
)
