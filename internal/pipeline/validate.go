package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// Verdict separates hard failures from soft warnings. Warnings never stop
// the pipeline.
type Verdict struct {
	Errors   []string
	Warnings []string
}

var validate = validator.New()

// Typed inputs, one per platform. The untrusted RawItem is decoded into the
// platform's variant at the pipeline boundary; nothing downstream touches
// the raw map.

type instagramInput struct {
	Username          string `json:"username" validate:"required"`
	FullName          string `json:"fullName"`
	Biography         string `json:"biography"`
	ExternalURL       string `json:"externalUrl"`
	ProfilePicURL     string `json:"profilePicUrl"`
	FollowersCount    int64  `json:"followersCount" validate:"gte=0"`
	FollowsCount      int64  `json:"followsCount"`
	PostsCount        int64  `json:"postsCount"`
	PostsAnalyzed     int    `json:"postsAnalyzed"`
	TotalLikes        int64  `json:"totalLikes"`
	TotalComments     int64  `json:"totalComments"`
	Verified          bool   `json:"verified"`
	IsBusinessAccount bool   `json:"isBusinessAccount"`
	Category          string `json:"businessCategoryName"`
	Email             string `json:"publicEmail"`
}

type tiktokInput struct {
	UniqueID      string `json:"uniqueId" validate:"required"`
	Nickname      string `json:"nickname"`
	Signature     string `json:"signature"`
	AvatarURL     string `json:"avatarLarger"`
	Fans          int64  `json:"fans" validate:"gte=0"`
	Following     int64  `json:"following"`
	Videos        int64  `json:"video"`
	Hearts        int64  `json:"heart"`
	PostsAnalyzed int    `json:"postsAnalyzed"`
	TotalComments int64  `json:"totalComments"`
	TotalShares   int64  `json:"totalShares"`
	TotalPlays    int64  `json:"totalPlays"`
	Verified      bool   `json:"verified"`
}

type youtubeInput struct {
	ChannelID       string `json:"channelId" validate:"required"`
	ChannelName     string `json:"channelName"`
	Description     string `json:"channelDescription"`
	AvatarURL       string `json:"avatarUrl"`
	SubscriberCount int64  `json:"numberOfSubscribers" validate:"gte=0"`
	ViewCount       int64  `json:"channelTotalViews"`
	VideoCount      int64  `json:"numberOfVideos"`
	PostsAnalyzed   int    `json:"videosAnalyzed"`
	TotalLikes      int64  `json:"totalLikes"`
	TotalComments   int64  `json:"totalComments"`
	Verified        bool   `json:"isChannelVerified"`
	Category        string `json:"channelCategory"`
}

type twitterInput struct {
	Handle         string `json:"userName" validate:"required"`
	DisplayName    string `json:"name"`
	Description    string `json:"description"`
	ProfilePicURL  string `json:"profilePicture"`
	FollowersCount int64  `json:"followers" validate:"gte=0"`
	FollowingCount int64  `json:"following"`
	TweetsCount    int64  `json:"statusesCount"`
	PostsAnalyzed  int    `json:"tweetsAnalyzed"`
	TotalLikes     int64  `json:"totalLikes"`
	TotalRetweets  int64  `json:"totalRetweets"`
	TotalReplies   int64  `json:"totalReplies"`
	Verified       bool   `json:"isBlueVerified"`
}

type linkedinInput struct {
	PublicID      string `json:"publicIdentifier" validate:"required"`
	FullName      string `json:"fullName"`
	Headline      string `json:"headline"`
	About         string `json:"about"`
	AvatarURL     string `json:"profilePic"`
	FollowerCount int64  `json:"followerCount" validate:"gte=0"`
	Connections   int64  `json:"connectionsCount"`
	PostsAnalyzed int    `json:"postsAnalyzed"`
	TotalLikes    int64  `json:"totalReactions"`
	TotalComments int64  `json:"totalComments"`
	Email         string `json:"email"`
}

// decodeItem round-trips a RawItem into a typed input.
func decodeItem(item domain.RawItem, out any) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// ValidateInput structurally checks a raw item for its platform: required
// identifier present, counters non-negative, URLs well-formed. Implausible
// but usable values surface as warnings.
func ValidateInput(platform string, item domain.RawItem) Verdict {
	var v Verdict
	switch strings.ToLower(platform) {
	case domain.PlatformInstagram:
		var in instagramInput
		v = checkInput(item, &in)
		if len(v.Errors) == 0 {
			v.Warnings = append(v.Warnings, plausibilityWarnings(in.FollowersCount, in.PostsCount)...)
			v.Warnings = append(v.Warnings, urlWarning(in.ProfilePicURL)...)
		}
	case domain.PlatformTikTok:
		var in tiktokInput
		v = checkInput(item, &in)
		if len(v.Errors) == 0 {
			v.Warnings = append(v.Warnings, plausibilityWarnings(in.Fans, in.Videos)...)
			v.Warnings = append(v.Warnings, urlWarning(in.AvatarURL)...)
		}
	case domain.PlatformYouTube:
		var in youtubeInput
		v = checkInput(item, &in)
		if len(v.Errors) == 0 {
			v.Warnings = append(v.Warnings, plausibilityWarnings(in.SubscriberCount, in.VideoCount)...)
			v.Warnings = append(v.Warnings, urlWarning(in.AvatarURL)...)
		}
	case domain.PlatformTwitter:
		var in twitterInput
		v = checkInput(item, &in)
		if len(v.Errors) == 0 {
			v.Warnings = append(v.Warnings, plausibilityWarnings(in.FollowersCount, in.TweetsCount)...)
			v.Warnings = append(v.Warnings, urlWarning(in.ProfilePicURL)...)
		}
	case domain.PlatformLinkedIn:
		var in linkedinInput
		v = checkInput(item, &in)
		if len(v.Errors) == 0 {
			v.Warnings = append(v.Warnings, plausibilityWarnings(in.FollowerCount, 0)...)
		}
	default:
		v.Errors = append(v.Errors, fmt.Sprintf("unsupported platform %q", platform))
	}
	return v
}

func checkInput(item domain.RawItem, in any) Verdict {
	var v Verdict
	if err := decodeItem(item, in); err != nil {
		v.Errors = append(v.Errors, fmt.Sprintf("malformed payload: %v", err))
		return v
	}
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				v.Errors = append(v.Errors, fmt.Sprintf("field %s failed %s", fe.Field(), fe.Tag()))
			}
		} else {
			v.Errors = append(v.Errors, err.Error())
		}
	}
	return v
}

func plausibilityWarnings(followers, posts int64) []string {
	var w []string
	if followers == 0 {
		w = append(w, "zero followers")
	}
	if followers > 1_000_000_000 {
		w = append(w, "followers above 1e9")
	}
	if posts < 0 {
		w = append(w, "negative post count")
	}
	return w
}

func urlWarning(raw string) []string {
	if raw == "" {
		return nil
	}
	if u, err := url.Parse(raw); err != nil || u.Host == "" {
		return []string{fmt.Sprintf("malformed url %q", raw)}
	}
	return nil
}

// ValidateOutput enforces the persisted-record invariants: at least one
// platform identifier, non-empty name, sane ranges. Implausible metrics are
// warnings only.
func ValidateOutput(c domain.UnifiedCreator) Verdict {
	var v Verdict
	if strings.TrimSpace(c.Name) == "" {
		v.Errors = append(v.Errors, "name is empty")
	}
	if !c.HasIdentifier() {
		v.Errors = append(v.Errors, "no platform identifier")
	}
	if c.TotalReach < 0 {
		v.Errors = append(v.Errors, "negative total reach")
	}
	if c.AverageEngagementRate != nil && (*c.AverageEngagementRate < 0 || *c.AverageEngagementRate > 100) {
		v.Errors = append(v.Errors, "engagement rate outside [0,100]")
	}
	if c.TotalReach > 1_000_000_000 {
		v.Warnings = append(v.Warnings, "total reach above 1e9")
	}
	if c.AverageEngagementRate != nil && *c.AverageEngagementRate > 50 {
		v.Warnings = append(v.Warnings, "engagement rate above 50%")
	}
	return v
}
