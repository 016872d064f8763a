package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// Transform converts a validated raw item into a UnifiedCreator. Averages
// divide totals by the number of posts analyzed; the engagement rate is
// interactions per follower per post, as a percentage.
func Transform(platform string, item domain.RawItem, actorID, runID string, now time.Time) (domain.UnifiedCreator, error) {
	switch strings.ToLower(platform) {
	case domain.PlatformInstagram:
		return transformInstagram(item, actorID, runID, now)
	case domain.PlatformTikTok:
		return transformTikTok(item, actorID, runID, now)
	case domain.PlatformYouTube:
		return transformYouTube(item, actorID, runID, now)
	case domain.PlatformTwitter:
		return transformTwitter(item, actorID, runID, now)
	case domain.PlatformLinkedIn:
		return transformLinkedIn(item, actorID, runID, now)
	}
	return domain.UnifiedCreator{}, fmt.Errorf("op=pipeline.Transform: unsupported platform %q: %w", platform, domain.ErrInvalidArgument)
}

func transformInstagram(item domain.RawItem, actorID, runID string, now time.Time) (domain.UnifiedCreator, error) {
	var in instagramInput
	if err := decodeItem(item, &in); err != nil {
		return domain.UnifiedCreator{}, fmt.Errorf("op=pipeline.transformInstagram: %w", err)
	}

	avgLikes := average(in.TotalLikes, in.PostsAnalyzed)
	avgComments := average(in.TotalComments, in.PostsAnalyzed)
	er := engagementRate(in.TotalLikes+in.TotalComments, in.FollowersCount, int64(in.PostsAnalyzed))

	metrics := domain.PlatformMetrics{
		Username:          in.Username,
		DisplayName:       in.FullName,
		Followers:         in.FollowersCount,
		Following:         in.FollowsCount,
		PostsCount:        in.PostsCount,
		PostsAnalyzed:     in.PostsAnalyzed,
		AvgLikes:          avgLikes,
		AvgComments:       avgComments,
		EngagementRate:    er,
		IsVerified:        in.Verified,
		IsBusinessAccount: in.IsBusinessAccount,
	}
	name := in.FullName
	if name == "" {
		name = in.Username
	}
	return base(name, in.Biography, in.ProfilePicURL, in.Category, in.Email, in.Verified,
		domain.PlatformInstagram, domain.IdentInstagramUsername, in.Username,
		in.FollowersCount, er, metrics, actorID, runID, now), nil
}

func transformTikTok(item domain.RawItem, actorID, runID string, now time.Time) (domain.UnifiedCreator, error) {
	var in tiktokInput
	if err := decodeItem(item, &in); err != nil {
		return domain.UnifiedCreator{}, fmt.Errorf("op=pipeline.transformTikTok: %w", err)
	}

	interactions := in.Hearts + in.TotalComments + in.TotalShares
	er := engagementRate(interactions, in.Fans, in.Videos)

	metrics := domain.PlatformMetrics{
		Username:       in.UniqueID,
		DisplayName:    in.Nickname,
		Followers:      in.Fans,
		Following:      in.Following,
		PostsCount:     in.Videos,
		PostsAnalyzed:  in.PostsAnalyzed,
		AvgLikes:       average(in.Hearts, in.PostsAnalyzed),
		AvgComments:    average(in.TotalComments, in.PostsAnalyzed),
		AvgShares:      average(in.TotalShares, in.PostsAnalyzed),
		AvgViews:       average(in.TotalPlays, in.PostsAnalyzed),
		EngagementRate: er,
		IsVerified:     in.Verified,
	}
	name := in.Nickname
	if name == "" {
		name = in.UniqueID
	}
	return base(name, in.Signature, in.AvatarURL, "", "", in.Verified,
		domain.PlatformTikTok, domain.IdentTikTokUsername, in.UniqueID,
		in.Fans, er, metrics, actorID, runID, now), nil
}

func transformYouTube(item domain.RawItem, actorID, runID string, now time.Time) (domain.UnifiedCreator, error) {
	var in youtubeInput
	if err := decodeItem(item, &in); err != nil {
		return domain.UnifiedCreator{}, fmt.Errorf("op=pipeline.transformYouTube: %w", err)
	}

	er := engagementRate(in.TotalLikes+in.TotalComments, in.SubscriberCount, in.VideoCount)

	metrics := domain.PlatformMetrics{
		Username:       in.ChannelID,
		DisplayName:    in.ChannelName,
		Followers:      in.SubscriberCount,
		PostsCount:     in.VideoCount,
		PostsAnalyzed:  in.PostsAnalyzed,
		AvgLikes:       average(in.TotalLikes, in.PostsAnalyzed),
		AvgComments:    average(in.TotalComments, in.PostsAnalyzed),
		AvgViews:       average(in.ViewCount, int(nonZero(in.VideoCount))),
		EngagementRate: er,
		IsVerified:     in.Verified,
	}
	name := in.ChannelName
	if name == "" {
		name = in.ChannelID
	}
	return base(name, in.Description, in.AvatarURL, in.Category, "", in.Verified,
		domain.PlatformYouTube, domain.IdentYouTubeChannelID, in.ChannelID,
		in.SubscriberCount, er, metrics, actorID, runID, now), nil
}

func transformTwitter(item domain.RawItem, actorID, runID string, now time.Time) (domain.UnifiedCreator, error) {
	var in twitterInput
	if err := decodeItem(item, &in); err != nil {
		return domain.UnifiedCreator{}, fmt.Errorf("op=pipeline.transformTwitter: %w", err)
	}

	interactions := in.TotalLikes + in.TotalRetweets + in.TotalReplies
	er := engagementRate(interactions, in.FollowersCount, int64(in.PostsAnalyzed))

	metrics := domain.PlatformMetrics{
		Username:       in.Handle,
		DisplayName:    in.DisplayName,
		Followers:      in.FollowersCount,
		Following:      in.FollowingCount,
		PostsCount:     in.TweetsCount,
		PostsAnalyzed:  in.PostsAnalyzed,
		AvgLikes:       average(in.TotalLikes, in.PostsAnalyzed),
		AvgComments:    average(in.TotalReplies, in.PostsAnalyzed),
		AvgShares:      average(in.TotalRetweets, in.PostsAnalyzed),
		EngagementRate: er,
		IsVerified:     in.Verified,
	}
	name := in.DisplayName
	if name == "" {
		name = in.Handle
	}
	return base(name, in.Description, in.ProfilePicURL, "", "", in.Verified,
		domain.PlatformTwitter, domain.IdentTwitterHandle, in.Handle,
		in.FollowersCount, er, metrics, actorID, runID, now), nil
}

func transformLinkedIn(item domain.RawItem, actorID, runID string, now time.Time) (domain.UnifiedCreator, error) {
	var in linkedinInput
	if err := decodeItem(item, &in); err != nil {
		return domain.UnifiedCreator{}, fmt.Errorf("op=pipeline.transformLinkedIn: %w", err)
	}

	er := engagementRate(in.TotalLikes+in.TotalComments, in.FollowerCount, int64(in.PostsAnalyzed))

	metrics := domain.PlatformMetrics{
		Username:       in.PublicID,
		DisplayName:    in.FullName,
		Followers:      in.FollowerCount,
		Following:      in.Connections,
		PostsAnalyzed:  in.PostsAnalyzed,
		AvgLikes:       average(in.TotalLikes, in.PostsAnalyzed),
		AvgComments:    average(in.TotalComments, in.PostsAnalyzed),
		EngagementRate: er,
	}
	name := in.FullName
	if name == "" {
		name = in.PublicID
	}
	bio := in.Headline
	if in.About != "" {
		bio = in.About
	}
	return base(name, bio, in.AvatarURL, "", in.Email, false,
		domain.PlatformLinkedIn, domain.IdentLinkedInSlug, in.PublicID,
		in.FollowerCount, er, metrics, actorID, runID, now), nil
}

func base(name, bio, image, category, email string, verified bool,
	platform, identKey, identValue string, reach int64, er float64,
	metrics domain.PlatformMetrics, actorID, runID string, now time.Time) domain.UnifiedCreator {
	c := domain.UnifiedCreator{
		Name:                name,
		Email:               email,
		Bio:                 bio,
		ProfileImageURL:     image,
		Category:            category,
		IsVerified:          verified,
		PlatformIdentifiers: map[string]string{identKey: identValue},
		TotalReach:          reach,
		PlatformData:        map[string]domain.PlatformMetrics{platform: metrics},
		SourceActorID:       actorID,
		SourceRunID:         runID,
		ScrapedAt:           now,
	}
	if er > 0 {
		rate := er
		c.AverageEngagementRate = &rate
	}
	return c
}

func average(total int64, n int) float64 {
	if n <= 0 {
		return 0
	}
	return float64(total) / float64(n)
}

// engagementRate is interactions per follower per post, as a percentage.
func engagementRate(interactions, followers, posts int64) float64 {
	if followers <= 0 || posts <= 0 {
		return 0
	}
	return float64(interactions) / float64(followers) / float64(posts) * 100
}

func nonZero(v int64) int64 {
	if v == 0 {
		return 1
	}
	return v
}
