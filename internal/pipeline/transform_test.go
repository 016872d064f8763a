package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorplane/orchestrator/internal/domain"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestTransformInstagram(t *testing.T) {
	item := rawItem(map[string]any{
		"username":             "chef_anna",
		"fullName":             "Anna K",
		"biography":            "cooking daily",
		"profilePicUrl":        "https://cdn.example.com/a.jpg",
		"followersCount":       int64(10000),
		"followsCount":         int64(300),
		"postsCount":           int64(420),
		"postsAnalyzed":        10,
		"totalLikes":           int64(4000),
		"totalComments":        int64(1000),
		"verified":             true,
		"businessCategoryName": "Food",
		"publicEmail":          "anna@example.com",
	})

	c, err := Transform(domain.PlatformInstagram, item, "actor-1", "run-1", testNow)
	require.NoError(t, err)

	assert.Equal(t, "Anna K", c.Name)
	assert.Equal(t, "anna@example.com", c.Email)
	assert.Equal(t, "chef_anna", c.PlatformIdentifiers[domain.IdentInstagramUsername])
	assert.Equal(t, int64(10000), c.TotalReach)
	assert.True(t, c.IsVerified)
	assert.Equal(t, "actor-1", c.SourceActorID)
	assert.Equal(t, "run-1", c.SourceRunID)

	m := c.PlatformData[domain.PlatformInstagram]
	assert.Equal(t, float64(400), m.AvgLikes)
	assert.Equal(t, float64(100), m.AvgComments)
	// (4000+1000) / 10000 followers / 10 posts * 100 = 5%
	assert.InDelta(t, 5.0, m.EngagementRate, 1e-9)
	require.NotNil(t, c.AverageEngagementRate)
	assert.InDelta(t, 5.0, *c.AverageEngagementRate, 1e-9)
}

func TestTransformFallsBackToUsername(t *testing.T) {
	item := rawItem(map[string]any{"username": "noname", "followersCount": int64(5)})
	c, err := Transform(domain.PlatformInstagram, item, "a", "r", testNow)
	require.NoError(t, err)
	assert.Equal(t, "noname", c.Name)
}

func TestTransformTikTok(t *testing.T) {
	item := rawItem(map[string]any{
		"uniqueId":      "dancer",
		"nickname":      "Dancer D",
		"fans":          int64(2000),
		"video":         int64(50),
		"heart":         int64(90000),
		"totalComments": int64(5000),
		"totalShares":   int64(5000),
		"postsAnalyzed": 20,
	})
	c, err := Transform(domain.PlatformTikTok, item, "a", "r", testNow)
	require.NoError(t, err)

	assert.Equal(t, "dancer", c.PlatformIdentifiers[domain.IdentTikTokUsername])
	m := c.PlatformData[domain.PlatformTikTok]
	// (90000+5000+5000) / 2000 fans / 50 videos * 100 = 100%
	assert.InDelta(t, 100.0, m.EngagementRate, 1e-9)
	assert.Equal(t, float64(4500), m.AvgLikes)
}

func TestTransformZeroFollowersYieldsZeroRate(t *testing.T) {
	item := rawItem(map[string]any{
		"uniqueId": "newbie", "fans": int64(0), "video": int64(3), "heart": int64(10),
	})
	c, err := Transform(domain.PlatformTikTok, item, "a", "r", testNow)
	require.NoError(t, err)
	assert.Nil(t, c.AverageEngagementRate)
	assert.Equal(t, float64(0), c.PlatformData[domain.PlatformTikTok].EngagementRate)
}

func TestTransformYouTubeChannelID(t *testing.T) {
	item := rawItem(map[string]any{
		"channelId":           "UCabc123",
		"channelName":         "Tech Weekly",
		"numberOfSubscribers": int64(500000),
		"numberOfVideos":      int64(200),
		"channelTotalViews":   int64(40000000),
		"videosAnalyzed":      25,
		"totalLikes":          int64(100000),
		"totalComments":       int64(20000),
	})
	c, err := Transform(domain.PlatformYouTube, item, "a", "r", testNow)
	require.NoError(t, err)
	assert.Equal(t, "UCabc123", c.PlatformIdentifiers[domain.IdentYouTubeChannelID])
	assert.Equal(t, int64(500000), c.TotalReach)
	assert.Equal(t, float64(200000), c.PlatformData[domain.PlatformYouTube].AvgViews)
}

func TestTransformLinkedInPrefersAbout(t *testing.T) {
	item := rawItem(map[string]any{
		"publicIdentifier": "jane-doe",
		"fullName":         "Jane Doe",
		"headline":         "CTO",
		"about":            "I build things.",
		"followerCount":    int64(8000),
	})
	c, err := Transform(domain.PlatformLinkedIn, item, "a", "r", testNow)
	require.NoError(t, err)
	assert.Equal(t, "I build things.", c.Bio)
	assert.Equal(t, "jane-doe", c.PlatformIdentifiers[domain.IdentLinkedInSlug])
}

func TestTransformUnsupportedPlatform(t *testing.T) {
	_, err := Transform("myspace", domain.RawItem{}, "a", "r", testNow)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
