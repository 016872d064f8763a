package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/creatorplane/orchestrator/internal/domain"
)

func TestValidateInputMissingIdentifier(t *testing.T) {
	v := ValidateInput(domain.PlatformInstagram, rawItem(map[string]any{"followersCount": int64(100)}))
	assert.NotEmpty(t, v.Errors)
}

func TestValidateInputNegativeFollowers(t *testing.T) {
	v := ValidateInput(domain.PlatformInstagram, rawItem(map[string]any{
		"username": "x", "followersCount": int64(-5),
	}))
	assert.NotEmpty(t, v.Errors)
}

func TestValidateInputZeroFollowersWarnsOnly(t *testing.T) {
	v := ValidateInput(domain.PlatformInstagram, rawItem(map[string]any{
		"username": "x", "followersCount": int64(0),
	}))
	assert.Empty(t, v.Errors)
	assert.Contains(t, v.Warnings, "zero followers")
}

func TestValidateInputMalformedURLWarnsOnly(t *testing.T) {
	v := ValidateInput(domain.PlatformTikTok, rawItem(map[string]any{
		"uniqueId": "x", "fans": int64(100), "avatarLarger": "not a url",
	}))
	assert.Empty(t, v.Errors)
	assert.NotEmpty(t, v.Warnings)
}

func TestValidateInputUnsupportedPlatform(t *testing.T) {
	v := ValidateInput("friendster", domain.RawItem{})
	assert.NotEmpty(t, v.Errors)
}

func TestValidateOutput(t *testing.T) {
	good := domain.UnifiedCreator{
		Name:                "Anna",
		PlatformIdentifiers: map[string]string{domain.IdentInstagramUsername: "anna"},
		TotalReach:          1000,
	}
	assert.Empty(t, ValidateOutput(good).Errors)

	noName := good
	noName.Name = "  "
	assert.NotEmpty(t, ValidateOutput(noName).Errors)

	noIdent := good
	noIdent.PlatformIdentifiers = nil
	assert.NotEmpty(t, ValidateOutput(noIdent).Errors)

	badRate := good
	rate := 150.0
	badRate.AverageEngagementRate = &rate
	assert.NotEmpty(t, ValidateOutput(badRate).Errors)

	highRate := good
	r2 := 60.0
	highRate.AverageEngagementRate = &r2
	out := ValidateOutput(highRate)
	assert.Empty(t, out.Errors)
	assert.Contains(t, out.Warnings, "engagement rate above 50%")
}
