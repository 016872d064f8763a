package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// rawItem builds a domain.RawItem from plain Go values for test fixtures.
func rawItem(fields map[string]any) domain.RawItem {
	item := make(domain.RawItem, len(fields))
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		item[k] = b
	}
	return item
}

func validInstagramItem(username string) domain.RawItem {
	return rawItem(map[string]any{
		"username":       username,
		"fullName":       "Creator " + username,
		"followersCount": int64(10000),
		"postsAnalyzed":  10,
		"totalLikes":     int64(4000),
		"totalComments":  int64(1000),
	})
}

func TestProcessItemHappyPath(t *testing.T) {
	p := New(newFakeCreatorRepo(), DefaultOptions())

	res, err := p.ProcessItem(context.Background(), domain.PlatformInstagram, validInstagramItem("anna"), "actor-1", "run-1")
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.False(t, res.Merged)
	require.NotNil(t, res.Creator)
	assert.Equal(t, "anna", res.Creator.PlatformIdentifiers[domain.IdentInstagramUsername])
	assert.Empty(t, res.Errors)
}

func TestProcessItemMergesDuplicate(t *testing.T) {
	repo := newFakeCreatorRepo()
	repo.add(domain.UnifiedCreator{
		Name:                "Creator anna",
		Bio:                 "existing bio",
		PlatformIdentifiers: map[string]string{domain.IdentInstagramUsername: "anna"},
		TotalReach:          50000,
	})
	p := New(repo, DefaultOptions())

	res, err := p.ProcessItem(context.Background(), domain.PlatformInstagram, validInstagramItem("anna"), "a", "r")
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.True(t, res.Merged)
	assert.Equal(t, domain.IdentInstagramUsername+":anna", res.MatchedID)
	require.NotNil(t, res.Creator)
	assert.Equal(t, "existing bio", res.Creator.Bio)
	assert.Equal(t, int64(50000), res.Creator.TotalReach, "most-complete keeps the larger reach")
}

func TestProcessItemContinueCollectsErrors(t *testing.T) {
	p := New(newFakeCreatorRepo(), Options{FailureMode: Continue})

	res, err := p.ProcessItem(context.Background(), domain.PlatformInstagram, rawItem(map[string]any{"followersCount": int64(1)}), "a", "r")
	require.NoError(t, err, "continue mode reports failures via the result")
	assert.False(t, res.Succeeded)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, StageInputValidation, res.Errors[0].Stage)
}

func TestProcessItemFailFastStops(t *testing.T) {
	p := New(newFakeCreatorRepo(), Options{FailureMode: FailFast})

	_, err := p.ProcessItem(context.Background(), domain.PlatformInstagram, domain.RawItem{}, "a", "r")
	require.Error(t, err)
	var se StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageInputValidation, se.Stage)
}

func TestProcessItemWarningsDoNotFail(t *testing.T) {
	p := New(newFakeCreatorRepo(), DefaultOptions())
	item := rawItem(map[string]any{"username": "newbie", "followersCount": int64(0)})

	res, err := p.ProcessItem(context.Background(), domain.PlatformInstagram, item, "a", "r")
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Contains(t, res.Warnings, "zero followers")
}

func TestProcessBatchSequential(t *testing.T) {
	repo := newFakeCreatorRepo()
	p := New(repo, DefaultOptions())

	items := []domain.RawItem{
		validInstagramItem("a"),
		rawItem(map[string]any{"followersCount": int64(1)}), // invalid, no username
		validInstagramItem("c"),
	}
	results, err := p.ProcessBatch(context.Background(), domain.PlatformInstagram, items, "a", "r", BatchSequential)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Succeeded)
	assert.False(t, results[1].Succeeded)
	assert.True(t, results[2].Succeeded)
}

func TestProcessBatchParallelPreservesOrder(t *testing.T) {
	p := New(newFakeCreatorRepo(), Options{MaxConcurrency: 4})

	items := make([]domain.RawItem, 20)
	for i := range items {
		items[i] = validInstagramItem(fmt.Sprintf("user%02d", i))
	}
	results, err := p.ProcessBatch(context.Background(), domain.PlatformInstagram, items, "a", "r", BatchParallel)
	require.NoError(t, err)
	require.Len(t, results, 20)
	for i, res := range results {
		require.True(t, res.Succeeded, "item %d", i)
		assert.Equal(t, fmt.Sprintf("user%02d", i), res.Creator.PlatformIdentifiers[domain.IdentInstagramUsername])
	}
}

func TestProcessBatchAdaptive(t *testing.T) {
	p := New(newFakeCreatorRepo(), DefaultOptions())

	items := make([]domain.RawItem, 30)
	for i := range items {
		items[i] = validInstagramItem(fmt.Sprintf("u%d", i))
	}
	results, err := p.ProcessBatch(context.Background(), domain.PlatformInstagram, items, "a", "r", BatchAdaptive)
	require.NoError(t, err)
	assert.Len(t, results, 30)
}

func TestProcessBatchTimeout(t *testing.T) {
	p := New(newFakeCreatorRepo(), Options{Timeout: time.Nanosecond})

	items := []domain.RawItem{validInstagramItem("a")}
	time.Sleep(time.Millisecond)
	_, err := p.ProcessBatch(context.Background(), domain.PlatformInstagram, items, "a", "r", BatchSequential)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestAdaptiveBatchSizeClamps(t *testing.T) {
	small := New(newFakeCreatorRepo(), Options{BatchBase: 1})
	assert.GreaterOrEqual(t, small.adaptiveBatchSize(10), 10)

	big := New(newFakeCreatorRepo(), Options{BatchBase: 10000})
	assert.LessOrEqual(t, big.adaptiveBatchSize(10000), 500)
}

func TestMetricsSnapshotCountsStages(t *testing.T) {
	p := New(newFakeCreatorRepo(), DefaultOptions())
	_, err := p.ProcessItem(context.Background(), domain.PlatformInstagram, validInstagramItem("anna"), "a", "r")
	require.NoError(t, err)

	snap := p.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.Stages[StageInputValidation].Count)
	assert.Equal(t, int64(1), snap.Stages[StageOutputValidation].Count)
	assert.Equal(t, int64(0), snap.Stages[StageMerging].Count, "no duplicate, no merge stage")
}
