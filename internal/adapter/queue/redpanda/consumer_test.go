package redpanda

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/creatorplane/orchestrator/internal/domain"
)

func seedWaitingJob(t *testing.T, repo *fakeJobRepo, queue string, priority int, createdAt time.Time) string {
	t.Helper()
	id, err := repo.Create(context.Background(), domain.Job{
		Queue:       queue,
		Name:        "scrape",
		Priority:    priority,
		Status:      domain.JobWaiting,
		MaxAttempts: 3,
		CreatedAt:   createdAt,
		Data:        domain.JobData{Platform: "instagram"},
	})
	require.NoError(t, err)
	return id
}

func TestProcessRecordClaimsHighestPriorityFirst(t *testing.T) {
	repo := newFakeJobRepo()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	low := seedWaitingJob(t, repo, QueueScraping, 0, base)
	high := seedWaitingJob(t, repo, QueueScraping, 10, base.Add(time.Minute))

	var handled []string
	c := &Consumer{
		queue: QueueScraping,
		jobs:  repo,
		handler: func(_ domain.Context, job domain.Job) error {
			handled = append(handled, job.ID)
			return nil
		},
		stats: NewQueueStats(),
	}

	// The record that woke the consumer names the low-priority job, but the
	// claim still hands out the best waiting job first.
	c.processRecord(context.Background(), &kgo.Record{Key: []byte(low)})
	c.processRecord(context.Background(), &kgo.Record{Key: []byte(high)})

	assert.Equal(t, []string{high, low}, handled)

	done, err := repo.Get(context.Background(), high)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, done.Status)
	assert.Equal(t, 1, done.AttemptsMade)
}

func TestProcessRecordFIFOWithinPriorityClass(t *testing.T) {
	repo := newFakeJobRepo()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	first := seedWaitingJob(t, repo, QueueScraping, 5, base)
	second := seedWaitingJob(t, repo, QueueScraping, 5, base.Add(time.Second))

	var handled []string
	c := &Consumer{
		queue: QueueScraping,
		jobs:  repo,
		handler: func(_ domain.Context, job domain.Job) error {
			handled = append(handled, job.ID)
			return nil
		},
		stats: NewQueueStats(),
	}

	c.processRecord(context.Background(), &kgo.Record{Key: []byte(second)})
	c.processRecord(context.Background(), &kgo.Record{Key: []byte(first)})

	assert.Equal(t, []string{first, second}, handled)
}

func TestProcessRecordDropsWhenNothingWaiting(t *testing.T) {
	repo := newFakeJobRepo()
	var calls int
	c := &Consumer{
		queue: QueueScraping,
		jobs:  repo,
		handler: func(domain.Context, domain.Job) error {
			calls++
			return nil
		},
	}

	// Duplicate delivery after another worker already claimed the job.
	c.processRecord(context.Background(), &kgo.Record{Key: []byte("job-gone")})
	assert.Zero(t, calls)
}

func TestProcessRecordMarksFailedWithoutRetryManager(t *testing.T) {
	repo := newFakeJobRepo()
	id := seedWaitingJob(t, repo, QueueScraping, 0, time.Now().UTC())

	c := &Consumer{
		queue: QueueScraping,
		jobs:  repo,
		handler: func(domain.Context, domain.Job) error {
			return errors.New("actor start rejected")
		},
		stats: NewQueueStats(),
	}
	c.processRecord(context.Background(), &kgo.Record{Key: []byte(id)})

	job, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, "actor start rejected", job.FailedReason)
	assert.Equal(t, 1, job.AttemptsMade)
}
