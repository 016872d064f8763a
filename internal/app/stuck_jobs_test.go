package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorplane/orchestrator/internal/domain"
)

type finishedJob struct {
	status domain.JobStatus
	reason string
}

type fakeStuckJobStore struct {
	mu       sync.Mutex
	stuck    []domain.Job
	finished map[string]finishedJob
	cutoffs  []time.Time
}

func newFakeStuckJobStore(jobs ...domain.Job) *fakeStuckJobStore {
	return &fakeStuckJobStore{stuck: jobs, finished: map[string]finishedJob{}}
}

func (s *fakeStuckJobStore) ListStuck(_ context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	var due []domain.Job
	for _, j := range s.stuck {
		if _, done := s.finished[j.ID]; done {
			continue
		}
		due = append(due, j)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *fakeStuckJobStore) MarkFinished(_ context.Context, id string, status domain.JobStatus, _ time.Time, failedReason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason := ""
	if failedReason != nil {
		reason = *failedReason
	}
	s.finished[id] = finishedJob{status: status, reason: reason}
	return nil
}

func TestNewStuckJobSweeperNilStore(t *testing.T) {
	assert.Nil(t, NewStuckJobSweeper(nil, time.Minute, time.Minute))
}

func TestSweepOnceFailsStuckJobs(t *testing.T) {
	store := newFakeStuckJobStore(
		domain.Job{ID: "job-1", Queue: "scraping", Status: domain.JobActive},
		domain.Job{ID: "job-2", Queue: "scraping", Status: domain.JobActive},
	)
	s := NewStuckJobSweeper(store, 10*time.Minute, time.Minute)

	s.sweepOnce(context.Background())

	require.Len(t, store.finished, 2)
	assert.Equal(t, domain.JobFailed, store.finished["job-1"].status)
	assert.Contains(t, store.finished["job-1"].reason, "processing exceeded 10m0s")
	assert.Contains(t, store.finished["job-1"].reason, "failed by sweeper")
}

func TestSweepOncePagesThroughBacklog(t *testing.T) {
	var jobs []domain.Job
	for i := 0; i < 250; i++ {
		jobs = append(jobs, domain.Job{ID: fmt.Sprintf("job-%03d", i), Status: domain.JobActive})
	}
	store := newFakeStuckJobStore(jobs...)
	s := NewStuckJobSweeper(store, 10*time.Minute, time.Minute)

	s.sweepOnce(context.Background())

	assert.Len(t, store.finished, 250, "sweep drains past the page size")
}

func TestSweeperDefaultsApplied(t *testing.T) {
	s := NewStuckJobSweeper(newFakeStuckJobStore(), 0, 0)
	require.NotNil(t, s)
	assert.Equal(t, 10*time.Minute, s.maxProcessingAge)
	assert.Equal(t, time.Minute, s.interval)
}

func TestSweeperRunStopsOnContextDone(t *testing.T) {
	store := newFakeStuckJobStore(domain.Job{ID: "job-1", Status: domain.JobActive})
	s := NewStuckJobSweeper(store, 10*time.Minute, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Run sweeps once before its first tick, so the job is failed promptly.
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.finished) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
