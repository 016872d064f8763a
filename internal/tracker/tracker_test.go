package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorplane/orchestrator/internal/domain"
)

type fakeRunRepo struct {
	mu   sync.Mutex
	runs map[string]domain.ActorRun
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: map[string]domain.ActorRun{}}
}

func (r *fakeRunRepo) Upsert(_ domain.Context, run domain.ActorRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}

func (r *fakeRunRepo) Get(_ domain.Context, id string) (domain.ActorRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.ActorRun{}, domain.ErrNotFound
	}
	return run, nil
}

func (r *fakeRunRepo) AdvanceStatus(_ domain.Context, id string, status domain.RunStatus, finishedAt *time.Time) (domain.ActorRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.ActorRun{}, domain.ErrNotFound
	}
	if !run.Status.IsTerminal() {
		run.Status = status
		if finishedAt != nil {
			run.FinishedAt = finishedAt
		}
		r.runs[id] = run
	}
	return run, nil
}

func (r *fakeRunRepo) ListActive(domain.Context) ([]domain.ActorRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ActorRun
	for _, run := range r.runs {
		if !run.Status.IsTerminal() {
			out = append(out, run)
		}
	}
	return out, nil
}

type fakeFetcher struct {
	mu   sync.Mutex
	runs map[string]domain.ActorRun
}

func (f *fakeFetcher) Get(_ domain.Context, runID string) (domain.ActorRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return domain.ActorRun{}, domain.ErrNotFound
	}
	return run, nil
}

func (f *fakeFetcher) set(run domain.ActorRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []domain.ActorRun
}

func (o *recordingObserver) RunStatusChanged(_ domain.Context, run domain.ActorRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, run)
}

func (o *recordingObserver) last() (domain.ActorRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.changes) == 0 {
		return domain.ActorRun{}, false
	}
	return o.changes[len(o.changes)-1], true
}

func TestTrackStoresRunAndStartsPoller(t *testing.T) {
	repo := newFakeRunRepo()
	fetcher := &fakeFetcher{runs: map[string]domain.ActorRun{}}
	tr := New(fetcher, repo, time.Hour)

	run := domain.ActorRun{ID: "run-1", Status: domain.RunRunning, StartedAt: time.Now()}
	require.NoError(t, tr.Track(context.Background(), run, nil))

	assert.True(t, tr.Tracked("run-1"))
	stored, err := repo.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, stored.Status)

	tr.Cancel("run-1")
}

func TestTrackTerminalRunSkipsPoller(t *testing.T) {
	repo := newFakeRunRepo()
	tr := New(&fakeFetcher{runs: map[string]domain.ActorRun{}}, repo, time.Hour)

	cbFired := false
	run := domain.ActorRun{ID: "run-1", Status: domain.RunSucceeded}
	require.NoError(t, tr.Track(context.Background(), run, func(domain.ActorRun) { cbFired = true }))

	assert.False(t, tr.Tracked("run-1"))
	assert.True(t, cbFired, "terminal runs still notify")
}

func TestPollerAdvancesToTerminal(t *testing.T) {
	repo := newFakeRunRepo()
	fetcher := &fakeFetcher{runs: map[string]domain.ActorRun{}}
	tr := New(fetcher, repo, 5*time.Millisecond)

	obs := &recordingObserver{}
	tr.AddObserver(obs)

	run := domain.ActorRun{ID: "run-1", Status: domain.RunRunning, StartedAt: time.Now()}
	fetcher.set(run)
	require.NoError(t, tr.Track(context.Background(), run, nil))

	finished := time.Now().UTC()
	done := run
	done.Status = domain.RunSucceeded
	done.FinishedAt = &finished
	done.DatasetID = "ds-1"
	fetcher.set(done)

	require.Eventually(t, func() bool { return !tr.Tracked("run-1") }, time.Second, 5*time.Millisecond)

	stored, err := repo.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, stored.Status)
	assert.Equal(t, "ds-1", stored.DatasetID)

	last, ok := obs.last()
	require.True(t, ok)
	assert.Equal(t, domain.RunSucceeded, last.Status)
}

func TestReconcileAdvancesAndStopsPoller(t *testing.T) {
	repo := newFakeRunRepo()
	tr := New(&fakeFetcher{runs: map[string]domain.ActorRun{}}, repo, time.Hour)

	run := domain.ActorRun{ID: "run-1", Status: domain.RunRunning, StartedAt: time.Now()}
	require.NoError(t, tr.Track(context.Background(), run, nil))
	require.True(t, tr.Tracked("run-1"))

	finished := time.Now().UTC()
	got, err := tr.Reconcile(context.Background(), "run-1", domain.RunSucceeded, &finished)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.Status)
	assert.Eventually(t, func() bool { return !tr.Tracked("run-1") }, time.Second, 5*time.Millisecond)
}

func TestReconcileFirstSighting(t *testing.T) {
	repo := newFakeRunRepo()
	tr := New(&fakeFetcher{runs: map[string]domain.ActorRun{}}, repo, time.Hour)

	finished := time.Now().UTC()
	got, err := tr.Reconcile(context.Background(), "run-unseen", domain.RunSucceeded, &finished)
	require.NoError(t, err)
	assert.Equal(t, "run-unseen", got.ID)
	assert.Equal(t, domain.RunSucceeded, got.Status)

	stored, err := repo.Get(context.Background(), "run-unseen")
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, stored.Status)
}

func TestReconcileNeverRegressesTerminal(t *testing.T) {
	repo := newFakeRunRepo()
	tr := New(&fakeFetcher{runs: map[string]domain.ActorRun{}}, repo, time.Hour)

	finished := time.Now().UTC()
	_, err := tr.Reconcile(context.Background(), "run-1", domain.RunSucceeded, &finished)
	require.NoError(t, err)

	// A late RUNNING delivery must not undo the terminal state.
	got, err := tr.Reconcile(context.Background(), "run-1", domain.RunRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.Status)
}

func TestResumeRestartsActivePollers(t *testing.T) {
	repo := newFakeRunRepo()
	fetcher := &fakeFetcher{runs: map[string]domain.ActorRun{}}
	require.NoError(t, repo.Upsert(context.Background(), domain.ActorRun{ID: "live", Status: domain.RunRunning}))
	require.NoError(t, repo.Upsert(context.Background(), domain.ActorRun{ID: "done", Status: domain.RunSucceeded}))

	tr := New(fetcher, repo, time.Hour)
	require.NoError(t, tr.Resume(context.Background()))

	assert.True(t, tr.Tracked("live"))
	assert.False(t, tr.Tracked("done"))
	tr.Cancel("live")
}
