// Package tracker follows actor runs to a terminal state. Each tracked run
// gets its own poller; webhook deliveries reconcile into the same stored
// state, which is a monotone lattice: terminal never regresses.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/creatorplane/orchestrator/internal/adapter/observability"
	"github.com/creatorplane/orchestrator/internal/domain"
	obsctx "github.com/creatorplane/orchestrator/internal/observability"
)

// defaultPollInterval applies when the config leaves the interval unset.
const defaultPollInterval = 10 * time.Second

// RunFetcher is the slice of the actor client the tracker needs.
type RunFetcher interface {
	Get(ctx domain.Context, runID string) (domain.ActorRun, error)
}

// Callback receives run updates for one tracked run.
type Callback func(run domain.ActorRun)

// Tracker owns one poller per tracked run and fans status changes out to the
// run store, the registered observers, and per-run callbacks.
type Tracker struct {
	actor    RunFetcher
	runs     domain.RunRepository
	interval time.Duration

	mu        sync.Mutex
	pollers   map[string]context.CancelFunc
	observers []domain.RunObserver
}

// New constructs a Tracker.
func New(actor RunFetcher, runs domain.RunRepository, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Tracker{
		actor:    actor,
		runs:     runs,
		interval: interval,
		pollers:  make(map[string]context.CancelFunc),
	}
}

// AddObserver registers an observer for every tracked run's status changes.
func (t *Tracker) AddObserver(o domain.RunObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// Track stores the run and starts its poller. Tracking an already-tracked
// run is a no-op. The callback, when set, fires on every observed update.
func (t *Tracker) Track(ctx domain.Context, run domain.ActorRun, cb Callback) error {
	if err := t.runs.Upsert(ctx, run); err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		t.notify(ctx, run, cb)
		return nil
	}

	t.mu.Lock()
	if _, exists := t.pollers[run.ID]; exists {
		t.mu.Unlock()
		return nil
	}
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.pollers[run.ID] = cancel
	t.mu.Unlock()

	observability.RunsTrackedGauge.Inc()
	go t.poll(pollCtx, run.ID, cb)
	return nil
}

// Cancel stops a run's poller without touching stored state.
func (t *Tracker) Cancel(runID string) {
	t.mu.Lock()
	cancel, ok := t.pollers[runID]
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// Reconcile applies an externally observed status, typically from a webhook.
// Duplicate and out-of-order deliveries are safe: the store's terminal state
// wins. The run's poller stops once the stored state is terminal.
func (t *Tracker) Reconcile(ctx domain.Context, runID string, status domain.RunStatus, finishedAt *time.Time) (domain.ActorRun, error) {
	run, err := t.runs.AdvanceStatus(ctx, runID, status, finishedAt)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// First sighting of this run came over the webhook.
			run = domain.ActorRun{ID: runID, Status: status, StartedAt: time.Now().UTC(), FinishedAt: finishedAt}
			if uerr := t.runs.Upsert(ctx, run); uerr != nil {
				return domain.ActorRun{}, uerr
			}
		} else {
			return domain.ActorRun{}, err
		}
	}
	if run.Status.IsTerminal() {
		t.stopPoller(run.ID)
	}
	t.notify(ctx, run, nil)
	return run, nil
}

// Resume restarts pollers for every non-terminal stored run. Called on
// worker startup so a restart does not orphan in-flight runs.
func (t *Tracker) Resume(ctx domain.Context) error {
	active, err := t.runs.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, run := range active {
		if err := t.Track(ctx, run, nil); err != nil {
			slog.Error("resume tracking failed", slog.String("run_id", run.ID), slog.Any("error", err))
		}
	}
	if len(active) > 0 {
		slog.Info("resumed run tracking", slog.Int("runs", len(active)))
	}
	return nil
}

func (t *Tracker) poll(ctx context.Context, runID string, cb Callback) {
	defer func() {
		t.stopPoller(runID)
	}()

	log := obsctx.LoggerFromContext(ctx).With(slog.String("run_id", runID))
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		remote, err := t.actor.Get(ctx, runID)
		if err != nil {
			log.Warn("run poll failed", slog.Any("error", err))
			continue
		}

		stored, err := t.runs.AdvanceStatus(ctx, runID, remote.Status, remote.FinishedAt)
		if err != nil {
			log.Error("run status advance failed", slog.Any("error", err))
			continue
		}
		// Carry progress and cost forward even when status is unchanged.
		stored.Stats = remote.Stats
		stored.DatasetID = firstNonEmpty(stored.DatasetID, remote.DatasetID)
		stored.KeyValueStoreID = firstNonEmpty(stored.KeyValueStoreID, remote.KeyValueStoreID)
		if err := t.runs.Upsert(ctx, stored); err != nil {
			log.Error("run upsert failed", slog.Any("error", err))
		}

		t.notify(ctx, stored, cb)

		if stored.Status.IsTerminal() {
			log.Info("run reached terminal state",
				slog.String("status", string(stored.Status)),
				slog.Any("stats", stored.Stats))
			return
		}
	}
}

func (t *Tracker) stopPoller(runID string) {
	t.mu.Lock()
	cancel, ok := t.pollers[runID]
	if ok {
		delete(t.pollers, runID)
	}
	t.mu.Unlock()
	if ok {
		cancel()
		observability.RunsTrackedGauge.Dec()
	}
}

func (t *Tracker) notify(ctx domain.Context, run domain.ActorRun, cb Callback) {
	t.mu.Lock()
	observers := make([]domain.RunObserver, len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()

	for _, o := range observers {
		o.RunStatusChanged(ctx, run)
	}
	if cb != nil {
		cb(run)
	}
}

// Tracked reports whether a poller is live for the run.
func (t *Tracker) Tracked(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pollers[runID]
	return ok
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
