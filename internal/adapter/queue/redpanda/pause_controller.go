package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// PauseController reconciles running consumers with the operator-set pause
// flags in the control store. The ops CLI flips a flag; within one interval
// every worker's consumer for that queue stops taking new records.
type PauseController struct {
	store     domain.QueueControlRepository
	consumers map[string]*Consumer
	interval  time.Duration
}

// NewPauseController constructs a controller over the given consumers,
// keyed by queue name.
func NewPauseController(store domain.QueueControlRepository, consumers map[string]*Consumer, interval time.Duration) *PauseController {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PauseController{store: store, consumers: consumers, interval: interval}
}

// Run polls the control store until the context is cancelled.
func (p *PauseController) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.apply(ctx); err != nil {
			slog.Error("queue control sync failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// apply pauses and resumes consumers to match the stored flags. Consumers
// already in the desired state are left alone.
func (p *PauseController) apply(ctx context.Context) error {
	paused, err := p.store.ListPaused(ctx)
	if err != nil {
		return fmt.Errorf("op=PauseController.apply: %w", err)
	}
	want := make(map[string]bool, len(paused))
	for _, q := range paused {
		want[q] = true
	}
	for queue, c := range p.consumers {
		switch {
		case want[queue] && !c.isPaused():
			c.Pause()
		case !want[queue] && c.isPaused():
			c.Resume()
		}
	}
	return nil
}
