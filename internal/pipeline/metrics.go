package pipeline

import (
	"sync"
	"time"

	"github.com/creatorplane/orchestrator/internal/adapter/observability"
)

// StageStats is an in-memory aggregate for one stage.
type StageStats struct {
	Count int64
	Total time.Duration
	Max   time.Duration
}

// Snapshot is a point-in-time copy of the collector's counters.
type Snapshot struct {
	Stages    map[Stage]StageStats
	Succeeded int64
	Failed    int64
	Batches   int64
	Items     int64
}

// Collector feeds the prometheus series and keeps an in-memory snapshot for
// the ops endpoints.
type Collector struct {
	mu        sync.Mutex
	stages    map[Stage]StageStats
	succeeded int64
	failed    int64
	batches   int64
	items     int64
}

func NewCollector() *Collector {
	return &Collector{stages: make(map[Stage]StageStats)}
}

func (c *Collector) RecordStage(stage Stage, d time.Duration) {
	observability.PipelineStageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stages[stage]
	s.Count++
	s.Total += d
	if d > s.Max {
		s.Max = d
	}
	c.stages[stage] = s
}

func (c *Collector) RecordItem(platform string, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	observability.PipelineItemsTotal.WithLabelValues(platform, outcome).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.succeeded++
	} else {
		c.failed++
	}
}

func (c *Collector) RecordBatch(n int, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches++
	c.items += int64(n)
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	stages := make(map[Stage]StageStats, len(c.stages))
	for k, v := range c.stages {
		stages[k] = v
	}
	return Snapshot{
		Stages:    stages,
		Succeeded: c.succeeded,
		Failed:    c.failed,
		Batches:   c.batches,
		Items:     c.items,
	}
}
