package redpanda

import (
	"sync"
	"time"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// HealthState grades one queue.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// statsWindow bounds how many recent outcomes feed the failure ratio.
const statsWindow = 100

// QueueStats tracks recent handler outcomes for one queue.
type QueueStats struct {
	mu        sync.Mutex
	outcomes  [statsWindow]bool
	durations [statsWindow]time.Duration
	next      int
	count     int
}

// NewQueueStats constructs an empty stats window.
func NewQueueStats() *QueueStats { return &QueueStats{} }

// Record stores one handler outcome.
func (s *QueueStats) Record(success bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[s.next] = success
	s.durations[s.next] = d
	s.next = (s.next + 1) % statsWindow
	if s.count < statsWindow {
		s.count++
	}
}

// FailureRatio returns the fraction of recent handler runs that failed.
func (s *QueueStats) FailureRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < s.count; i++ {
		if !s.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(s.count)
}

// AvgDuration returns the mean handler duration over the window.
func (s *QueueStats) AvgDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < s.count; i++ {
		total += s.durations[i]
	}
	return total / time.Duration(s.count)
}

// HealthReport is the graded state of one queue.
type HealthReport struct {
	Queue        string                   `json:"queue"`
	State        HealthState              `json:"state"`
	FailureRatio float64                  `json:"failure_ratio"`
	AvgDuration  time.Duration            `json:"avg_duration"`
	Counts       map[domain.JobStatus]int `json:"counts"`
	Reasons      []string                 `json:"reasons,omitempty"`
}

// HealthChecker grades queues from recent stats plus stored job counts.
// The idle-with-backlog heuristic only fires when this instance is the
// leader, because active=0 on a non-leader says nothing about the pool.
type HealthChecker struct {
	jobs   domain.JobRepository
	stats  map[string]*QueueStats
	leader bool
}

// NewHealthChecker constructs a HealthChecker.
func NewHealthChecker(jobs domain.JobRepository, stats map[string]*QueueStats, leader bool) *HealthChecker {
	return &HealthChecker{jobs: jobs, stats: stats, leader: leader}
}

// Check grades one queue. Thresholds: failure ratio above 0.5 or an idle
// pool with a waiting backlog over 1000 is unhealthy; failure ratio above
// 0.2 or average processing over 120s is degraded.
func (h *HealthChecker) Check(ctx domain.Context, queue string) (HealthReport, error) {
	report := HealthReport{Queue: queue, State: HealthHealthy}

	if s, ok := h.stats[queue]; ok {
		report.FailureRatio = s.FailureRatio()
		report.AvgDuration = s.AvgDuration()
	}

	counts, err := h.jobs.CountByStatus(ctx, queue)
	if err != nil {
		return HealthReport{}, err
	}
	report.Counts = counts

	switch {
	case report.FailureRatio > 0.5:
		report.State = HealthUnhealthy
		report.Reasons = append(report.Reasons, "failure ratio above 50%")
	case h.leader && counts[domain.JobActive] == 0 && counts[domain.JobWaiting] > 1000:
		report.State = HealthUnhealthy
		report.Reasons = append(report.Reasons, "idle worker pool with waiting backlog")
	case report.FailureRatio > 0.2:
		report.State = HealthDegraded
		report.Reasons = append(report.Reasons, "failure ratio above 20%")
	case report.AvgDuration > 120*time.Second:
		report.State = HealthDegraded
		report.Reasons = append(report.Reasons, "average processing above 120s")
	}
	return report, nil
}

// CheckAll grades every named queue.
func (h *HealthChecker) CheckAll(ctx domain.Context) ([]HealthReport, error) {
	var reports []HealthReport
	for _, q := range QueueNames() {
		r, err := h.Check(ctx, q)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}
