package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// DLQConsumer drains the dead-letter topics, logging each poisoned job and
// keeping an in-memory inventory so the ops surface can inspect and
// reprocess them.
type DLQConsumer struct {
	client   *kgo.Client
	producer *Producer

	mu   sync.Mutex
	jobs map[string]domain.DLQJob

	shutdown chan struct{}
	once     sync.Once
}

// NewDLQConsumer constructs a consumer over every queue's dead-letter topic.
func NewDLQConsumer(brokers []string, groupID string, producer *Producer) (*DLQConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewDLQConsumer: no seed brokers provided")
	}
	topics := make([]string, 0, len(QueueNames()))
	for _, q := range QueueNames() {
		topics = append(topics, DLQTopicFor(q))
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.DialTimeout(10*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewDLQConsumer: %w", err)
	}
	return &DLQConsumer{
		client:   client,
		producer: producer,
		jobs:     make(map[string]domain.DLQJob),
		shutdown: make(chan struct{}),
	}, nil
}

// Start polls the dead-letter topics until the context is cancelled.
func (d *DLQConsumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.shutdown:
			return nil
		default:
		}

		fetches := d.client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("dlq fetch error", slog.String("topic", fe.Topic), slog.Any("error", fe.Err))
			}
			time.Sleep(2 * time.Second)
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			var dlqJob domain.DLQJob
			if err := json.Unmarshal(record.Value, &dlqJob); err != nil {
				slog.Error("dlq record unmarshal failed",
					slog.String("topic", record.Topic), slog.Any("error", err))
				return
			}
			d.mu.Lock()
			d.jobs[dlqJob.JobID] = dlqJob
			d.mu.Unlock()
			slog.Warn("dead-lettered job received",
				slog.String("job_id", dlqJob.JobID),
				slog.String("queue", dlqJob.Queue),
				slog.String("reason", dlqJob.FailureReason),
				slog.Bool("reprocessable", dlqJob.CanBeReprocessed))
		})
	}
}

// List returns a snapshot of the known dead-lettered jobs.
func (d *DLQConsumer) List() []domain.DLQJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.DLQJob, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j)
	}
	return out
}

// Reprocess re-enqueues a dead-lettered job onto its original queue with a
// fresh attempt budget.
func (d *DLQConsumer) Reprocess(ctx domain.Context, jobID string) error {
	d.mu.Lock()
	dlqJob, ok := d.jobs[jobID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=DLQConsumer.Reprocess: job %s: %w", jobID, domain.ErrNotFound)
	}
	if !dlqJob.CanBeReprocessed {
		return fmt.Errorf("op=DLQConsumer.Reprocess: job %s not reprocessable: %w", jobID, domain.ErrConflict)
	}

	_, err := d.producer.Enqueue(ctx, dlqJob.Queue, domain.Job{
		Name:        "dlq-reprocess",
		Data:        dlqJob.OriginalData,
		MaxAttempts: dlqJob.RetryInfo.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("op=DLQConsumer.Reprocess: %w", err)
	}

	d.mu.Lock()
	delete(d.jobs, jobID)
	d.mu.Unlock()
	slog.Info("dead-lettered job reprocessed", slog.String("job_id", jobID), slog.String("queue", dlqJob.Queue))
	return nil
}

// Close stops polling and releases the client.
func (d *DLQConsumer) Close() error {
	d.once.Do(func() { close(d.shutdown) })
	if d.client != nil {
		d.client.Close()
	}
	return nil
}
