package redpanda

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/creatorplane/orchestrator/internal/adapter/observability"
	"github.com/creatorplane/orchestrator/internal/domain"
)

// Producer persists a job row, then publishes it to the queue's topic. It
// implements domain.Enqueuer. Delayed jobs are stored as delayed and picked
// up later by the Scheduler.
type Producer struct {
	client *kgo.Client
	jobs   domain.JobRepository
	now    func() time.Time
}

// NewProducer constructs a Producer and ensures all queue topics exist.
func NewProducer(brokers []string, jobs domain.JobRepository) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewProducer: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewProducer: %w", err)
	}
	return &Producer{client: client, jobs: jobs, now: time.Now}, nil
}

// Enqueue stores the job and publishes it. Jobs with a future DelayUntil are
// stored delayed and not published until the scheduler promotes them.
// Returns the job id.
func (p *Producer) Enqueue(ctx domain.Context, queue string, job domain.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Queue = queue
	if job.CreatedAt.IsZero() {
		job.CreatedAt = p.now().UTC()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}

	job.Status = domain.JobWaiting
	if job.DelayUntil != nil && job.DelayUntil.After(p.now()) {
		job.Status = domain.JobDelayed
	}

	if _, err := p.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("op=Producer.Enqueue: persist: %w", err)
	}

	if job.Status == domain.JobDelayed {
		slog.Info("job delayed", slog.String("job_id", job.ID),
			slog.String("queue", queue), slog.Time("delay_until", *job.DelayUntil))
		return job.ID, nil
	}

	if err := p.publish(ctx, job); err != nil {
		return "", err
	}
	observability.EnqueueJob(queue)
	slog.Info("job enqueued", slog.String("job_id", job.ID), slog.String("queue", queue),
		slog.String("platform", job.Data.Platform), slog.Int("priority", job.Priority))
	return job.ID, nil
}

// Publish sends an already-persisted job to its topic. The scheduler and the
// retry manager use it to promote delayed jobs.
func (p *Producer) Publish(ctx domain.Context, job domain.Job) error {
	if err := p.publish(ctx, job); err != nil {
		return err
	}
	observability.EnqueueJob(job.Queue)
	return nil
}

func (p *Producer) publish(ctx domain.Context, job domain.Job) error {
	value, err := json.Marshal(job.Data)
	if err != nil {
		return fmt.Errorf("op=Producer.publish: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: TopicFor(job.Queue),
		// Job id keys the record so retries of the same job stay ordered
		// within a partition.
		Key:   []byte(job.ID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(job.ID)},
			{Key: "priority", Value: []byte(strconv.Itoa(job.Priority))},
			{Key: "platform", Value: []byte(job.Data.Platform)},
		},
	}

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("op=Producer.publish: produce: %w", err)
	}
	return nil
}

// PublishDLQ moves a poisoned job onto the queue's dead-letter topic.
func (p *Producer) PublishDLQ(ctx domain.Context, dlqJob domain.DLQJob) error {
	value, err := json.Marshal(dlqJob)
	if err != nil {
		return fmt.Errorf("op=Producer.PublishDLQ: marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: DLQTopicFor(dlqJob.Queue),
		Key:   []byte(dlqJob.JobID),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=Producer.PublishDLQ: produce: %w", err)
	}
	return nil
}

// Close shuts the underlying client down.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

// Scheduler promotes delayed jobs whose time has arrived: waiting status,
// then publish. Runs from the worker process.
type Scheduler struct {
	jobs     domain.JobRepository
	producer *Producer
	interval time.Duration
}

// NewScheduler constructs the delayed-job scheduler.
func NewScheduler(jobs domain.JobRepository, producer *Producer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{jobs: jobs, producer: producer, interval: interval}
}

// Start runs the promotion loop until the context is cancelled.
func (s *Scheduler) Start(ctx domain.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.promoteDue(ctx)
		}
	}
}

func (s *Scheduler) promoteDue(ctx domain.Context) {
	now := time.Now()
	for _, queue := range QueueNames() {
		jobs, err := s.jobs.ListWithFilters(ctx, 0, 100, queue, string(domain.JobDelayed))
		if err != nil {
			slog.Error("scheduler list delayed jobs failed", slog.String("queue", queue), slog.Any("error", err))
			continue
		}
		for _, job := range jobs {
			if job.DelayUntil != nil && job.DelayUntil.After(now) {
				continue
			}
			if err := s.jobs.UpdateStatus(ctx, job.ID, domain.JobWaiting, nil); err != nil {
				slog.Error("scheduler promote failed", slog.String("job_id", job.ID), slog.Any("error", err))
				continue
			}
			job.Status = domain.JobWaiting
			if err := s.producer.Publish(ctx, job); err != nil {
				slog.Error("scheduler publish failed", slog.String("job_id", job.ID), slog.Any("error", err))
				continue
			}
			slog.Info("delayed job promoted", slog.String("job_id", job.ID), slog.String("queue", queue))
		}
	}
}
