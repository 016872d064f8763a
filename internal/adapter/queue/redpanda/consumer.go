package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/creatorplane/orchestrator/internal/adapter/observability"
	"github.com/creatorplane/orchestrator/internal/domain"
	obsctx "github.com/creatorplane/orchestrator/internal/observability"
)

// JobHandler executes one dequeued job.
type JobHandler func(ctx domain.Context, job domain.Job) error

// Consumer drains one named queue with a bounded worker pool. A semaphore of
// size concurrency caps in-flight handlers; Pause stops new acquisitions
// without aborting work already running.
type Consumer struct {
	client  *kgo.Client
	queue   string
	jobs    domain.JobRepository
	handler JobHandler
	retry   *RetryManager
	stats   *QueueStats

	concurrency int
	sem         chan struct{}

	mu     sync.Mutex
	paused bool

	shutdown chan struct{}
	once     sync.Once
}

// ConsumerParams collect consumer dependencies.
type ConsumerParams struct {
	Brokers     []string
	GroupID     string
	Queue       string
	Jobs        domain.JobRepository
	Handler     JobHandler
	Retry       *RetryManager
	Stats       *QueueStats
	Concurrency int
}

// NewConsumer constructs a consumer for one queue's topic.
func NewConsumer(p ConsumerParams) (*Consumer, error) {
	if len(p.Brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: no seed brokers provided")
	}
	if p.GroupID == "" {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: missing group id")
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 5
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(p.Brokers...),
		kgo.ConsumerGroup(p.GroupID),
		kgo.ConsumeTopics(TopicFor(p.Queue)),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.FetchMaxWait(5*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: %w", err)
	}

	return &Consumer{
		client:      client,
		queue:       p.Queue,
		jobs:        p.Jobs,
		handler:     p.Handler,
		retry:       p.Retry,
		stats:       p.Stats,
		concurrency: p.Concurrency,
		sem:         make(chan struct{}, p.Concurrency),
		shutdown:    make(chan struct{}),
	}, nil
}

// Start polls the topic until the context is cancelled. Each record takes a
// semaphore permit before its handler runs.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("queue consumer starting",
		slog.String("queue", c.queue), slog.Int("concurrency", c.concurrency))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue consumer stopping", slog.String("queue", c.queue))
			return ctx.Err()
		case <-c.shutdown:
			return nil
		default:
		}

		if c.isPaused() {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		fetches := c.client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("queue fetch error", slog.String("queue", c.queue),
					slog.String("topic", fe.Topic), slog.Any("error", fe.Err))
			}
			time.Sleep(2 * time.Second)
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(rec *kgo.Record) {
				defer wg.Done()
				defer func() { <-c.sem }()
				c.processRecord(ctx, rec)
			}(record)
		})
	}
}

// processRecord treats the record as a wake-up signal, not as the unit of
// work: it claims the best waiting job from the store, so a high-priority
// job enqueued behind a backlog is still scheduled first. The record that
// published the claimed job and the record whose job gets claimed need not
// be the same one.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessJob")
	defer span.End()

	start := time.Now()
	job, err := c.jobs.ClaimNextWaiting(ctx, c.queue, start.UTC())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Another worker claimed it, or a duplicate delivery of a
			// finished job. Safe to drop.
			return
		}
		slog.Error("job claim failed", slog.String("queue", c.queue),
			slog.String("record_key", string(record.Key)), slog.Any("error", err))
		return
	}

	if job.Data.RequestID != "" {
		ctx = obsctx.ContextWithRequestID(ctx, job.Data.RequestID)
	}
	log := obsctx.LoggerFromContext(ctx).With(
		slog.String("job_id", job.ID),
		slog.String("queue", c.queue),
		slog.String("platform", job.Data.Platform))
	ctx = obsctx.ContextWithLogger(ctx, log)

	observability.JobsProcessing.WithLabelValues(c.queue).Inc()
	defer observability.JobsProcessing.WithLabelValues(c.queue).Dec()

	herr := c.handler(ctx, job)
	elapsed := time.Since(start)
	observability.JobProcessingDuration.WithLabelValues(c.queue).Observe(elapsed.Seconds())
	if c.stats != nil {
		c.stats.Record(herr == nil, elapsed)
	}

	if herr == nil {
		observability.JobsCompletedTotal.WithLabelValues(c.queue).Inc()
		if err := c.jobs.MarkFinished(ctx, job.ID, domain.JobCompleted, time.Now().UTC(), nil); err != nil {
			log.Error("mark finished failed", slog.Any("error", err))
		}
		log.Info("job completed", slog.Duration("duration", elapsed))
		return
	}

	observability.JobsFailedTotal.WithLabelValues(c.queue).Inc()
	log.Error("job handler failed", slog.Int("attempt", job.AttemptsMade), slog.Any("error", herr))

	if c.retry != nil {
		if rerr := c.retry.HandleFailure(ctx, job, herr); rerr != nil {
			log.Error("retry handling failed", slog.Any("error", rerr))
		}
		return
	}
	reason := herr.Error()
	if err := c.jobs.MarkFinished(ctx, job.ID, domain.JobFailed, time.Now().UTC(), &reason); err != nil {
		log.Error("mark failed failed", slog.Any("error", err))
	}
}

// Pause stops new permit acquisitions. In-flight handlers run to completion.
func (c *Consumer) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	slog.Info("queue paused", slog.String("queue", c.queue))
}

// Resume re-enables consumption.
func (c *Consumer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	slog.Info("queue resumed", slog.String("queue", c.queue))
}

func (c *Consumer) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Close stops polling and releases the client.
func (c *Consumer) Close() error {
	c.once.Do(func() { close(c.shutdown) })
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
