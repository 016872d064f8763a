// Command worker runs the background plane: queue consumers, the delayed-job
// scheduler, the run tracker, webhook processing, and retention sweepers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	actorcli "github.com/creatorplane/orchestrator/internal/adapter/actor"
	"github.com/creatorplane/orchestrator/internal/adapter/observability"
	"github.com/creatorplane/orchestrator/internal/adapter/queue/redpanda"
	"github.com/creatorplane/orchestrator/internal/adapter/repo/postgres"
	"github.com/creatorplane/orchestrator/internal/app"
	"github.com/creatorplane/orchestrator/internal/config"
	"github.com/creatorplane/orchestrator/internal/domain"
	"github.com/creatorplane/orchestrator/internal/pipeline"
	"github.com/creatorplane/orchestrator/internal/tracker"
	"github.com/creatorplane/orchestrator/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns, cfg.DBMaxIdleTime)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	runRepo := postgres.NewRunRepo(pool)
	eventRepo := postgres.NewWebhookEventRepo(pool)
	creatorRepo := postgres.NewCreatorRepo(pool)

	if err := redpanda.EnsureTopics(ctx, cfg.KafkaBrokers); err != nil {
		slog.Error("topic bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, jobRepo)
	if err != nil {
		slog.Error("queue producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	actor := actorcli.New(cfg.ActorBaseURL, cfg.ActorToken, cfg.ActorTimeout)

	runTracker := tracker.New(actor, runRepo, cfg.RunPollInterval)
	if err := runTracker.Resume(ctx); err != nil {
		slog.Error("run tracking resume failed", slog.Any("error", err))
	}

	pipe := pipeline.New(creatorRepo, pipeline.Options{
		MaxConcurrency: cfg.PipelineMaxConcurrency,
		Timeout:        cfg.PipelineTimeout,
	})

	webhookHandler := webhook.NewHandler(webhook.HandlerParams{
		Events:      eventRepo,
		Tracker:     runTracker,
		Actor:       actor,
		Pipeline:    pipe,
		Creators:    creatorRepo,
		PlatformFor: platformResolver(cfg),
		MaxAttempts: cfg.WebhookMaxAttempts,
	})
	go webhook.NewSweeper(eventRepo, webhookHandler, time.Minute).Start(ctx)

	retry := redpanda.NewRetryManager(jobRepo, producer, domain.DefaultRetryConfig(), true)

	scrapeHandler := makeScrapeHandler(cfg, actor, runTracker)
	webhookQueueHandler := func(ctx domain.Context, job domain.Job) error {
		id, _ := job.Data.Input["event_id"].(string)
		if id == "" {
			return fmt.Errorf("op=worker.webhookQueueHandler: missing event_id: %w", domain.ErrInvalidArgument)
		}
		return webhookHandler.Process(ctx, id)
	}

	handlers := map[string]redpanda.JobHandler{
		redpanda.QueueScraping:          scrapeHandler,
		redpanda.QueueDiscovery:         scrapeHandler,
		redpanda.QueueCreatorSync:       scrapeHandler,
		redpanda.QueueWebhookProcessing: webhookQueueHandler,
	}

	stats := make(map[string]*redpanda.QueueStats, len(handlers))
	consumers := make(map[string]*redpanda.Consumer, len(handlers))
	for queue, handler := range handlers {
		qs := redpanda.NewQueueStats()
		stats[queue] = qs
		consumer, err := redpanda.NewConsumer(redpanda.ConsumerParams{
			Brokers:     cfg.KafkaBrokers,
			GroupID:     "orchestrator-workers",
			Queue:       queue,
			Jobs:        jobRepo,
			Handler:     handler,
			Retry:       retry,
			Stats:       qs,
			Concurrency: cfg.QueueConcurrency,
		})
		if err != nil {
			slog.Error("consumer init failed", slog.String("queue", queue), slog.Any("error", err))
			os.Exit(1)
		}
		consumers[queue] = consumer
		go func(c *redpanda.Consumer, q string) {
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("consumer stopped", slog.String("queue", q), slog.Any("error", err))
			}
		}(consumer, queue)
	}
	defer func() {
		for _, c := range consumers {
			_ = c.Close()
		}
	}()

	controlRepo := postgres.NewQueueControlRepo(pool)
	go redpanda.NewPauseController(controlRepo, consumers, 10*time.Second).Run(ctx)

	go redpanda.NewScheduler(jobRepo, producer, time.Second).Start(ctx)

	dlq, err := redpanda.NewDLQConsumer(cfg.KafkaBrokers, "orchestrator-dlq", producer)
	if err != nil {
		slog.Error("dlq consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := dlq.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("dlq consumer stopped", slog.Any("error", err))
		}
	}()
	defer func() { _ = dlq.Close() }()

	if cfg.DataRetentionDays > 0 {
		cleanup := postgres.NewCleanup(pool, cfg.DataRetentionDays, cfg.CleanupInterval)
		go cleanup.Start(ctx)
	}
	go app.NewStuckJobSweeper(jobRepo, 10*time.Minute, time.Minute).Run(ctx)

	// Periodic health snapshot to the log; the ops API reads the DB-backed
	// portion from the server process.
	health := redpanda.NewHealthChecker(jobRepo, stats, cfg.QueueHealthLeader)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			reports, err := health.CheckAll(ctx)
			if err != nil {
				slog.Error("queue health check failed", slog.Any("error", err))
				continue
			}
			for _, r := range reports {
				if r.State != redpanda.HealthHealthy {
					slog.Warn("queue health",
						slog.String("queue", r.Queue),
						slog.String("state", string(r.State)),
						slog.Any("reasons", r.Reasons))
				}
			}
		}
	}()

	slog.Info("worker started",
		slog.Any("queues", redpanda.QueueNames()),
		slog.Int("concurrency", cfg.QueueConcurrency))
	<-ctx.Done()
	slog.Info("worker shutting down")
}

// platformResolver maps configured actor ids back to platform names.
func platformResolver(cfg config.Config) webhook.PlatformResolver {
	byActor := make(map[string]string)
	for _, platform := range config.Platforms() {
		if pc, ok := cfg.Platform(platform); ok && pc.ActorID != "" {
			byActor[pc.ActorID] = platform
		}
	}
	return func(actorID string) string { return byActor[actorID] }
}

// makeScrapeHandler starts the platform's actor with the job input and hands
// the run to the tracker. The job completes once the run is launched; results
// come back through the webhook ingress.
func makeScrapeHandler(cfg config.Config, actor *actorcli.Client, runTracker *tracker.Tracker) redpanda.JobHandler {
	return func(ctx domain.Context, job domain.Job) error {
		actorID := job.Data.ActorID
		if actorID == "" {
			if pc, ok := cfg.Platform(job.Data.Platform); ok {
				actorID = pc.ActorID
			}
		}
		if actorID == "" {
			return fmt.Errorf("op=worker.scrape: no actor for %s: %w", job.Data.Platform, domain.ErrInvalidArgument)
		}

		run, err := actor.Start(ctx, actorID, job.Data.Input)
		if err != nil {
			return fmt.Errorf("op=worker.scrape: start actor: %w", err)
		}
		run.Platform = job.Data.Platform
		if err := runTracker.Track(ctx, run, nil); err != nil {
			return fmt.Errorf("op=worker.scrape: track run: %w", err)
		}
		slog.Info("actor run started",
			slog.String("job_id", job.ID),
			slog.String("run_id", run.ID),
			slog.String("platform", job.Data.Platform))
		return nil
	}
}
