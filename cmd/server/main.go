// Command server starts the scraping orchestration HTTP server: the API
// gateway, job submission, webhook ingress, and the ops API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"

	httpserver "github.com/creatorplane/orchestrator/internal/adapter/httpserver"
	"github.com/creatorplane/orchestrator/internal/adapter/observability"
	"github.com/creatorplane/orchestrator/internal/adapter/queue/redpanda"
	"github.com/creatorplane/orchestrator/internal/adapter/repo/postgres"
	"github.com/creatorplane/orchestrator/internal/app"
	"github.com/creatorplane/orchestrator/internal/config"
	"github.com/creatorplane/orchestrator/internal/domain"
	"github.com/creatorplane/orchestrator/internal/gateway"
	"github.com/creatorplane/orchestrator/internal/service/apikey"
	"github.com/creatorplane/orchestrator/internal/service/ratelimiter"
	"github.com/creatorplane/orchestrator/internal/service/retryexec"
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

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns, cfg.DBMaxIdleTime)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	keyRepo := postgres.NewKeyRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	runRepo := postgres.NewRunRepo(pool)
	eventRepo := postgres.NewWebhookEventRepo(pool)

	if cfg.DataRetentionDays > 0 {
		cleanup := postgres.NewCleanup(pool, cfg.DataRetentionDays, cfg.CleanupInterval)
		go cleanup.Start(ctx)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Redis backs the distributed per-key platform rate limits. Without it
	// the limiters fall back to in-process fixed windows.
	var rdb *redis.Client
	if opts, err := redis.ParseURL(cfg.RedisURL); err != nil {
		slog.Warn("redis url invalid, using in-process rate limits", slog.Any("error", err))
	} else {
		rdb = redis.NewClient(opts)
	}

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

	keys := apikey.NewManager(keyRepo)
	defer keys.Close()

	limiters := make(map[string]ratelimiter.Limiter, len(config.Platforms()))
	for _, platform := range config.Platforms() {
		pc, _ := cfg.Platform(platform)
		keyGen := func(p string) ratelimiter.KeyGen {
			return func(identifier string) string { return "rl:" + p + ":" + identifier }
		}(platform)
		if rdb != nil {
			limiters[platform] = ratelimiter.NewRedisSlidingWindow(rdb, pc.Window(), pc.RateMaxRequests, keyGen)
		} else {
			limiters[platform] = ratelimiter.NewFixedWindow(pc.Window(), pc.RateMaxRequests, keyGen)
		}
	}

	router := gateway.NewRouter()
	routes := gateway.DefaultRoutes(config.Platforms())
	if cfg.RoutesFile != "" {
		loaded, err := gateway.LoadRoutes(cfg.RoutesFile)
		if err != nil {
			slog.Error("routes file load failed", slog.String("file", cfg.RoutesFile), slog.Any("error", err))
			os.Exit(1)
		}
		routes = loaded
	}
	for _, rt := range routes {
		router.Register(rt)
	}
	for _, platform := range config.Platforms() {
		router.RegisterHandler(platform, platformHandler(cfg, producer))
	}

	orch := gateway.NewOrchestrator(gateway.OrchestratorParams{
		Keys:     keys,
		Limiters: limiters,
		Router:   router,
		Retry: retryexec.New(retryexec.Options{
			MaxRetries:   cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   cfg.RetryMultiplier,
			Jitter:       cfg.RetryJitter,
		}),
		Breakers: observability.NewCircuitBreakerManager(),
	})

	var kafkaPing *kgo.Client
	if c, err := kgo.NewClient(kgo.SeedBrokers(cfg.KafkaBrokers...)); err == nil {
		kafkaPing = c
		defer c.Close()
	}
	dbCheck, redisCheck, kafkaCheck := app.BuildReadinessChecks(pool, rdb, kafkaPing)

	srv := &httpserver.Server{
		Cfg:          cfg,
		Orchestrator: orch,
		Enqueuer:     producer,
		Jobs:         jobRepo,
		Runs:         runRepo,
		Events:       eventRepo,
		Keys:         keys,
		QueueHealth:  redpanda.NewHealthChecker(jobRepo, map[string]*redpanda.QueueStats{}, false),
		DBCheck:      dbCheck,
		RedisCheck:   redisCheck,
		KafkaCheck:   kafkaCheck,
	}

	handler := app.BuildRouter(cfg, srv)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// platformHandler turns a routed gateway request into a queued scrape job.
// The response is an acceptance record; results arrive via webhook later.
func platformHandler(cfg config.Config, enqueuer domain.Enqueuer) gateway.Handler {
	return func(ctx domain.Context, req *gateway.Request, route gateway.Route) (*gateway.Response, error) {
		pc, ok := cfg.Platform(req.Platform)
		if !ok || pc.ActorID == "" {
			return nil, fmt.Errorf("op=platformHandler: no actor for %s: %w", req.Platform, domain.ErrHandlerNotFound)
		}

		input := make(map[string]any, len(req.Params)+1)
		for k, v := range req.Params {
			input[k] = v
		}
		if len(req.Body) > 0 {
			var body map[string]any
			if err := json.Unmarshal(req.Body, &body); err == nil {
				for k, v := range body {
					input[k] = v
				}
			}
		}
		input["endpoint"] = route.TargetEndpoint

		job := domain.Job{
			Queue: redpanda.QueueScraping,
			Name:  req.Platform + "-scrape",
			Data: domain.JobData{
				Platform: req.Platform,
				ActorID:  pc.ActorID,
				Input:    input,
				UserID:   req.UserID,
			},
		}
		id, err := enqueuer.Enqueue(ctx, redpanda.QueueScraping, job)
		if err != nil {
			return nil, err
		}

		data, _ := json.Marshal(map[string]string{
			"jobId":  id,
			"queue":  redpanda.QueueScraping,
			"status": string(domain.JobWaiting),
		})
		return &gateway.Response{Data: data, Status: http.StatusAccepted}, nil
	}
}
