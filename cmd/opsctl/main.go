// Command opsctl is the operator CLI: API key management, queue inspection,
// pausing and cleaning, webhook dead-letter requeue, dependency health, and
// an operational metrics snapshot.
//
// Exit codes follow sysexits: 0 success, 64 usage, 65 data error,
// 69 service unavailable, 70 internal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/creatorplane/orchestrator/internal/adapter/observability"
	"github.com/creatorplane/orchestrator/internal/adapter/queue/redpanda"
	"github.com/creatorplane/orchestrator/internal/adapter/repo/postgres"
	"github.com/creatorplane/orchestrator/internal/config"
	"github.com/creatorplane/orchestrator/internal/domain"
	"github.com/creatorplane/orchestrator/internal/service/apikey"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitData        = 65
	exitUnavailable = 69
	exitInternal    = 70
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitUsage
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "key":
		return keyCmd(ctx, cfg, args[1:])
	case "queue":
		return queueCmd(ctx, cfg, args[1:])
	case "webhook":
		return webhookCmd(ctx, cfg, args[1:])
	case "health":
		return healthCmd(ctx, cfg)
	case "metrics":
		return metricsCmd(ctx, cfg)
	default:
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: opsctl <command> [args]

commands:
  key create -name NAME -permissions P1,P2 [-expires DUR]
  key rotate ID
  key revoke ID [-reason TEXT]
  queue stats [QUEUE]
  queue pause QUEUE
  queue resume QUEUE
  queue clean QUEUE
  webhook dlq [-limit N]
  webhook requeue EVENT_ID
  webhook retry-dlq [-limit N]
  health
  metrics`)
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrConflict):
		return exitData
	case errors.Is(err, domain.ErrServiceUnavailable),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return exitUnavailable
	default:
		return exitInternal
	}
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return exitCodeFor(err)
}

func openPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, func(), int) {
	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns, cfg.DBMaxIdleTime)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db connect:", err)
		return nil, nil, exitUnavailable
	}
	return pool, pool.Close, exitOK
}

func keyCmd(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) < 1 {
		usage()
		return exitUsage
	}
	pool, closePool, code := openPool(ctx, cfg)
	if code != exitOK {
		return code
	}
	defer closePool()
	keys := apikey.NewManager(postgres.NewKeyRepo(pool))
	defer keys.Close()

	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("key create", flag.ContinueOnError)
		name := fs.String("name", "", "key name")
		perms := fs.String("permissions", "", "comma-separated permissions")
		expires := fs.Duration("expires", 0, "validity window, zero for no expiry")
		if err := fs.Parse(args[1:]); err != nil || *name == "" || *perms == "" {
			usage()
			return exitUsage
		}
		params := apikey.CreateParams{Name: *name, Permissions: splitCSV(*perms)}
		if *expires > 0 {
			at := time.Now().UTC().Add(*expires)
			params.ExpiresAt = &at
		}
		key, raw, err := keys.Create(ctx, params)
		if err != nil {
			return fail(err)
		}
		printJSON(map[string]any{"id": key.ID, "name": key.Name, "key": raw})
		return exitOK

	case "rotate":
		if len(args) < 2 {
			usage()
			return exitUsage
		}
		key, raw, err := keys.Rotate(ctx, args[1])
		if err != nil {
			return fail(err)
		}
		printJSON(map[string]any{"id": key.ID, "name": key.Name, "key": raw})
		return exitOK

	case "revoke":
		if len(args) < 2 {
			usage()
			return exitUsage
		}
		fs := flag.NewFlagSet("key revoke", flag.ContinueOnError)
		reason := fs.String("reason", "", "revocation reason")
		_ = fs.Parse(args[2:])
		if err := keys.Revoke(ctx, args[1], *reason); err != nil {
			return fail(err)
		}
		fmt.Println("revoked", args[1])
		return exitOK
	}
	usage()
	return exitUsage
}

func queueCmd(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) < 1 {
		usage()
		return exitUsage
	}
	pool, closePool, code := openPool(ctx, cfg)
	if code != exitOK {
		return code
	}
	defer closePool()
	jobRepo := postgres.NewJobRepo(pool)

	switch args[0] {
	case "stats":
		queue := ""
		if len(args) > 1 {
			queue = args[1]
		}
		counts, err := jobRepo.CountByStatus(ctx, queue)
		if err != nil {
			return fail(err)
		}
		printJSON(counts)
		return exitOK

	case "pause", "resume":
		if len(args) < 2 {
			usage()
			return exitUsage
		}
		queue := args[1]
		if !knownQueue(queue) {
			fmt.Fprintln(os.Stderr, "unknown queue:", queue)
			return exitData
		}
		paused := args[0] == "pause"
		if err := postgres.NewQueueControlRepo(pool).SetPaused(ctx, queue, paused); err != nil {
			return fail(err)
		}
		if paused {
			fmt.Println("paused", queue)
		} else {
			fmt.Println("resumed", queue)
		}
		return exitOK

	case "clean":
		if len(args) < 2 {
			usage()
			return exitUsage
		}
		removed, err := jobRepo.CleanTerminal(ctx, args[1])
		if err != nil {
			return fail(err)
		}
		fmt.Printf("removed %d terminal jobs from %s\n", removed, args[1])
		return exitOK
	}
	usage()
	return exitUsage
}

func knownQueue(name string) bool {
	for _, q := range redpanda.QueueNames() {
		if q == name {
			return true
		}
	}
	return false
}

func webhookCmd(ctx context.Context, cfg config.Config, args []string) int {
	if len(args) < 1 {
		usage()
		return exitUsage
	}
	pool, closePool, code := openPool(ctx, cfg)
	if code != exitOK {
		return code
	}
	defer closePool()
	eventRepo := postgres.NewWebhookEventRepo(pool)

	switch args[0] {
	case "dlq":
		fs := flag.NewFlagSet("webhook dlq", flag.ContinueOnError)
		limit := fs.Int("limit", 50, "maximum events to list")
		_ = fs.Parse(args[1:])
		events, err := eventRepo.ListDeadLetters(ctx, *limit)
		if err != nil {
			return fail(err)
		}
		for _, e := range events {
			fmt.Printf("%s\t%s\t%s\tattempts=%d\t%s\n", e.ID, e.Provider, e.EventType, e.Attempts, e.Error)
		}
		fmt.Fprintf(os.Stderr, "%d dead-lettered events\n", len(events))
		return exitOK

	case "requeue":
		if len(args) < 2 {
			usage()
			return exitUsage
		}
		if err := eventRepo.Requeue(ctx, args[1]); err != nil {
			return fail(err)
		}
		fmt.Println("requeued", args[1])
		return exitOK

	case "retry-dlq":
		fs := flag.NewFlagSet("webhook retry-dlq", flag.ContinueOnError)
		limit := fs.Int("limit", 100, "maximum events to requeue")
		_ = fs.Parse(args[1:])
		events, err := eventRepo.ListDeadLetters(ctx, *limit)
		if err != nil {
			return fail(err)
		}
		var requeued int
		for _, e := range events {
			if err := eventRepo.Requeue(ctx, e.ID); err != nil {
				fmt.Fprintf(os.Stderr, "requeue %s: %v\n", e.ID, err)
				continue
			}
			requeued++
		}
		fmt.Printf("requeued %d of %d dead-lettered events\n", requeued, len(events))
		if requeued < len(events) {
			return exitInternal
		}
		return exitOK
	}
	usage()
	return exitUsage
}

func healthCmd(ctx context.Context, cfg config.Config) int {
	worst := exitOK

	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns, cfg.DBMaxIdleTime)
	if err != nil {
		fmt.Println("db: unreachable:", err)
		worst = exitUnavailable
	} else {
		fmt.Println("db: ok")
		pool.Close()
	}

	kc, err := kgo.NewClient(kgo.SeedBrokers(cfg.KafkaBrokers...), kgo.DialTimeout(5*time.Second))
	if err == nil {
		err = kc.Ping(ctx)
		kc.Close()
	}
	if err != nil {
		fmt.Println("kafka: unreachable:", err)
		worst = exitUnavailable
	} else {
		fmt.Println("kafka: ok")
	}
	return worst
}

// metricsCmd prints a point-in-time operational snapshot: per-queue job
// counts, the webhook dead-letter depth, and any paused queues.
func metricsCmd(ctx context.Context, cfg config.Config) int {
	pool, closePool, code := openPool(ctx, cfg)
	if code != exitOK {
		return code
	}
	defer closePool()

	jobRepo := postgres.NewJobRepo(pool)
	queues := make(map[string]map[domain.JobStatus]int, len(redpanda.QueueNames()))
	for _, q := range redpanda.QueueNames() {
		counts, err := jobRepo.CountByStatus(ctx, q)
		if err != nil {
			return fail(err)
		}
		queues[q] = counts
	}

	deadLetters, err := postgres.NewWebhookEventRepo(pool).CountDeadLetters(ctx)
	if err != nil {
		return fail(err)
	}
	paused, err := postgres.NewQueueControlRepo(pool).ListPaused(ctx)
	if err != nil {
		return fail(err)
	}

	printJSON(map[string]any{
		"queues":               queues,
		"webhook_dead_letters": deadLetters,
		"paused_queues":        paused,
	})
	return exitOK
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
