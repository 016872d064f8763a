package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). The HTTP layer maps these onto the stable
// wire codes and status codes.
var (
	ErrInvalidAPIKey      = errors.New("invalid api key")
	ErrForbidden          = errors.New("forbidden")
	ErrRouteNotFound      = errors.New("route not found")
	ErrHandlerNotFound    = errors.New("handler not found")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("timeout")
	ErrPlatform           = errors.New("platform error")
	ErrNotFound           = errors.New("not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal error")
)

// APIKey is an authenticated caller identity. The raw key is returned exactly
// once at creation; only its SHA-256 is stored.
type APIKey struct {
	ID          string
	HashedKey   string
	Name        string
	Permissions []string
	RateLimits  RateLimits
	CreatedAt   time.Time
	LastUsedAt  *time.Time
	ExpiresAt   *time.Time
	IsActive    bool
	Metadata    map[string]string
}

// RateLimits are optional caller-scoped quota overrides.
type RateLimits struct {
	PerHour  *int
	PerDay   *int
	PerMonth *int
}

// Valid reports whether the key may be used at the given instant.
func (k APIKey) Valid(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// HasPermission checks a required permission against the key's grant list.
// A "*" grant matches everything.
func (k APIKey) HasPermission(required string) bool {
	for _, p := range k.Permissions {
		if p == "*" || p == required {
			return true
		}
	}
	return false
}

// JobStatus enumerates the queue lifecycle of a scrape job.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobDelayed   JobStatus = "delayed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

// JobData is the typed payload dispatched to a queue worker.
type JobData struct {
	Platform string            `json:"platform"`
	ActorID  string            `json:"actor_id"`
	Input    map[string]any    `json:"input"`
	UserID   string            `json:"user_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// RequestID correlates worker logs with the originating HTTP request.
	RequestID string `json:"request_id,omitempty"`
}

// Job is a unit of queued work. Invariants: AttemptsMade <= MaxAttempts;
// higher Priority schedules first; a delayed job becomes waiting at DelayUntil.
type Job struct {
	ID           string
	Queue        string
	Name         string
	Priority     int
	Data         JobData
	AttemptsMade int
	MaxAttempts  int
	DelayUntil   *time.Time
	Status       JobStatus
	CreatedAt    time.Time
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
	FailedReason string
}

// Terminal reports whether the job has left the queue's ownership.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed || j.Status == JobDead
}

// RunStatus enumerates actor run states.
type RunStatus string

const (
	RunReady     RunStatus = "READY"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunTimedOut  RunStatus = "TIMED_OUT"
	RunAborted   RunStatus = "ABORTED"
	RunAborting  RunStatus = "ABORTING"
)

// IsTerminal reports whether the status is final. Once terminal, a run's
// status never changes.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunTimedOut, RunAborted:
		return true
	}
	return false
}

// RunStats carries resource usage reported by the remote runner.
type RunStats struct {
	ItemsProcessed int     `json:"items_processed"`
	ComputeUnits   float64 `json:"compute_units"`
	MemAvgBytes    int64   `json:"mem_avg_bytes"`
	CostUSD        float64 `json:"cost_usd"`
}

// ActorRun is a single invocation of a remote actor.
type ActorRun struct {
	ID              string
	ActorID         string
	Platform        string
	Status          RunStatus
	StartedAt       time.Time
	FinishedAt      *time.Time
	DatasetID       string
	KeyValueStoreID string
	ExitCode        *int
	Stats           *RunStats
}

// WebhookStatus enumerates webhook event processing states.
type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "pending"
	WebhookProcessing WebhookStatus = "processing"
	WebhookCompleted  WebhookStatus = "completed"
	WebhookFailed     WebhookStatus = "failed"
	WebhookDeadLetter WebhookStatus = "dead_letter"
)

// WebhookEvent is a received provider callback, owned by the ingress until it
// completes or dead-letters.
type WebhookEvent struct {
	ID          string
	Provider    string
	EventType   string
	Payload     []byte
	Signature   string
	Status      WebhookStatus
	Attempts    int
	MaxAttempts int
	NextRetryAt *time.Time
	CreatedAt   time.Time
	ProcessedAt *time.Time
	Error       string
}

// Webhook event types emitted by the actor service.
const (
	EventRunSucceeded = "ACTOR.RUN.SUCCEEDED"
	EventRunFailed    = "ACTOR.RUN.FAILED"
	EventRunAborted   = "ACTOR.RUN.ABORTED"
	EventRunTimedOut  = "ACTOR.RUN.TIMED_OUT"
)

// Repositories (ports)

type APIKeyRepository interface {
	Create(ctx Context, k APIKey) error
	GetByHash(ctx Context, hashedKey string) (APIKey, error)
	Get(ctx Context, id string) (APIKey, error)
	Update(ctx Context, k APIKey) error
	TouchLastUsed(ctx Context, id string, at time.Time) error
	// Rotate atomically creates the replacement key and deactivates the old one.
	Rotate(ctx Context, oldID string, replacement APIKey) error
}

type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	UpdateStatus(ctx Context, id string, status JobStatus, failedReason *string) error
	SetDelayUntil(ctx Context, id string, at time.Time) error
	MarkActive(ctx Context, id string, at time.Time) error
	MarkFinished(ctx Context, id string, status JobStatus, at time.Time, failedReason *string) error
	IncrementAttempts(ctx Context, id string) (int, error)
	// ClaimNextWaiting atomically takes the highest-priority waiting job
	// (FIFO within a priority class), marking it active with one more
	// attempt. ErrNotFound when the queue has no waiting jobs.
	ClaimNextWaiting(ctx Context, queue string, at time.Time) (Job, error)
	ListWithFilters(ctx Context, offset, limit int, queue string, status string) ([]Job, error)
	CountByStatus(ctx Context, queue string) (map[JobStatus]int, error)
	// Remove deletes a job that has not yet gone active (remote cancel).
	Remove(ctx Context, id string) error
}

// QueueControlRepository stores operator-set pause flags. Workers poll it
// and reconcile their consumers against the stored state.
type QueueControlRepository interface {
	SetPaused(ctx Context, queue string, paused bool) error
	IsPaused(ctx Context, queue string) (bool, error)
	ListPaused(ctx Context) ([]string, error)
}

type RunRepository interface {
	Upsert(ctx Context, r ActorRun) error
	Get(ctx Context, id string) (ActorRun, error)
	// AdvanceStatus applies the terminal-state lattice: a terminal stored
	// status is never regressed. Returns the resulting run.
	AdvanceStatus(ctx Context, id string, status RunStatus, finishedAt *time.Time) (ActorRun, error)
	ListActive(ctx Context) ([]ActorRun, error)
}

type WebhookEventRepository interface {
	Create(ctx Context, e WebhookEvent) (string, error)
	Get(ctx Context, id string) (WebhookEvent, error)
	MarkProcessing(ctx Context, id string) (WebhookEvent, error)
	MarkCompleted(ctx Context, id string, at time.Time) error
	MarkRetry(ctx Context, id string, nextRetryAt time.Time, errMsg string) error
	MarkDeadLetter(ctx Context, id string, errMsg string) error
	ListDue(ctx Context, now time.Time, limit int) ([]WebhookEvent, error)
	CountDeadLetters(ctx Context) (int, error)
	ListDeadLetters(ctx Context, limit int) ([]WebhookEvent, error)
	// Requeue resets a dead-lettered event for another processing round.
	Requeue(ctx Context, id string) error
}

type CreatorRepository interface {
	// Upsert keys on platform identifiers so duplicate webhook deliveries
	// converge on one record.
	Upsert(ctx Context, c UnifiedCreator) (string, error)
	FindByIdentifier(ctx Context, platformKey, value string) (UnifiedCreator, error)
	FindByName(ctx Context, name string) ([]UnifiedCreator, error)
}

// Enqueuer is the narrow queue interface handed to components that only
// produce work. It breaks the queue/handler/tracker dependency cycle.
type Enqueuer interface {
	Enqueue(ctx Context, queue string, job Job) (string, error)
}

// RunObserver receives run status changes from the tracker or webhook flow.
type RunObserver interface {
	RunStatusChanged(ctx Context, run ActorRun)
}

// Context is an alias so domain signatures stay decoupled from net/http
// plumbing; adapters pass context.Context through.
type Context = context.Context
