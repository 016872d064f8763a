// Package actor wraps the remote actor execution service: starting runs,
// polling them to a terminal state, fetching datasets and key-value records,
// and registering webhooks.
package actor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/creatorplane/orchestrator/internal/adapter/observability"
	"github.com/creatorplane/orchestrator/internal/domain"
	obsctx "github.com/creatorplane/orchestrator/internal/observability"
)

// pollInterval is how often WaitForFinish queries the remote runner.
const pollInterval = 2 * time.Second

// datasetPageLimit is the page size ListAllDataset requests.
const datasetPageLimit = 1000

// Error is a structured failure from the actor service.
type Error struct {
	Type       string
	StatusCode int
	Details    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("actor service %s (status %d): %s", e.Type, e.StatusCode, e.Details)
	}
	return fmt.Sprintf("actor service %s: %s", e.Type, e.Details)
}

// HTTPStatus lets the retry executor classify the failure.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// RetryAfterHint exposes the server-provided wait, when present.
func (e *Error) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.RetryAfter > 0
}

func (e *Error) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case e.StatusCode == http.StatusRequestTimeout:
		return domain.ErrTimeout
	case e.StatusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case e.StatusCode >= 500:
		return domain.ErrServiceUnavailable
	case e.StatusCode >= 400:
		return domain.ErrPlatform
	}
	return domain.ErrPlatform
}

// runEnvelope is the wire shape of a run resource.
type runEnvelope struct {
	Data struct {
		ID                      string  `json:"id"`
		ActID                   string  `json:"actId"`
		Status                  string  `json:"status"`
		StartedAt               string  `json:"startedAt"`
		FinishedAt              string  `json:"finishedAt"`
		DefaultDatasetID        string  `json:"defaultDatasetId"`
		DefaultKeyValueStoreID  string  `json:"defaultKeyValueStoreId"`
		ExitCode                *int    `json:"exitCode"`
		Stats                   *struct {
			ItemCount    int     `json:"itemCount"`
			ComputeUnits float64 `json:"computeUnits"`
			MemAvgBytes  int64   `json:"memAvgBytes"`
			CostUSD      float64 `json:"usageTotalUsd"`
		} `json:"stats"`
	} `json:"data"`
}

// DatasetPage is one page of dataset items.
type DatasetPage struct {
	Items  []domain.RawItem `json:"items"`
	Offset int              `json:"offset"`
	Count  int              `json:"count"`
	Total  int              `json:"total"`
}

// WebhookRegistration describes a webhook to register for an actor.
type WebhookRegistration struct {
	EventTypes      []string        `json:"eventTypes"`
	RequestURL      string          `json:"requestUrl"`
	PayloadTemplate string          `json:"payloadTemplate,omitempty"`
	Condition       json.RawMessage `json:"condition,omitempty"`
}

// Client talks to the remote actor runner over HTTP.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	now     func() time.Time
}

// New constructs an actor client with an instrumented transport.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

// Start launches a run of the actor with the given input.
func (c *Client) Start(ctx domain.Context, actorID string, input map[string]any) (domain.ActorRun, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return domain.ActorRun{}, fmt.Errorf("op=actor.Start: %w", err)
	}
	var env runEnvelope
	if err := c.do(ctx, "start", http.MethodPost, "/acts/"+url.PathEscape(actorID)+"/runs", nil, body, &env); err != nil {
		return domain.ActorRun{}, err
	}
	return toRun(env), nil
}

// Get fetches the current state of a run.
func (c *Client) Get(ctx domain.Context, runID string) (domain.ActorRun, error) {
	var env runEnvelope
	if err := c.do(ctx, "get", http.MethodGet, "/actor-runs/"+url.PathEscape(runID), nil, nil, &env); err != nil {
		return domain.ActorRun{}, err
	}
	return toRun(env), nil
}

// WaitForFinish polls the run every two seconds until it reaches a terminal
// status or the deadline passes, in which case a TIMEOUT error surfaces.
func (c *Client) WaitForFinish(ctx domain.Context, runID string, maxWait time.Duration) (domain.ActorRun, error) {
	deadline := c.now().Add(maxWait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		run, err := c.Get(ctx, runID)
		if err != nil {
			return domain.ActorRun{}, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		if c.now().After(deadline) {
			return run, fmt.Errorf("op=actor.WaitForFinish: run %s still %s after %s: %w",
				runID, run.Status, maxWait, domain.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Abort requests the run be stopped.
func (c *Client) Abort(ctx domain.Context, runID string) (domain.ActorRun, error) {
	var env runEnvelope
	if err := c.do(ctx, "abort", http.MethodPost, "/actor-runs/"+url.PathEscape(runID)+"/abort", nil, nil, &env); err != nil {
		return domain.ActorRun{}, err
	}
	return toRun(env), nil
}

// ListDataset fetches one page of dataset items.
func (c *Client) ListDataset(ctx domain.Context, datasetID string, offset, limit int) (DatasetPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("clean", "true")

	var page struct {
		Data DatasetPage `json:"data"`
	}
	if err := c.do(ctx, "list_dataset", http.MethodGet, "/datasets/"+url.PathEscape(datasetID)+"/items", q, nil, &page); err != nil {
		return DatasetPage{}, err
	}
	return page.Data, nil
}

// ListAllDataset pages through the whole dataset.
func (c *Client) ListAllDataset(ctx domain.Context, datasetID string) ([]domain.RawItem, error) {
	var items []domain.RawItem
	offset := 0
	for {
		page, err := c.ListDataset(ctx, datasetID, offset, datasetPageLimit)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		offset += len(page.Items)
		if len(page.Items) < datasetPageLimit || (page.Total > 0 && offset >= page.Total) {
			return items, nil
		}
	}
}

// GetStoreRecord fetches a key-value store record as raw JSON.
func (c *Client) GetStoreRecord(ctx domain.Context, storeID, key string) (json.RawMessage, error) {
	var out json.RawMessage
	path := "/key-value-stores/" + url.PathEscape(storeID) + "/records/" + url.PathEscape(key)
	if err := c.do(ctx, "get_store_record", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterWebhook registers a webhook for the actor's run events.
func (c *Client) RegisterWebhook(ctx domain.Context, actorID string, reg WebhookRegistration) error {
	payload := struct {
		WebhookRegistration
		Condition map[string]string `json:"condition"`
	}{
		WebhookRegistration: reg,
		Condition:           map[string]string{"actorId": actorID},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=actor.RegisterWebhook: %w", err)
	}
	return c.do(ctx, "register_webhook", http.MethodPost, "/webhooks", nil, body, nil)
}

func (c *Client) do(ctx domain.Context, operation, method, path string, query url.Values, body []byte, out any) error {
	start := c.now()
	defer func() {
		observability.ActorRequestsTotal.WithLabelValues(operation).Inc()
		observability.ActorRequestDuration.WithLabelValues(operation).Observe(c.now().Sub(start).Seconds())
	}()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("op=actor.%s: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("op=actor.%s: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("op=actor.%s: read body: %w", operation, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{
			Type:       errorType(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Details:    truncate(string(raw), 512),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		obsctx.LoggerFromContext(ctx).Warn("actor service error",
			"operation", operation, "status", resp.StatusCode)
		return fmt.Errorf("op=actor.%s: %w", operation, apiErr)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("op=actor.%s: decode response: %w", operation, err)
	}
	return nil
}

func toRun(env runEnvelope) domain.ActorRun {
	d := env.Data
	run := domain.ActorRun{
		ID:              d.ID,
		ActorID:         d.ActID,
		Status:          domain.RunStatus(d.Status),
		DatasetID:       d.DefaultDatasetID,
		KeyValueStoreID: d.DefaultKeyValueStoreID,
		ExitCode:        d.ExitCode,
	}
	if t, err := time.Parse(time.RFC3339, d.StartedAt); err == nil {
		run.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339, d.FinishedAt); err == nil {
		run.FinishedAt = &t
	}
	if d.Stats != nil {
		run.Stats = &domain.RunStats{
			ItemsProcessed: d.Stats.ItemCount,
			ComputeUnits:   d.Stats.ComputeUnits,
			MemAvgBytes:    d.Stats.MemAvgBytes,
			CostUSD:        d.Stats.CostUSD,
		}
	}
	return run
}

func errorType(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return "auth"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusRequestTimeout:
		return "timeout"
	case status >= 500:
		return "server"
	default:
		return "client"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
