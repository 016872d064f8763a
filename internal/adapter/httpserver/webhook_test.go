package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorplane/orchestrator/internal/config"
	"github.com/creatorplane/orchestrator/internal/domain"
	"github.com/creatorplane/orchestrator/internal/webhook"
)

type memEventRepo struct {
	mu     sync.Mutex
	events map[string]domain.WebhookEvent
	nextID int
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{events: map[string]domain.WebhookEvent{}}
}

func (r *memEventRepo) Create(_ domain.Context, e domain.WebhookEvent) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e.ID = fmt.Sprintf("evt-%d", r.nextID)
	r.events[e.ID] = e
	return e.ID, nil
}

func (r *memEventRepo) Get(_ domain.Context, id string) (domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return domain.WebhookEvent{}, domain.ErrNotFound
	}
	return e, nil
}

func (r *memEventRepo) MarkProcessing(_ domain.Context, id string) (domain.WebhookEvent, error) {
	return domain.WebhookEvent{}, domain.ErrConflict
}

func (r *memEventRepo) MarkCompleted(domain.Context, string, time.Time) error     { return nil }
func (r *memEventRepo) MarkRetry(domain.Context, string, time.Time, string) error { return nil }
func (r *memEventRepo) MarkDeadLetter(domain.Context, string, string) error       { return nil }

func (r *memEventRepo) ListDue(domain.Context, time.Time, int) ([]domain.WebhookEvent, error) {
	return nil, nil
}
func (r *memEventRepo) CountDeadLetters(domain.Context) (int, error) { return 0, nil }
func (r *memEventRepo) ListDeadLetters(domain.Context, int) ([]domain.WebhookEvent, error) {
	return nil, nil
}
func (r *memEventRepo) Requeue(domain.Context, string) error { return nil }

func newWebhookRig(secret, appEnv string) (*memEventRepo, http.Handler) {
	events := newMemEventRepo()
	s := &Server{
		Cfg: config.Config{
			AppEnv:             appEnv,
			WebhookSecret:      secret,
			WebhookMaxAttempts: 3,
		},
		Events: events,
	}
	r := chi.NewRouter()
	r.Post("/webhooks/{provider}", s.WebhookHandler())
	return events, r
}

func webhookBody(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"eventType": domain.EventRunSucceeded,
		"resource":  map[string]any{"id": "run-1", "defaultDatasetId": "ds-1"},
	})
	require.NoError(t, err)
	return b
}

func TestWebhookIngressAcceptsSignedPayload(t *testing.T) {
	events, router := newWebhookRig("topsecret", "prod")
	body := webhookBody(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/apify", bytes.NewReader(body))
	req.Header.Set("Apify-Webhook-Signature", webhook.Sign("topsecret", body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])

	stored, err := events.Get(req.Context(), resp["eventId"])
	require.NoError(t, err)
	assert.Equal(t, "apify", stored.Provider)
	assert.Equal(t, domain.EventRunSucceeded, stored.EventType)
	assert.Equal(t, domain.WebhookPending, stored.Status)
	assert.Equal(t, 3, stored.MaxAttempts)
}

func TestWebhookIngressRejectsBadSignature(t *testing.T) {
	events, router := newWebhookRig("topsecret", "prod")
	body := webhookBody(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/apify", bytes.NewReader(body))
	req.Header.Set("Apify-Webhook-Signature", webhook.Sign("wrong-secret", body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, events.events)
}

func TestWebhookIngressRejectsMissingSignature(t *testing.T) {
	_, router := newWebhookRig("topsecret", "prod")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/apify", bytes.NewReader(webhookBody(t)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookIngressUnsignedDevOnly(t *testing.T) {
	_, devRouter := newWebhookRig("", "dev")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/apify", bytes.NewReader(webhookBody(t)))
	rec := httptest.NewRecorder()
	devRouter.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "dev accepts unsigned ingress")

	_, prodRouter := newWebhookRig("", "prod")
	req = httptest.NewRequest(http.MethodPost, "/webhooks/apify", bytes.NewReader(webhookBody(t)))
	rec = httptest.NewRecorder()
	prodRouter.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "prod refuses to run without a secret")
}

func TestWebhookIngressRejectsNonJSON(t *testing.T) {
	_, router := newWebhookRig("topsecret", "prod")
	body := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a} // PNG magic

	req := httptest.NewRequest(http.MethodPost, "/webhooks/apify", bytes.NewReader(body))
	req.Header.Set("Apify-Webhook-Signature", webhook.Sign("topsecret", body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookIngressRequiresEventType(t *testing.T) {
	_, router := newWebhookRig("topsecret", "prod")
	body := []byte(`{"resource":{"id":"run-1"}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/apify", bytes.NewReader(body))
	req.Header.Set("Apify-Webhook-Signature", webhook.Sign("topsecret", body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
