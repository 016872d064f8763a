package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorplane/orchestrator/internal/domain"
	"github.com/creatorplane/orchestrator/internal/gateway"
	"github.com/creatorplane/orchestrator/internal/service/ratelimiter"
)

func TestStatusForCode(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{gateway.CodeInvalidAPIKey, http.StatusUnauthorized},
		{gateway.CodeForbidden, http.StatusForbidden},
		{gateway.CodeRouteNotFound, http.StatusNotFound},
		{gateway.CodeNotFound, http.StatusNotFound},
		{gateway.CodeHandlerNotFound, http.StatusInternalServerError},
		{gateway.CodeRateLimitExceeded, http.StatusTooManyRequests},
		{gateway.CodeCircuitBreakerOpen, http.StatusServiceUnavailable},
		{gateway.CodeServiceUnavailable, http.StatusServiceUnavailable},
		{gateway.CodeTimeout, http.StatusRequestTimeout},
		{gateway.CodePlatformError, http.StatusBadGateway},
		{gateway.CodeValidation, http.StatusBadRequest},
		{gateway.CodeConflict, http.StatusConflict},
		{gateway.CodeInternalError, http.StatusInternalServerError},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			assert.Equal(t, tc.want, statusForCode(tc.code))
		})
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil)
	req.Header.Set("X-Request-Id", "req-1")

	writeError(rec, req, fmt.Errorf("job missing: %w", domain.ErrNotFound))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, gateway.CodeNotFound, env.Error.Code)
	assert.Equal(t, "req-1", env.Error.RequestID)
	assert.Contains(t, env.Error.Message, "job missing")
}

func TestWriteErrorTimeoutAndHandlerStatuses(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	writeError(rec, req, fmt.Errorf("dataset fetch: %w", domain.ErrTimeout))
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)

	rec = httptest.NewRecorder()
	writeError(rec, req, fmt.Errorf("platform myspace: %w", domain.ErrHandlerNotFound))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWriteErrorSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	err := &gateway.RateLimitError{
		Platform: "instagram",
		Result:   ratelimiter.Result{RetryAfter: 42 * time.Second},
	}
	writeError(rec, req, err)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
}

func TestWriteErrorRetryAfterFloor(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	err := &gateway.RateLimitError{
		Platform: "instagram",
		Result:   ratelimiter.Result{RetryAfter: 100 * time.Millisecond},
	}
	writeError(rec, req, err)

	assert.Equal(t, "1", rec.Header().Get("Retry-After"), "sub-second hints round up to one")
}

func TestWriteErrorNoRetryAfterOnPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	writeError(rec, req, domain.ErrServiceUnavailable)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}
