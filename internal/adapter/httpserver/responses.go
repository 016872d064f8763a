package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/creatorplane/orchestrator/internal/gateway"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// retryAfterHinter is implemented by errors that know how long the caller
// should wait before retrying.
type retryAfterHinter interface {
	RetryAfterHint() (time.Duration, bool)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForCode maps the stable error taxonomy onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case gateway.CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case gateway.CodeForbidden:
		return http.StatusForbidden
	case gateway.CodeRouteNotFound, gateway.CodeNotFound:
		return http.StatusNotFound
	case gateway.CodeHandlerNotFound:
		return http.StatusInternalServerError
	case gateway.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case gateway.CodeCircuitBreakerOpen, gateway.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case gateway.CodeTimeout:
		return http.StatusRequestTimeout
	case gateway.CodePlatformError:
		return http.StatusBadGateway
	case gateway.CodeValidation:
		return http.StatusBadRequest
	case gateway.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError encodes any error as the stable envelope. Rate-limit and
// unavailable responses carry a Retry-After header when the error hints one.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := gateway.ErrorCode(err)
	status := statusForCode(code)

	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		var hinter retryAfterHinter
		if asHinter(err, &hinter) {
			if d, ok := hinter.RetryAfterHint(); ok && d > 0 {
				secs := int(d.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
	}

	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:      code,
		Message:   err.Error(),
		RequestID: r.Header.Get("X-Request-Id"),
	}})
}

// asHinter walks the Unwrap chain looking for a RetryAfterHint implementation.
func asHinter(err error, out *retryAfterHinter) bool {
	for err != nil {
		if h, ok := err.(retryAfterHinter); ok {
			*out = h
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
