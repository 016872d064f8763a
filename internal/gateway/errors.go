package gateway

import (
	"context"
	"errors"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// Stable error codes surfaced to callers. Codes are contract; the sentinel
// errors behind them are internal.
const (
	CodeInvalidAPIKey      = "INVALID_API_KEY"
	CodeForbidden          = "FORBIDDEN"
	CodeRouteNotFound      = "ROUTE_NOT_FOUND"
	CodeHandlerNotFound    = "HANDLER_NOT_FOUND"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeCircuitBreakerOpen = "CIRCUIT_BREAKER_OPEN"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
	CodePlatformError      = "PLATFORM_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeValidation         = "VALIDATION_ERROR"
	CodeConflict           = "CONFLICT"
	CodeInternalError      = "INTERNAL_ERROR"
)

// ErrorCode maps any error onto the stable taxonomy. Unknown errors become
// INTERNAL_ERROR so nothing leaks past the gateway untyped.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrInvalidAPIKey):
		return CodeInvalidAPIKey
	case errors.Is(err, domain.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, domain.ErrRouteNotFound):
		return CodeRouteNotFound
	case errors.Is(err, domain.ErrHandlerNotFound):
		return CodeHandlerNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return CodeRateLimitExceeded
	case errors.Is(err, domain.ErrCircuitOpen):
		return CodeCircuitBreakerOpen
	case errors.Is(err, domain.ErrServiceUnavailable):
		return CodeServiceUnavailable
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, domain.ErrPlatform):
		return CodePlatformError
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return CodeValidation
	case errors.Is(err, domain.ErrConflict):
		return CodeConflict
	default:
		return CodeInternalError
	}
}

func domainCode(err error) string { return ErrorCode(err) }
