// Package observability carries request-scoped logging metadata through
// context so queue workers and the pipeline can correlate their logs with
// the originating HTTP request.
package observability

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, lg)
}

// LoggerFromContext returns the logger stored in the context. When no logger
// was attached but a request id was, the default logger is annotated with it
// so worker-side log lines stay correlatable.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if lg, ok := ctx.Value(loggerKey).(*slog.Logger); ok && lg != nil {
		return lg
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		return slog.Default().With(slog.String("request_id", rid))
	}
	return slog.Default()
}

// ContextWithRequestID stores a non-empty request id in the context. Job
// payloads carry the id across the queue boundary, so a worker restores it
// here before processing.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request id, or "" when none is present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	rid, _ := ctx.Value(requestIDKey).(string)
	return rid
}
