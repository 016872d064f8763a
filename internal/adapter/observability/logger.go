package observability

import (
	"log/slog"
	"os"

	"github.com/creatorplane/orchestrator/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Dev runs at debug, test
// runs at warn to keep suite output readable, everything else at info.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case cfg.IsDev():
		level = slog.LevelDebug
	case cfg.IsTest():
		level = slog.LevelWarn
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}

// MaskKey renders an API key safe for logs: first and last four characters
// with the middle elided.
func MaskKey(raw string) string {
	if len(raw) <= 8 {
		return "xxxx...xxxx"
	}
	return raw[:4] + "..." + raw[len(raw)-4:]
}
