// Package observability wires the ambient logging, tracing and metrics
// stack intentd carries regardless of which domain features are in
// scope (spec.md Non-goals exclude functionality, never the ambient
// stack — see SPEC_FULL.md). Logging follows the teacher's cmd/helm
// log/slog usage; tracing and metrics are the domain-stack additions
// SPEC_FULL.md calls for (OpenTelemetry + Prometheus, both already in
// the teacher's pack).
package observability

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide structured logger, one JSON handler
// per process as SPEC_FULL.md's ambient logging section specifies.
func NewLogger(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(h)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
