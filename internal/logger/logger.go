// Package logger configures log/slog for the ingestion binaries: a JSON
// handler on stdout tagged with the service name, plus market-scoped trace
// ids carried through context.Context for query correlation.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

type ctxKey struct{}

// Init builds the service logger and installs it as the slog default, so
// package-level slog calls share the handler.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)
	return logger
}

// WithTraceID stores a trace id in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// TraceID extracts the trace id from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID builds a market-scoped trace id.
// Format: "{venue}:{symbol}-{unixNano}".
func GenerateTraceID(venue, symbol string, ts time.Time) string {
	return fmt.Sprintf("%s:%s-%d", venue, symbol, ts.UnixNano())
}

// LogWithTrace returns slog attributes carrying the context's trace id.
// Usage: slog.Info("msg", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	tid := TraceID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("trace_id", tid)}
}
