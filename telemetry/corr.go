package telemetry

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type corrKeyType struct{}

var corrKey corrKeyType

// NewRunID returns a fresh correlation id for one collector/exporter run.
func NewRunID() string { return uuid.NewString() }

// WithCorrelation returns a context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or an empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
