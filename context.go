package workflow

import (
	"context"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey     ContextKey = "logger"
	InstanceIDContextKey ContextKey = "instance_id"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, InstanceIDContextKey, id)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

// LoggerFromContext returns the context logger or a discard logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := GetLoggerFromContext(ctx); ok && logger != nil {
		return logger
	}
	return discardLogger()
}

func GetInstanceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(InstanceIDContextKey).(string)
	return id, ok
}
