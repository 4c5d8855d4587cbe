package observability

import (
	"context"
	"io"
	"log/slog"
)

// OrDiscard returns logger, or a logger that drops everything when logger is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForTransport scopes a logger to one transport backend.
func ForTransport(logger *slog.Logger, transport, topic string) *slog.Logger {
	return OrDiscard(logger).With(
		slog.String("transport", transport),
		slog.String("topic", topic),
	)
}

// LogHandlerSkipped logs a handler that could not be resolved for a dispatch.
func LogHandlerSkipped(ctx context.Context, logger *slog.Logger, key, handlerID string) {
	logger.DebugContext(ctx, "handler unavailable, skipped",
		slog.String("event_key", key),
		slog.String("handler_id", handlerID),
	)
}

// LogDispatchFailed logs a dispatch that returned an error to the transport.
func LogDispatchFailed(ctx context.Context, logger *slog.Logger, eventName string, err error) {
	logger.WarnContext(ctx, "event dispatch failed",
		slog.String("event_name", eventName),
		slog.String("error", err.Error()),
	)
}

// LogUnbindFailed logs a transport that could not tear down a binding.
func LogUnbindFailed(logger *slog.Logger, key string, err error) {
	logger.Warn("transport unbind failed",
		slog.String("event_key", key),
		slog.String("error", err.Error()),
	)
}
