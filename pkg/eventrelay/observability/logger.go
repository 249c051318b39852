// Package observability provides structured logging, metrics, and tracing
// for the event delivery engine.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event delivery context to a logger.
// Returns a new logger with event_id, event_type, and attempt fields.
func EnrichLogger(logger *slog.Logger, eventID, eventType string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("attempt", attempt),
	)
}

// LogPublish logs that an event was accepted for delivery.
func LogPublish(logger *slog.Logger, eventID, eventType, mode string) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("mode", mode),
	)
}

// LogDispatch logs the outcome of routing one event to its handlers.
func LogDispatch(logger *slog.Logger, eventID, eventType string, handlers, succeeded int) {
	if logger == nil {
		return
	}
	logger.Info("event dispatched",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("handlers", handlers),
		slog.Int("succeeded", succeeded),
	)
}

// LogHandlerFailure logs a contained handler failure.
func LogHandlerFailure(logger *slog.Logger, handlerName, eventID, errorKind, errorMessage string) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("handler", handlerName),
		slog.String("event_id", eventID),
		slog.String("error_kind", errorKind),
		slog.String("error", errorMessage),
	)
}

// LogRetryScheduled logs a deferred re-activation of a failed event.
func LogRetryScheduled(logger *slog.Logger, eventID string, retryCount int, delay time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("event retry scheduled",
		slog.String("event_id", eventID),
		slog.Int("retry_count", retryCount),
		slog.Duration("delay", delay),
	)
}

// LogDeadLetter logs an event routed to the dead-letter state.
func LogDeadLetter(logger *slog.Logger, eventID, eventType, lastError string) {
	if logger == nil {
		return
	}
	logger.Warn("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("last_error", lastError),
	)
}

// LogSweep logs one pass of the background pending-event processor.
func LogSweep(logger *slog.Logger, processed, failed int, duration time.Duration) {
	if logger == nil {
		return
	}
	if processed == 0 && failed == 0 {
		return
	}
	logger.Debug("sweep completed",
		slog.Int("processed", processed),
		slog.Int("failed", failed),
		slog.Duration("duration", duration),
	)
}

// LogCleanup logs a cleanup pass over old records.
func LogCleanup(logger *slog.Logger, purged int, olderThan time.Time) {
	if logger == nil {
		return
	}
	if purged == 0 {
		return
	}
	logger.Info("old events purged",
		slog.Int("purged", purged),
		slog.Time("older_than", olderThan),
	)
}

// LogShutdown logs publisher shutdown progress. Shutdown errors are logged,
// not raised.
func LogShutdown(logger *slog.Logger, stage string, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Error("shutdown stage failed",
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("shutdown stage complete", slog.String("stage", stage))
}
