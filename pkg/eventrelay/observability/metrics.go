package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records event delivery metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records an accepted publish with its delivery mode.
	RecordPublish(ctx context.Context, eventType, mode string)

	// RecordDispatch records a full dispatch with its duration and outcome.
	RecordDispatch(ctx context.Context, eventType string, duration time.Duration, success bool)

	// RecordHandlerExecution records one handler execution.
	RecordHandlerExecution(ctx context.Context, handlerName string, duration time.Duration, err error)

	// RecordSweep records one background sweep pass.
	RecordSweep(ctx context.Context, processed int)

	// RecordDeadLetter records an event routed to the dead-letter state.
	RecordDeadLetter(ctx context.Context, eventType string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published       metric.Int64Counter
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	handlerRuns     metric.Int64Counter
	handlerLatency  metric.Float64Histogram
	handlerErrors   metric.Int64Counter
	sweepProcessed  metric.Int64Counter
	deadLetters     metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventrelay")

	published, err := meter.Int64Counter("eventrelay.events.published",
		metric.WithDescription("Number of events accepted for delivery"),
	)
	if err != nil {
		return nil, err
	}

	dispatches, err := meter.Int64Counter("eventrelay.dispatches",
		metric.WithDescription("Number of event dispatches"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("eventrelay.dispatch.latency_ms",
		metric.WithDescription("Dispatch latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerRuns, err := meter.Int64Counter("eventrelay.handler.executions",
		metric.WithDescription("Number of handler executions"),
	)
	if err != nil {
		return nil, err
	}

	handlerLatency, err := meter.Float64Histogram("eventrelay.handler.latency_ms",
		metric.WithDescription("Handler execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("eventrelay.handler.errors",
		metric.WithDescription("Number of handler execution errors"),
	)
	if err != nil {
		return nil, err
	}

	sweepProcessed, err := meter.Int64Counter("eventrelay.sweep.processed",
		metric.WithDescription("Number of pending events processed by the background sweep"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("eventrelay.events.dead_letter",
		metric.WithDescription("Number of events routed to the dead-letter state"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		published:       published,
		dispatches:      dispatches,
		dispatchLatency: dispatchLatency,
		handlerRuns:     handlerRuns,
		handlerLatency:  handlerLatency,
		handlerErrors:   handlerErrors,
		sweepProcessed:  sweepProcessed,
		deadLetters:     deadLetters,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records an accepted publish.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType, mode string) {
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("mode", mode),
	))
}

// RecordDispatch records a dispatch.
func (m *otelMetrics) RecordDispatch(ctx context.Context, eventType string, duration time.Duration, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.Bool("success", success),
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dispatchLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordHandlerExecution records one handler execution.
func (m *otelMetrics) RecordHandlerExecution(ctx context.Context, handlerName string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("handler", handlerName),
	}
	m.handlerRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordSweep records one sweep pass.
func (m *otelMetrics) RecordSweep(ctx context.Context, processed int) {
	m.sweepProcessed.Add(ctx, int64(processed))
}

// RecordDeadLetter records a dead-lettered event.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, eventType string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
