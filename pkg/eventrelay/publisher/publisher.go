// Package publisher orchestrates event delivery: it persists published
// events, selects a delivery strategy, drives the handler registry, and
// owns the retry, dead-letter, and background-sweep machinery.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	relayerr "github.com/verdantapp/eventrelay/pkg/eventrelay/errors"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/event"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/handler"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/observability"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/store"
)

// ErrPublisherClosed is returned by Publish after Shutdown has started.
var ErrPublisherClosed = errors.New("event publisher closed")

// Config configures a Publisher. Store and Registry are required; every
// other field has a sensible default.
type Config struct {
	Store    store.Store
	Registry *handler.Registry

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager

	// Defaults is the delivery configuration applied when Publish is
	// called without one.
	Defaults event.DeliveryConfig

	// SweepInterval is the pause between background sweep passes.
	// Default: 5s
	SweepInterval time.Duration

	// SweepBatchSize bounds how many pending records one sweep pass
	// pulls. Default: 50
	SweepBatchSize int

	// CleanupInterval is the pause between cleanup passes.
	// Default: 1h
	CleanupInterval time.Duration

	// Retention is how long completed and dead-lettered records are
	// kept before cleanup removes them. Default: 7 days
	Retention time.Duration

	// BatchWindow is the flush deadline for batch-mode accumulators.
	// Default: 5s
	BatchWindow time.Duration

	// BatchSize flushes a batch early once it reaches this many events.
	// Default: 10
	BatchSize int

	// LowPriorityDelay postpones async dispatch of low-priority events
	// so higher-priority work is scheduled first. Default: 100ms
	LowPriorityDelay time.Duration

	// ShutdownGrace bounds how long Shutdown waits for detached
	// dispatch tasks. Default: 30s
	ShutdownGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	if c.Spans == nil {
		c.Spans = observability.NoopSpanManager{}
	}
	if c.Defaults == (event.DeliveryConfig{}) {
		c.Defaults = event.DefaultDeliveryConfig()
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 50
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LowPriorityDelay <= 0 {
		c.LowPriorityDelay = 100 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Publisher is the delivery orchestrator. Create one with New, start
// the background loops with Start, and stop everything with Shutdown.
type Publisher struct {
	cfg      Config
	store    store.Store
	registry *handler.Registry

	// root outlives individual publish calls; detached work hangs off
	// it so a caller's cancellation cannot strand a persisted record
	// mid-dispatch.
	root       context.Context
	cancelRoot context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]struct{}
	batches  map[string]*eventBatch
	closed   bool
	running  bool

	tasks sync.WaitGroup
	loops sync.WaitGroup

	published    atomic.Int64
	processed    atomic.Int64
	failedCount  atomic.Int64
	retriesCount atomic.Int64
	deadLettered atomic.Int64
}

// New creates a Publisher. The background loops are not started until
// Start is called; immediate, async, and batch deliveries work without
// them, persistent delivery does not.
func New(cfg Config) (*Publisher, error) {
	if cfg.Store == nil {
		return nil, errors.New("publisher: store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("publisher: registry is required")
	}
	cfg.applyDefaults()

	root, cancel := context.WithCancel(context.Background())
	return &Publisher{
		cfg:        cfg,
		store:      cfg.Store,
		registry:   cfg.Registry,
		root:       root,
		cancelRoot: cancel,
		inFlight:   make(map[string]struct{}),
		batches:    make(map[string]*eventBatch),
	}, nil
}

// Publish persists the envelope and hands it to the configured delivery
// strategy, returning the event id. The id is returned even when
// downstream handlers will eventually fail; callers observe outcomes
// through EventStatus, not through this error. A persistence failure is
// the exception: it is surfaced immediately as a PersistenceError.
func (p *Publisher) Publish(ctx context.Context, evt *event.Envelope, cfg *event.DeliveryConfig) (string, error) {
	if evt == nil {
		return "", &relayerr.ValidationError{Field: "envelope", Message: "must not be nil"}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPublisherClosed
	}
	p.mu.Unlock()

	delivery := p.cfg.Defaults
	if cfg != nil {
		delivery = *cfg
	}
	if delivery.Priority == 0 {
		delivery.Priority = evt.Meta.Priority
	}

	rec := store.NewRecord(evt, delivery)
	if err := p.store.Save(ctx, rec); err != nil {
		return "", &relayerr.PersistenceError{Op: "save", Err: err}
	}

	p.published.Add(1)
	p.cfg.Metrics.RecordPublish(ctx, evt.Type, string(delivery.Mode))
	observability.LogPublish(p.cfg.Logger, evt.ID, evt.Type, string(delivery.Mode))

	switch delivery.Mode {
	case event.DeliveryImmediate:
		p.process(ctx, evt.ID)

	case event.DeliveryBatch:
		p.enqueueBatch(rec)

	case event.DeliveryPersistent:
		// Nothing more to do: the sweep loop owns pending records.

	default: // async
		if !p.addTask() {
			// Shutdown raced the publish; the record stays pending
			// for a later sweep or manual redelivery.
			return evt.ID, nil
		}
		go func() {
			defer p.tasks.Done()
			if evt.Meta.Priority == event.PriorityLow {
				select {
				case <-p.root.Done():
					return
				case <-time.After(p.cfg.LowPriorityDelay):
				}
			}
			p.process(p.detached(), evt.ID)
		}()
	}

	return evt.ID, nil
}

// process runs one delivery attempt for a pending record. It returns
// false when the record was skipped: already in flight, no longer
// pending, or unreadable.
func (p *Publisher) process(ctx context.Context, eventID string) bool {
	if !p.markInFlight(eventID) {
		return false
	}
	defer p.clearInFlight(eventID)

	rec, err := p.store.Get(ctx, eventID)
	if err != nil {
		p.logStoreError("load", eventID, err)
		return false
	}
	if rec.Status != store.StatusPending {
		return false
	}

	if err := p.store.UpdateStatus(ctx, eventID, store.StatusProcessing, ""); err != nil {
		p.logStoreError("mark processing", eventID, err)
		return false
	}

	dispatchCtx, span := p.cfg.Spans.StartDispatchSpan(ctx, rec.Envelope.Type, eventID)
	start := time.Now()
	results := p.registry.Dispatch(dispatchCtx, rec.Envelope)
	elapsed := time.Since(start)

	success := p.registry.AggregateSuccess(results)
	p.cfg.Metrics.RecordDispatch(ctx, rec.Envelope.Type, elapsed, success)
	observability.LogDispatch(p.cfg.Logger, eventID, rec.Envelope.Type, len(results), countSucceeded(results))

	p.saveResults(ctx, eventID, results)

	if success {
		p.cfg.Spans.EndSpanWithError(span, nil)
		if err := p.store.UpdateStatus(ctx, eventID, store.StatusCompleted, ""); err != nil {
			p.logStoreError("mark completed", eventID, err)
			return true
		}
		p.processed.Add(1)
		return true
	}

	failure := failureMessage(results)
	p.cfg.Spans.EndSpanWithError(span, errors.New(failure))
	p.handleFailure(ctx, rec, failure)
	return true
}

// saveResults attaches per-handler results to the stored record.
func (p *Publisher) saveResults(ctx context.Context, eventID string, results map[string]handler.ExecutionResult) {
	if len(results) == 0 {
		return
	}
	rec, err := p.store.Get(ctx, eventID)
	if err != nil {
		p.logStoreError("load for results", eventID, err)
		return
	}
	if rec.HandlerResults == nil {
		rec.HandlerResults = make(map[string]handler.ExecutionResult, len(results))
	}
	for id, res := range results {
		rec.HandlerResults[id] = res
	}
	if err := p.store.Save(ctx, rec); err != nil {
		p.logStoreError("save results", eventID, err)
	}
}

// handleFailure applies the retry state machine after a failed dispatch.
// Immediate-mode events fail terminally; everything else loops through
// retrying back to pending until retries are exhausted, then routes to
// dead_letter when enabled.
func (p *Publisher) handleFailure(ctx context.Context, rec *store.Record, failure string) {
	p.failedCount.Add(1)
	if err := p.store.UpdateStatus(ctx, rec.EventID, store.StatusFailed, failure); err != nil {
		p.logStoreError("mark failed", rec.EventID, err)
		return
	}

	if rec.Delivery.Mode == event.DeliveryImmediate {
		return
	}

	current, err := p.store.Get(ctx, rec.EventID)
	if err != nil {
		p.logStoreError("load for retry", rec.EventID, err)
		return
	}

	if current.RetryCount < current.Delivery.MaxRetries {
		p.scheduleRetry(ctx, current)
		return
	}

	if current.Delivery.DeadLetter {
		if err := p.store.UpdateStatus(ctx, rec.EventID, store.StatusDeadLetter, failure); err != nil {
			p.logStoreError("mark dead letter", rec.EventID, err)
			return
		}
		p.deadLettered.Add(1)
		p.cfg.Metrics.RecordDeadLetter(ctx, rec.Envelope.Type)
		observability.LogDeadLetter(p.cfg.Logger, rec.EventID, rec.Envelope.Type, failure)
	}
}

// scheduleRetry marks the record retrying and arranges a deferred
// re-activation back to pending after the backoff delay. A process
// restart loses the deferred task; the sweep loop re-activates stale
// retrying records from their persisted timestamps instead.
func (p *Publisher) scheduleRetry(ctx context.Context, rec *store.Record) {
	if err := p.store.UpdateStatus(ctx, rec.EventID, store.StatusRetrying, ""); err != nil {
		p.logStoreError("mark retrying", rec.EventID, err)
		return
	}
	p.retriesCount.Add(1)

	delay := retryDelay(rec.Delivery, rec.RetryCount+1)
	observability.LogRetryScheduled(p.cfg.Logger, rec.EventID, rec.RetryCount+1, delay)

	if !p.addTask() {
		// Closing: the sweep re-activates the record from its
		// persisted timestamps instead.
		return
	}
	go func() {
		defer p.tasks.Done()
		select {
		case <-p.root.Done():
			return
		case <-time.After(delay):
		}
		if err := p.store.UpdateStatus(p.detached(), rec.EventID, store.StatusPending, ""); err != nil {
			p.logStoreError("re-activate", rec.EventID, err)
		}
	}()
}

// detached returns a context that survives root cancellation. In-flight
// dispatches and shutdown-time batch flushes run under it so stopping
// the loops does not hard-cut work that must finish.
func (p *Publisher) detached() context.Context {
	return context.WithoutCancel(p.root)
}

// retryDelay computes the backoff before retry attempt n (1-based).
func retryDelay(cfg event.DeliveryConfig, attempt int) time.Duration {
	return relayerr.NextDelay(relayerr.RetryConfig{
		InitialBackoff: cfg.RetryDelay,
		MaxBackoff:     cfg.MaxRetryDelay,
		BackoffFactor:  cfg.BackoffMultiplier,
	}, attempt)
}

// addTask registers a detached task with the shutdown wait group.
// Registration and the closed flag share one critical section so a task
// can never be added after Shutdown has started waiting.
func (p *Publisher) addTask() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.tasks.Add(1)
	return true
}

func (p *Publisher) markInFlight(eventID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[eventID]; busy {
		return false
	}
	p.inFlight[eventID] = struct{}{}
	return true
}

func (p *Publisher) clearInFlight(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, eventID)
}

func (p *Publisher) logStoreError(op, eventID string, err error) {
	if p.cfg.Logger == nil {
		return
	}
	p.cfg.Logger.Error("store operation failed",
		slog.String("op", op),
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

func countSucceeded(results map[string]handler.ExecutionResult) int {
	n := 0
	for _, res := range results {
		if res.Success {
			n++
		}
	}
	return n
}

// failureMessage summarizes the failing handlers of a dispatch, in a
// stable order.
func failureMessage(results map[string]handler.ExecutionResult) string {
	var parts []string
	for id, res := range results {
		if !res.Success {
			parts = append(parts, fmt.Sprintf("%s: %s", id, res.ErrorMessage))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
