package publisher

import (
	"context"
	"time"

	relayerr "github.com/verdantapp/eventrelay/pkg/eventrelay/errors"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/observability"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/store"
)

// QueueStatus summarizes the backlog of pending and failed records.
type QueueStatus struct {
	PendingCount      int            `json:"pending_count"`
	FailedCount       int            `json:"failed_count"`
	PendingByPriority map[string]int `json:"pending_by_priority"`
	PendingByType     map[string]int `json:"pending_by_type"`
	FailedByType      map[string]int `json:"failed_by_type"`
}

// Metrics is a point-in-time snapshot of publisher counters.
type Metrics struct {
	PublishedCount  int64   `json:"published_count"`
	ProcessedCount  int64   `json:"processed_count"`
	FailedCount     int64   `json:"failed_count"`
	RetryCount      int64   `json:"retry_count"`
	DeadLetterCount int64   `json:"dead_letter_count"`
	SuccessRate     float64 `json:"success_rate"`
	InFlightCount   int     `json:"in_flight_count"`
	ActiveBatches   int     `json:"active_batches"`
	BatchedEvents   int     `json:"batched_events_count"`
}

// EventStatus returns the persisted record for an event id.
// A store failure surfaces as a PersistenceError.
func (p *Publisher) EventStatus(ctx context.Context, eventID string) (*store.Record, error) {
	rec, err := p.store.Get(ctx, eventID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, err
		}
		return nil, &relayerr.PersistenceError{Op: "get", Err: err}
	}
	return rec, nil
}

// RetryFailedEvent manually re-queues a failed or dead-lettered event
// with a fresh retry budget. It reports whether a retry was scheduled;
// records in any other status are left untouched.
func (p *Publisher) RetryFailedEvent(ctx context.Context, eventID string) (bool, error) {
	rec, err := p.store.Get(ctx, eventID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, &relayerr.PersistenceError{Op: "get", Err: err}
	}
	if rec.Status != store.StatusFailed && rec.Status != store.StatusDeadLetter {
		return false, nil
	}

	rec.Status = store.StatusPending
	rec.RetryCount = 0
	rec.LastError = ""
	rec.UpdatedAt = time.Now().UTC()
	if err := p.store.Save(ctx, rec); err != nil {
		return false, &relayerr.PersistenceError{Op: "save", Err: err}
	}

	if p.cfg.Logger != nil {
		p.cfg.Logger.Info("event re-queued for retry", "event_id", eventID)
	}
	return true, nil
}

// CancelEvent routes a pending event to dead_letter before any dispatch
// happens. It reports whether the event was cancelled; records that
// have already started processing are left untouched.
func (p *Publisher) CancelEvent(ctx context.Context, eventID string) (bool, error) {
	rec, err := p.store.Get(ctx, eventID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, &relayerr.PersistenceError{Op: "get", Err: err}
	}
	if rec.Status != store.StatusPending {
		return false, nil
	}

	if err := p.store.UpdateStatus(ctx, eventID, store.StatusDeadLetter, "manually cancelled"); err != nil {
		return false, &relayerr.PersistenceError{Op: "update_status", Err: err}
	}
	return true, nil
}

// GetQueueStatus inspects the store's backlog, grouped by priority and
// event type.
func (p *Publisher) GetQueueStatus(ctx context.Context) (*QueueStatus, error) {
	pending, err := p.store.ListPending(ctx, 1000)
	if err != nil {
		return nil, &relayerr.PersistenceError{Op: "list_pending", Err: err}
	}
	failed, err := p.store.ListFailed(ctx, 1000)
	if err != nil {
		return nil, &relayerr.PersistenceError{Op: "list_failed", Err: err}
	}

	status := &QueueStatus{
		PendingCount:      len(pending),
		FailedCount:       len(failed),
		PendingByPriority: make(map[string]int),
		PendingByType:     make(map[string]int),
		FailedByType:      make(map[string]int),
	}
	for _, rec := range pending {
		status.PendingByPriority[rec.Delivery.Priority.String()]++
		status.PendingByType[rec.Envelope.Type]++
	}
	for _, rec := range failed {
		status.FailedByType[rec.Envelope.Type]++
	}
	return status, nil
}

// GetMetrics returns the publisher's counters.
func (p *Publisher) GetMetrics() Metrics {
	p.mu.Lock()
	inFlight := len(p.inFlight)
	activeBatches := len(p.batches)
	batched := 0
	for _, b := range p.batches {
		batched += len(b.records)
	}
	p.mu.Unlock()

	published := p.published.Load()
	processed := p.processed.Load()
	rate := float64(processed) / float64(max(published, 1))

	return Metrics{
		PublishedCount:  published,
		ProcessedCount:  processed,
		FailedCount:     p.failedCount.Load(),
		RetryCount:      p.retriesCount.Load(),
		DeadLetterCount: p.deadLettered.Load(),
		SuccessRate:     rate,
		InFlightCount:   inFlight,
		ActiveBatches:   activeBatches,
		BatchedEvents:   batched,
	}
}

// PurgeDeadLetters removes terminal records older than the given age,
// returning the number purged.
func (p *Publisher) PurgeDeadLetters(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	count, err := p.store.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, &relayerr.PersistenceError{Op: "cleanup", Err: err}
	}
	return count, nil
}

// Shutdown stops the loops, flushes outstanding batches synchronously,
// joins detached dispatch tasks up to the grace timeout, and closes the
// store. Failures along the way are logged, not returned; the only
// error a caller sees is the context's, when the grace period expires
// before outstanding work drains.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.running = false
	p.mu.Unlock()

	observability.LogShutdown(p.cfg.Logger, "begin", nil)

	// Stop the loops first so no new sweep work starts.
	p.cancelRoot()
	p.loops.Wait()

	p.flushAllBatches()

	done := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(done)
	}()

	grace, cancel := context.WithTimeout(ctx, p.cfg.ShutdownGrace)
	defer cancel()
	select {
	case <-done:
	case <-grace.Done():
		observability.LogShutdown(p.cfg.Logger, "await tasks", grace.Err())
	}

	if err := p.registry.Shutdown(grace); err != nil {
		observability.LogShutdown(p.cfg.Logger, "await background handlers", err)
	}
	if err := p.store.Close(); err != nil {
		observability.LogShutdown(p.cfg.Logger, "close store", err)
	}

	observability.LogShutdown(p.cfg.Logger, "complete", nil)
	return ctx.Err()
}
