package publisher

import (
	"context"
	"time"

	"github.com/verdantapp/eventrelay/pkg/eventrelay/observability"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/store"
)

// Start launches the background sweep and cleanup loops. It is a no-op
// if the loops are already running or the publisher is closed.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.closed {
		return
	}
	p.running = true

	p.loops.Add(2)
	go p.sweepLoop()
	go p.cleanupLoop()

	if p.cfg.Logger != nil {
		p.cfg.Logger.Info("background processing started")
	}
}

// sweepLoop drives pending records until the publisher shuts down.
func (p *Publisher) sweepLoop() {
	defer p.loops.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.root.Done():
			return
		case <-ticker.C:
			p.RunSweep()
		}
	}
}

// RunSweep executes one sweep pass: re-activate stale retrying records
// whose backoff has elapsed, then dispatch a bounded batch of pending
// records not already in flight. It returns the number of records
// dispatched. Concurrent passes over the same records are safe; the
// in-flight set guarantees a record is dispatched at most once.
func (p *Publisher) RunSweep() int {
	ctx := p.detached()
	start := time.Now()
	p.reactivateStale(ctx)

	pending, err := p.store.ListPending(ctx, p.cfg.SweepBatchSize)
	if err != nil {
		p.logStoreError("list pending", "", err)
		return 0
	}

	dispatched := 0
	failedBefore := p.failedCount.Load()
	for _, rec := range pending {
		select {
		case <-p.root.Done():
			return dispatched
		default:
		}
		if p.process(ctx, rec.EventID) {
			dispatched++
		}
	}

	if dispatched > 0 {
		failures := int(p.failedCount.Load() - failedBefore)
		p.cfg.Metrics.RecordSweep(ctx, dispatched)
		observability.LogSweep(p.cfg.Logger, dispatched, failures, time.Since(start))
	}
	return dispatched
}

// reactivateStale returns retrying records to pending once their backoff
// delay has passed. This covers deferred re-activations lost to a
// process restart; re-applying pending to a record the deferred task
// already moved is a harmless no-op.
func (p *Publisher) reactivateStale(ctx context.Context) {
	failed, err := p.store.ListFailed(ctx, p.cfg.SweepBatchSize)
	if err != nil {
		p.logStoreError("list failed", "", err)
		return
	}

	now := time.Now().UTC()
	for _, rec := range failed {
		if rec.Status != store.StatusRetrying {
			continue
		}
		delay := retryDelay(rec.Delivery, rec.RetryCount)
		if rec.UpdatedAt.Add(delay).After(now) {
			continue
		}
		if err := p.store.UpdateStatus(ctx, rec.EventID, store.StatusPending, ""); err != nil {
			p.logStoreError("re-activate", rec.EventID, err)
		}
	}
}

// cleanupLoop purges old terminal records on a slow cadence.
func (p *Publisher) cleanupLoop() {
	defer p.loops.Done()

	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.root.Done():
			return
		case <-ticker.C:
			p.RunCleanup()
		}
	}
}

// RunCleanup executes one cleanup pass, removing completed and
// dead-lettered records older than the retention window. It returns the
// number of records purged.
func (p *Publisher) RunCleanup() int {
	cutoff := time.Now().UTC().Add(-p.cfg.Retention)
	purged, err := p.store.Cleanup(p.detached(), cutoff)
	if err != nil {
		p.logStoreError("cleanup", "", err)
		return 0
	}
	if purged > 0 {
		observability.LogCleanup(p.cfg.Logger, purged, cutoff)
	}
	return purged
}
