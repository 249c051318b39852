package publisher

import (
	"fmt"
	"time"

	"github.com/verdantapp/eventrelay/pkg/eventrelay/store"
)

// eventBatch accumulates batch-mode records sharing one composite key
// until the window timer fires or the size ceiling is hit.
type eventBatch struct {
	records []*store.Record
	timer   *time.Timer
}

// batchKey groups batched events by delivery priority and event type.
func batchKey(rec *store.Record) string {
	return fmt.Sprintf("%s_%s", rec.Delivery.Priority, rec.Envelope.Type)
}

// enqueueBatch adds a record to its accumulator. The first record of a
// key arms the window timer; reaching the size ceiling flushes at once
// without waiting for it.
func (p *Publisher) enqueueBatch(rec *store.Record) {
	key := batchKey(rec)

	p.mu.Lock()
	b := p.batches[key]
	if b == nil {
		b = &eventBatch{}
		b.timer = time.AfterFunc(p.cfg.BatchWindow, func() {
			p.flushBatch(key)
		})
		p.batches[key] = b
	}
	b.records = append(b.records, rec)
	full := len(b.records) >= p.cfg.BatchSize
	p.mu.Unlock()

	if full {
		if !p.addTask() {
			// Closing: flush inline so the batch is not stranded.
			p.flushBatch(key)
			return
		}
		go func() {
			defer p.tasks.Done()
			p.flushBatch(key)
		}()
	}
}

// flushBatch takes one accumulator and dispatches its records
// concurrently, waiting for all of them. Safe to call for a key that
// was already flushed.
func (p *Publisher) flushBatch(key string) {
	p.mu.Lock()
	b := p.batches[key]
	if b == nil {
		p.mu.Unlock()
		return
	}
	delete(p.batches, key)
	b.timer.Stop()
	records := b.records
	p.mu.Unlock()

	if len(records) == 0 {
		return
	}
	if p.cfg.Logger != nil {
		p.cfg.Logger.Info("flushing event batch", "batch_key", key, "size", len(records))
	}

	// The done channel is the join; these goroutines never outlive the
	// call, so they stay off the shutdown wait group and window-timer
	// flushes cannot race it.
	done := make(chan struct{}, len(records))
	for _, rec := range records {
		go func(eventID string) {
			p.process(p.detached(), eventID)
			done <- struct{}{}
		}(rec.EventID)
	}
	for range records {
		<-done
	}
}

// flushAllBatches drains every accumulator synchronously. Used at
// shutdown so batched events are not lost.
func (p *Publisher) flushAllBatches() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.batches))
	for key := range p.batches {
		keys = append(keys, key)
	}
	p.mu.Unlock()

	for _, key := range keys {
		p.flushBatch(key)
	}
}
