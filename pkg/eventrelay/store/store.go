// Package store provides durable storage for published-event records and
// their delivery state machine.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/verdantapp/eventrelay/pkg/eventrelay/event"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/handler"
)

// Status is the delivery state of a published event record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusDeadLetter Status = "dead_letter"
)

// CanTransitionTo reports whether the state machine permits moving from
// s to next. Re-applying the current status is always permitted and
// treated as a no-op by implementations.
//
// The forward path is pending -> processing -> completed or failed.
// Failures loop through retrying back to pending until retries are
// exhausted, then land in dead_letter. Manual administration may cancel
// a pending record straight to dead_letter, and may resurrect a failed
// or dead-lettered record back to pending.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusDeadLetter
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusRetrying || next == StatusDeadLetter || next == StatusPending
	case StatusRetrying:
		return next == StatusPending || next == StatusDeadLetter
	case StatusDeadLetter:
		return next == StatusPending
	default:
		return false
	}
}

// Terminal reports whether the status ends automatic processing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Record is the persisted state of one published event. The envelope
// snapshot and delivery configuration are captured at publish time so a
// record can be re-dispatched faithfully after a restart.
type Record struct {
	EventID  string               `json:"event_id"`
	Envelope *event.Envelope      `json:"envelope"`
	Delivery event.DeliveryConfig `json:"delivery"`
	Status   Status               `json:"status"`

	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`

	RetryCount     int                                `json:"retry_count"`
	LastError      string                             `json:"last_error,omitempty"`
	HandlerResults map[string]handler.ExecutionResult `json:"handler_results,omitempty"`
}

// NewRecord builds a pending record for an envelope about to be published.
func NewRecord(evt *event.Envelope, cfg event.DeliveryConfig) *Record {
	now := time.Now().UTC()
	return &Record{
		EventID:   evt.ID,
		Envelope:  evt,
		Delivery:  cfg,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone deep-copies the record so callers can mutate freely.
func (r *Record) Clone() *Record {
	out := *r
	if r.Envelope != nil {
		out.Envelope = r.Envelope.Clone()
	}
	if r.ProcessingStartedAt != nil {
		t := *r.ProcessingStartedAt
		out.ProcessingStartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.HandlerResults != nil {
		out.HandlerResults = make(map[string]handler.ExecutionResult, len(r.HandlerResults))
		for k, v := range r.HandlerResults {
			out.HandlerResults[k] = v
		}
	}
	return &out
}

// applyTransition mutates the record for a validated status change.
// Shared by implementations so timestamp and retry-count rules stay
// identical across stores.
func (r *Record) applyTransition(next Status, lastErr string, now time.Time) {
	r.Status = next
	r.UpdatedAt = now
	if lastErr != "" {
		r.LastError = lastErr
	}

	switch next {
	case StatusProcessing:
		if r.ProcessingStartedAt == nil {
			t := now
			r.ProcessingStartedAt = &t
		}
	case StatusCompleted:
		// Idempotent: re-completing never moves the original timestamp.
		if r.CompletedAt == nil {
			t := now
			r.CompletedAt = &t
		}
	case StatusRetrying:
		r.RetryCount++
	}
}

// Store persists published-event records. Implementations must be safe
// for concurrent use and must apply status transitions atomically.
type Store interface {
	// Save upserts a record. The stored copy is detached from the
	// caller's record.
	Save(ctx context.Context, rec *Record) error

	// Get retrieves a record copy.
	// Returns ErrNotFound if the event was never persisted.
	Get(ctx context.Context, eventID string) (*Record, error)

	// UpdateStatus applies one state-machine transition, recording the
	// timestamp and optional error. Re-applying the current status is a
	// no-op; an illegal transition returns ErrBadTransition. A
	// transition to StatusRetrying increments the retry count.
	UpdateStatus(ctx context.Context, eventID string, status Status, lastErr string) error

	// ListPending returns up to limit pending records, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Record, error)

	// ListFailed returns up to limit failed or retrying records, oldest
	// first.
	ListFailed(ctx context.Context, limit int) ([]*Record, error)

	// Cleanup deletes completed and dead-lettered records last touched
	// before olderThan, returning the number removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for record operations.
var (
	// ErrNotFound indicates a record doesn't exist.
	ErrNotFound = errors.New("event record not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store closed")

	// ErrBadTransition indicates a status change the state machine forbids.
	ErrBadTransition = errors.New("illegal status transition")
)

// transitionError decorates ErrBadTransition with the attempted move.
func transitionError(eventID string, from, to Status) error {
	return fmt.Errorf("event %s: %s -> %s: %w", eventID, from, to, ErrBadTransition)
}
