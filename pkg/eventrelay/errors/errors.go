// Package errors provides the delivery engine's error taxonomy and retry
// policy helpers.
//
// Errors fall into a small closed set of kinds. Handler-level failures
// (timeout, rate limit, execution) are retryable per handler policy and are
// contained by the handler wrapper as results. Validation and persistence
// failures are surfaced to the caller and never retried at the handler level.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind labels an error for result records and metrics.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindTimeout     Kind = "timeout"
	KindRateLimit   Kind = "rate_limit"
	KindExecution   Kind = "execution"
	KindPersistence Kind = "persistence"
	KindUnknown     Kind = "unknown"
)

// ValidationError reports a malformed envelope. Fatal at construction,
// never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid event: %s", e.Message)
}

// HandlerTimeoutError reports a handler exceeding its execution budget.
// The in-flight attempt is abandoned.
type HandlerTimeoutError struct {
	Handler string
	Timeout time.Duration
}

func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler %q timed out after %s", e.Handler, e.Timeout)
}

// RateLimitError reports a handler call rejected by its per-minute ceiling.
// The handler function is not invoked.
type RateLimitError struct {
	Handler string
	Limit   int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for handler %q (%d calls/minute)", e.Handler, e.Limit)
}

// HandlerExecutionError wraps an arbitrary handler failure.
type HandlerExecutionError struct {
	Handler string
	Err     error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler %q failed: %v", e.Handler, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// PersistenceError reports a store failure. It is surfaced to the caller
// of publish and status queries, never silently absorbed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// KindOf classifies an error for result records.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var (
		ve *ValidationError
		te *HandlerTimeoutError
		re *RateLimitError
		he *HandlerExecutionError
		pe *PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &te):
		return KindTimeout
	case errors.As(err, &re):
		return KindRateLimit
	case errors.As(err, &he):
		return KindExecution
	case errors.As(err, &pe):
		return KindPersistence
	default:
		return KindExecution
	}
}

// IsRetryable reports whether retrying may help. Validation and persistence
// failures are not retryable at the handler level.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindPersistence:
		return false
	default:
		return err != nil
	}
}
