package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	relayerr "github.com/verdantapp/eventrelay/pkg/eventrelay/errors"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/event"
)

const (
	// historyLimit caps the per-handler execution history ring.
	historyLimit = 100

	// rateWindow is the sliding window for rate-limit accounting.
	rateWindow = time.Minute

	// emaAlpha weights the rolling average execution time.
	emaAlpha = 0.1
)

// Wrapper binds a handler function to its policy and execution state.
// The wrapper itself never touches external systems; side effects are
// confined to the wrapped function. It converts every outcome into an
// ExecutionResult rather than propagating.
type Wrapper struct {
	fn   Func
	meta Metadata

	mu        sync.Mutex
	stats     Stats
	history   []ExecutionResult
	rateCalls []time.Time
}

// NewWrapper creates a wrapper around fn with the given policy.
// A zero Timeout defaults to 30 seconds.
func NewWrapper(fn Func, meta Metadata) *Wrapper {
	if meta.Name == "" {
		meta.Name = "handler"
	}
	if meta.Timeout <= 0 {
		meta.Timeout = 30 * time.Second
	}
	if meta.Mode == "" {
		meta.Mode = ModeAsync
	}
	if meta.Priority == 0 {
		meta.Priority = event.PriorityNormal
	}
	return &Wrapper{fn: fn, meta: meta}
}

// Metadata returns the wrapper's registration policy.
func (w *Wrapper) Metadata() Metadata {
	return w.meta
}

// Execute runs the handler against one envelope under the wrapper's
// bounded execution contract:
//
//  1. The sliding-window rate limit is checked first; a rejected call
//     fails without invoking the handler.
//  2. The whole invocation, including internal retries, is bounded by
//     the configured timeout.
//  3. Failures are retried up to RetryCount additional times with
//     capped exponential backoff between attempts.
//  4. Counters, rolling latency, and the bounded history are updated on
//     every attempt, so a call that fails twice then succeeds records
//     two failed and one successful execution.
//
// The returned result reflects the final attempt, with ExecutionTime
// covering the whole call including backoff sleeps.
func (w *Wrapper) Execute(ctx context.Context, evt *event.Envelope) ExecutionResult {
	start := time.Now()

	if err := w.checkRateLimit(); err != nil {
		return w.recordAttempt(start, 0, err)
	}

	if w.meta.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.meta.Timeout)
		defer cancel()
	}

	// The retry executor drives the attempts; recording happens inside
	// the attempt function so the final backoff-cancelled result is the
	// last recorded one, not the executor's zero value.
	var result ExecutionResult
	attempt := 0
	res := relayerr.WithRetryContext(ctx, relayerr.RetryConfig{
		MaxAttempts:    w.meta.RetryCount + 1,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		// A timed-out attempt has consumed the whole execution budget.
		RetryableFunc: func(err error) bool {
			return relayerr.KindOf(err) != relayerr.KindTimeout
		},
	}, func(ctx context.Context) (ExecutionResult, error) {
		attemptStart := time.Now()
		err := w.invoke(ctx, evt)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				err = &relayerr.HandlerTimeoutError{Handler: w.meta.Name, Timeout: w.meta.Timeout}
			} else {
				err = &relayerr.HandlerExecutionError{Handler: w.meta.Name, Err: err}
			}
		}
		result = w.recordAttempt(attemptStart, attempt, err)
		attempt++
		return result, err
	})

	if res.Attempts == 0 {
		// Cancelled before the first attempt could run.
		err := &relayerr.HandlerTimeoutError{Handler: w.meta.Name, Timeout: w.meta.Timeout}
		result = w.recordAttempt(start, 0, err)
	}

	result.ExecutionTime = time.Since(start)
	return result
}

// invoke runs one attempt with panic containment and a hard timeout
// cutoff. A timed-out attempt is abandoned, not joined.
func (w *Wrapper) invoke(ctx context.Context, evt *event.Envelope) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- w.fn(ctx, evt)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkRateLimit enforces the calls-per-minute ceiling over a sliding
// 60-second window. Rejected calls are not recorded in the window.
func (w *Wrapper) checkRateLimit() error {
	if w.meta.RateLimitPerMinute <= 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateWindow)
	kept := w.rateCalls[:0]
	for _, t := range w.rateCalls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.rateCalls = kept

	if len(w.rateCalls) >= w.meta.RateLimitPerMinute {
		return &relayerr.RateLimitError{Handler: w.meta.Name, Limit: w.meta.RateLimitPerMinute}
	}

	w.rateCalls = append(w.rateCalls, now)
	return nil
}

// recordAttempt records one attempt's outcome and builds its result.
func (w *Wrapper) recordAttempt(start time.Time, retries int, err error) ExecutionResult {
	elapsed := time.Since(start)
	result := ExecutionResult{
		HandlerName:   w.meta.Name,
		Success:       err == nil,
		ExecutionTime: elapsed,
		RetryCount:    retries,
	}
	if err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorKind = string(relayerr.KindOf(err))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.stats.TotalExecutions++
	if err == nil {
		w.stats.SuccessfulExecutions++
	} else {
		w.stats.FailedExecutions++
		w.stats.LastError = err.Error()
	}
	w.stats.LastExecution = start

	if w.stats.TotalExecutions == 1 {
		w.stats.AverageExecutionTime = elapsed
	} else {
		w.stats.AverageExecutionTime = time.Duration(
			emaAlpha*float64(elapsed) + (1-emaAlpha)*float64(w.stats.AverageExecutionTime),
		)
	}

	w.history = append(w.history, result)
	if len(w.history) > historyLimit {
		w.history = w.history[len(w.history)-historyLimit:]
	}

	return result
}

// Stats returns a snapshot of the execution counters.
func (w *Wrapper) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// History returns up to the last limit execution results, oldest first.
// A non-positive limit returns the full bounded history.
func (w *Wrapper) History(limit int) []ExecutionResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if limit <= 0 || limit > len(w.history) {
		limit = len(w.history)
	}
	out := make([]ExecutionResult, limit)
	copy(out, w.history[len(w.history)-limit:])
	return out
}
