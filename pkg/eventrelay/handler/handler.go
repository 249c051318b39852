// Package handler wraps caller-supplied handler functions with timeout,
// retry, and rate-limit policy, and routes events to them under priority
// and execution-mode rules.
//
// A Wrapper contains one handler function and guarantees it always runs
// under a bounded execution contract; a Registry maps event types to
// wrappers and orchestrates per-event dispatch: sync handlers first in
// priority order, then async handlers in parallel, then background
// fire-and-forget.
package handler

import (
	"context"
	"time"

	"github.com/verdantapp/eventrelay/pkg/eventrelay/event"
)

// Func is the caller contract: a unary handler for one envelope.
// The return value is ignored except for failures.
type Func func(ctx context.Context, evt *event.Envelope) error

// Mode selects how a handler runs within a dispatch.
type Mode string

const (
	// ModeSync handlers run sequentially in priority order; a stalled
	// sync handler stalls the whole event.
	ModeSync Mode = "sync"

	// ModeAsync handlers launch in priority order and run concurrently;
	// the dispatch awaits them all.
	ModeAsync Mode = "async"

	// ModeBackground handlers are fire-and-forget: launched and left to
	// a supervised task set, excluded from the dispatch result.
	ModeBackground Mode = "background"
)

// Metadata is the static policy attached to a handler at registration.
// Name must be unique within a registry for metrics attribution.
type Metadata struct {
	Name               string
	Priority           event.Priority
	Mode               Mode
	RetryCount         int
	Timeout            time.Duration
	IgnoreErrors       bool
	RateLimitPerMinute int
}

// Stats are the mutable execution counters for one handler, owned
// exclusively by its registry.
type Stats struct {
	TotalExecutions      int64         `json:"total_executions"`
	SuccessfulExecutions int64         `json:"successful_executions"`
	FailedExecutions     int64         `json:"failed_executions"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	LastError            string        `json:"last_error,omitempty"`
	LastExecution        time.Time     `json:"last_execution"`
}

// ExecutionResult is the immutable record of one (event, handler) execution.
type ExecutionResult struct {
	HandlerName   string        `json:"handler_name"`
	Success       bool          `json:"success"`
	ExecutionTime time.Duration `json:"execution_time"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	RetryCount    int           `json:"retry_count"`
}

// HandlerMetrics is a point-in-time snapshot of one handler's state,
// exposed through the registry's query surface.
type HandlerMetrics struct {
	ID       string            `json:"id"`
	Metadata Metadata          `json:"metadata"`
	Stats    Stats             `json:"stats"`
	Recent   []ExecutionResult `json:"recent,omitempty"`
}
