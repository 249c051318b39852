package event

import "time"

// DeliveryMode selects the publisher's delivery strategy for one event.
type DeliveryMode string

const (
	// DeliveryImmediate dispatches synchronously in the caller's context.
	DeliveryImmediate DeliveryMode = "immediate"

	// DeliveryAsync returns immediately and dispatches on a detached task.
	DeliveryAsync DeliveryMode = "async"

	// DeliveryBatch accumulates events per (priority, type) and flushes
	// on a window or size ceiling.
	DeliveryBatch DeliveryMode = "batch"

	// DeliveryPersistent only persists the event as pending; the
	// background sweep delivers it, giving at-least-once semantics when
	// the store is durable.
	DeliveryPersistent DeliveryMode = "persistent"
)

// ParseDeliveryMode converts a mode name to a DeliveryMode.
// Unknown names map to DeliveryAsync.
func ParseDeliveryMode(s string) DeliveryMode {
	switch DeliveryMode(s) {
	case DeliveryImmediate, DeliveryAsync, DeliveryBatch, DeliveryPersistent:
		return DeliveryMode(s)
	default:
		return DeliveryAsync
	}
}

// DeliveryConfig is the per-publish delivery policy. It is constructed by
// the producer alongside the envelope and persisted with the event record.
type DeliveryConfig struct {
	Mode              DeliveryMode  `json:"mode"`
	Priority          Priority      `json:"priority"`
	MaxRetries        int           `json:"max_retries"`
	RetryDelay        time.Duration `json:"retry_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxRetryDelay     time.Duration `json:"max_retry_delay"`
	Timeout           time.Duration `json:"timeout"`
	Persist           bool          `json:"persist"`
	DeadLetter        bool          `json:"dead_letter"`
}

// DefaultDeliveryConfig mirrors the engine's standard policy: async
// delivery, three retries with exponential backoff capped at five minutes,
// persistence and dead-letter routing enabled.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		Mode:              DeliveryAsync,
		Priority:          PriorityNormal,
		MaxRetries:        3,
		RetryDelay:        1 * time.Second,
		BackoffMultiplier: 2.0,
		MaxRetryDelay:     5 * time.Minute,
		Timeout:           60 * time.Second,
		Persist:           true,
		DeadLetter:        true,
	}
}
