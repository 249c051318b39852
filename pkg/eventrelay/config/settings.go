package config

import (
	"github.com/verdantapp/eventrelay/pkg/eventrelay/event"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/publisher"
)

// DeliveryConfig reads a delivery configuration from the "delivery"
// section, falling back to event.DefaultDeliveryConfig for anything
// unset:
//
//	delivery:
//	  mode: persistent
//	  priority: high
//	  max_retries: 5
//	  retry_delay: 2s
//	  backoff_multiplier: 2.0
//	  max_retry_delay: 5m
//	  timeout: 60s
//	  persist: true
//	  dead_letter: true
func (c Config) DeliveryConfig() event.DeliveryConfig {
	d := event.DefaultDeliveryConfig()
	sub := c.Sub("delivery")

	d.Mode = event.ParseDeliveryMode(sub.String("mode", string(d.Mode)))
	d.Priority = event.ParsePriority(sub.String("priority", d.Priority.String()))
	d.MaxRetries = sub.Int("max_retries", d.MaxRetries)
	d.RetryDelay = sub.Duration("retry_delay", d.RetryDelay)
	d.BackoffMultiplier = sub.Float("backoff_multiplier", d.BackoffMultiplier)
	d.MaxRetryDelay = sub.Duration("max_retry_delay", d.MaxRetryDelay)
	d.Timeout = sub.Duration("timeout", d.Timeout)
	d.Persist = sub.Bool("persist", d.Persist)
	d.DeadLetter = sub.Bool("dead_letter", d.DeadLetter)
	return d
}

// PublisherConfig reads the publisher tuning knobs from the "publisher"
// section. Store, Registry, and observability wiring stay with the
// caller; only scalar settings come from configuration:
//
//	publisher:
//	  sweep_interval: 5s
//	  sweep_batch_size: 50
//	  cleanup_interval: 1h
//	  retention: 168h
//	  batch_window: 5s
//	  batch_size: 10
//	  low_priority_delay: 100ms
//	  shutdown_grace: 30s
func (c Config) PublisherConfig() publisher.Config {
	sub := c.Sub("publisher")
	return publisher.Config{
		Defaults:         c.DeliveryConfig(),
		SweepInterval:    sub.Duration("sweep_interval", 0),
		SweepBatchSize:   sub.Int("sweep_batch_size", 0),
		CleanupInterval:  sub.Duration("cleanup_interval", 0),
		Retention:        sub.Duration("retention", 0),
		BatchWindow:      sub.Duration("batch_window", 0),
		BatchSize:        sub.Int("batch_size", 0),
		LowPriorityDelay: sub.Duration("low_priority_delay", 0),
		ShutdownGrace:    sub.Duration("shutdown_grace", 0),
	}
}
