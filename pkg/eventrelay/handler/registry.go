package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdantapp/eventrelay/pkg/eventrelay/event"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/observability"
)

// RegistryConfig configures dispatch behavior.
type RegistryConfig struct {
	// AsyncConcurrency bounds concurrently running async handlers.
	// Default: 0 (unlimited)
	AsyncConcurrency int

	// Logger receives dispatch and handler-failure logs (optional).
	Logger *slog.Logger

	// Metrics receives handler execution metrics (optional).
	Metrics observability.MetricsRecorder

	// OnError is called for every failed sync/async/background handler
	// execution, after the failure has been recorded (optional).
	OnError func(evt *event.Envelope, handlerID string, result ExecutionResult)
}

// Registry maps event types to handler wrappers and orchestrates
// per-event dispatch. Handler metadata and counters are owned exclusively
// by the registry; they are never shared across registries.
type Registry struct {
	config RegistryConfig

	mu       sync.RWMutex
	handlers map[string][]*registration
	names    map[string]struct{}
	nextSeq  int

	asyncSem chan struct{}

	bgWG sync.WaitGroup
}

// registration binds one wrapper to its id and registration order.
type registration struct {
	id      string
	seq     int
	wrapper *Wrapper
}

// NewRegistry creates an empty handler registry.
func NewRegistry(config RegistryConfig) *Registry {
	r := &Registry{
		config:   config,
		handlers: make(map[string][]*registration),
		names:    make(map[string]struct{}),
	}
	if config.Metrics == nil {
		r.config.Metrics = observability.NoopMetrics{}
	}
	if config.AsyncConcurrency > 0 {
		r.asyncSem = make(chan struct{}, config.AsyncConcurrency)
	}
	return r
}

// Register binds a handler function to an event type and returns the
// handler id used for result and metrics attribution. A duplicate name
// within the registry gets a unique suffix.
func (r *Registry) Register(eventType string, fn Func, meta Metadata) string {
	if meta.Name == "" {
		meta.Name = "handler"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.names[meta.Name]; taken {
		meta.Name = fmt.Sprintf("%s-%s", meta.Name, uuid.New().String()[:8])
	}
	r.names[meta.Name] = struct{}{}

	r.nextSeq++
	reg := &registration{
		id:      meta.Name,
		seq:     r.nextSeq,
		wrapper: NewWrapper(fn, meta),
	}
	r.handlers[eventType] = append(r.handlers[eventType], reg)

	if r.config.Logger != nil {
		r.config.Logger.Info("handler registered",
			slog.String("handler", reg.id),
			slog.String("event_type", eventType),
			slog.String("mode", string(reg.wrapper.Metadata().Mode)),
			slog.String("priority", reg.wrapper.Metadata().Priority.String()),
		)
	}
	return reg.id
}

// Unregister removes a handler from an event type. It reports whether a
// handler was removed.
func (r *Registry) Unregister(eventType, handlerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.handlers[eventType]
	for i, reg := range regs {
		if reg.id == handlerID {
			r.handlers[eventType] = append(regs[:i], regs[i+1:]...)
			delete(r.names, handlerID)
			return true
		}
	}
	return false
}

// Dispatch routes one envelope to all handlers bound to its type.
//
// Sync handlers run sequentially in priority order, then async handlers
// run concurrently (launch order follows priority, completion order is
// unspecified), then background handlers are launched without waiting.
// The returned map contains sync and async results only; background
// outcomes are recorded in handler history but never surface here.
// No registered handlers is a no-op, not an error.
func (r *Registry) Dispatch(ctx context.Context, evt *event.Envelope) map[string]ExecutionResult {
	r.mu.RLock()
	regs := make([]*registration, len(r.handlers[evt.Type]))
	copy(regs, r.handlers[evt.Type])
	r.mu.RUnlock()

	results := make(map[string]ExecutionResult)
	if len(regs) == 0 {
		return results
	}

	var syncRegs, asyncRegs, bgRegs []*registration
	for _, reg := range regs {
		switch reg.wrapper.Metadata().Mode {
		case ModeSync:
			syncRegs = append(syncRegs, reg)
		case ModeBackground:
			bgRegs = append(bgRegs, reg)
		default:
			asyncRegs = append(asyncRegs, reg)
		}
	}
	orderByPriority(syncRegs)
	orderByPriority(asyncRegs)
	orderByPriority(bgRegs)

	// Sync bucket: strict order, each awaited before the next starts.
	for _, reg := range syncRegs {
		results[reg.id] = r.execute(ctx, reg, evt)
	}

	// Async bucket: fire all, then await all.
	if len(asyncRegs) > 0 {
		var wg sync.WaitGroup
		var resMu sync.Mutex
		for _, reg := range asyncRegs {
			wg.Add(1)
			go func(reg *registration) {
				defer wg.Done()
				if r.asyncSem != nil {
					r.asyncSem <- struct{}{}
					defer func() { <-r.asyncSem }()
				}
				res := r.execute(ctx, reg, evt)
				resMu.Lock()
				results[reg.id] = res
				resMu.Unlock()
			}(reg)
		}
		wg.Wait()
	}

	// Background bucket: launched into the supervised set, never awaited
	// here. Failures are logged and kept in history only.
	for _, reg := range bgRegs {
		r.bgWG.Add(1)
		go func(reg *registration) {
			defer r.bgWG.Done()
			r.execute(context.WithoutCancel(ctx), reg, evt)
		}(reg)
	}

	return results
}

// execute runs one wrapper and applies logging, metrics, and the error
// callback around it.
func (r *Registry) execute(ctx context.Context, reg *registration, evt *event.Envelope) ExecutionResult {
	start := time.Now()
	result := reg.wrapper.Execute(ctx, evt)

	var execErr error
	if !result.Success {
		execErr = fmt.Errorf("%s", result.ErrorMessage)
	}
	r.config.Metrics.RecordHandlerExecution(ctx, reg.id, time.Since(start), execErr)

	if !result.Success {
		if !reg.wrapper.Metadata().IgnoreErrors {
			observability.LogHandlerFailure(r.config.Logger, reg.id, evt.ID, result.ErrorKind, result.ErrorMessage)
		}
		if r.config.OnError != nil {
			r.config.OnError(evt, reg.id, result)
		}
	}
	return result
}

// orderByPriority sorts registrations by priority ascending (critical
// first); ties keep registration order.
func orderByPriority(regs []*registration) {
	sort.SliceStable(regs, func(i, j int) bool {
		pi := regs[i].wrapper.Metadata().Priority
		pj := regs[j].wrapper.Metadata().Priority
		if pi != pj {
			return pi < pj
		}
		return regs[i].seq < regs[j].seq
	})
}

// Succeeded reports whether every result in a dispatch outcome succeeded.
// Background handlers are excluded by construction.
func Succeeded(results map[string]ExecutionResult) bool {
	for _, res := range results {
		if !res.Success {
			return false
		}
	}
	return true
}

// AggregateSuccess reports whether a dispatch outcome should count as a
// successful delivery. Failures from handlers registered with
// IgnoreErrors do not count against the event.
func (r *Registry) AggregateSuccess(results map[string]ExecutionResult) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ignored := make(map[string]bool)
	for _, regs := range r.handlers {
		for _, reg := range regs {
			if reg.wrapper.Metadata().IgnoreErrors {
				ignored[reg.id] = true
			}
		}
	}
	for id, res := range results {
		if !res.Success && !ignored[id] {
			return false
		}
	}
	return true
}

// Metrics returns the snapshot for one handler id, searching all event
// types.
func (r *Registry) Metrics(handlerID string) (HandlerMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, regs := range r.handlers {
		for _, reg := range regs {
			if reg.id == handlerID {
				return r.snapshot(reg), true
			}
		}
	}
	return HandlerMetrics{}, false
}

// AllMetrics returns snapshots for every registered handler, keyed by id.
func (r *Registry) AllMetrics() map[string]HandlerMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]HandlerMetrics)
	for _, regs := range r.handlers {
		for _, reg := range regs {
			out[reg.id] = r.snapshot(reg)
		}
	}
	return out
}

func (r *Registry) snapshot(reg *registration) HandlerMetrics {
	return HandlerMetrics{
		ID:       reg.id,
		Metadata: reg.wrapper.Metadata(),
		Stats:    reg.wrapper.Stats(),
		Recent:   reg.wrapper.History(10),
	}
}

// HandlerIDs returns the handler ids bound to an event type, in
// registration order.
func (r *Registry) HandlerIDs(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handlers[eventType]))
	for _, reg := range r.handlers[eventType] {
		ids = append(ids, reg.id)
	}
	return ids
}

// Shutdown joins outstanding background handler executions, returning
// early with the context's error if the grace period expires.
func (r *Registry) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.bgWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
