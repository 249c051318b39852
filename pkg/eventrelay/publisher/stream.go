package publisher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/verdantapp/eventrelay/pkg/eventrelay/event"
)

const (
	// defaultStreamCapacity bounds the recent-event ring buffer.
	defaultStreamCapacity = 1000

	// defaultStreamWorkers bounds concurrent subscriber callbacks.
	defaultStreamWorkers = 4

	// streamQueueSize is the callback queue depth before notifications
	// start being dropped.
	streamQueueSize = 256
)

// wildcardType subscribes a callback to every event type.
const wildcardType = "*"

// SubscriberFunc receives a copy of each published event it subscribed
// to. Copies are private to the subscriber; mutation is safe.
type SubscriberFunc func(evt *event.Envelope)

// StreamPublisher wraps a Publisher with live subscriptions and a
// bounded buffer of recent events. Subscriber callbacks run on a worker
// pool off the publishing path, so a slow subscriber delays other
// notifications at worst, never publication itself.
type StreamPublisher struct {
	*Publisher

	mu          sync.RWMutex
	subscribers map[string]map[string]SubscriberFunc // event type -> subscription id -> fn
	ring        []*event.Envelope
	ringNext    int
	ringSize    int
	capacity    int

	queue     chan streamNotification
	draining  bool
	workersWG sync.WaitGroup
	closeOnce sync.Once
}

type streamNotification struct {
	fn  SubscriberFunc
	evt *event.Envelope
}

// NewStreamPublisher wraps an existing Publisher. The worker pool starts
// immediately; Shutdown stops it along with the underlying publisher.
func NewStreamPublisher(p *Publisher) *StreamPublisher {
	s := &StreamPublisher{
		Publisher:   p,
		subscribers: make(map[string]map[string]SubscriberFunc),
		ring:        make([]*event.Envelope, defaultStreamCapacity),
		capacity:    defaultStreamCapacity,
		queue:       make(chan streamNotification, streamQueueSize),
	}
	for i := 0; i < defaultStreamWorkers; i++ {
		s.workersWG.Add(1)
		go s.worker()
	}
	return s
}

func (s *StreamPublisher) worker() {
	defer s.workersWG.Done()
	for n := range s.queue {
		n.fn(n.evt)
	}
}

// Publish records the event in the stream, notifies subscribers, and
// delegates delivery to the wrapped publisher.
func (s *StreamPublisher) Publish(ctx context.Context, evt *event.Envelope, cfg *event.DeliveryConfig) (string, error) {
	id, err := s.Publisher.Publish(ctx, evt, cfg)
	if err != nil {
		return "", err
	}

	s.record(evt)
	s.notify(evt)
	return id, nil
}

// Subscribe registers a callback for an event type; eventType "*"
// receives everything. It returns the subscription id for Unsubscribe.
func (s *StreamPublisher) Subscribe(eventType string, fn SubscriberFunc) string {
	id := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[eventType] == nil {
		s.subscribers[eventType] = make(map[string]SubscriberFunc)
	}
	s.subscribers[eventType][id] = fn
	return id
}

// Unsubscribe removes a subscription. It reports whether the id was
// registered for the event type.
func (s *StreamPublisher) Unsubscribe(eventType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.subscribers[eventType]
	if !ok {
		return false
	}
	if _, ok := subs[id]; !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(s.subscribers, eventType)
	}
	return true
}

// RecentEvents returns up to limit buffered events, newest first. An
// empty types filter matches everything.
func (s *StreamPublisher) RecentEvents(types []string, limit int) []*event.Envelope {
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > s.ringSize {
		limit = s.ringSize
	}

	out := make([]*event.Envelope, 0, limit)
	for i := 1; i <= s.ringSize && len(out) < limit; i++ {
		idx := (s.ringNext - i + s.capacity) % s.capacity
		evt := s.ring[idx]
		if len(wanted) > 0 && !wanted[evt.Type] {
			continue
		}
		out = append(out, evt.Clone())
	}
	return out
}

func (s *StreamPublisher) record(evt *event.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.ringNext] = evt.Clone()
	s.ringNext = (s.ringNext + 1) % s.capacity
	if s.ringSize < s.capacity {
		s.ringSize++
	}
}

// notify enqueues subscriber callbacks. Sends stay under the read lock:
// they never block (full queues drop), and Shutdown closes the queue
// under the write lock, so a send can never hit a closed channel.
func (s *StreamPublisher) notify(evt *event.Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.draining {
		return
	}

	var fns []SubscriberFunc
	for _, fn := range s.subscribers[evt.Type] {
		fns = append(fns, fn)
	}
	for _, fn := range s.subscribers[wildcardType] {
		fns = append(fns, fn)
	}

	for _, fn := range fns {
		select {
		case s.queue <- streamNotification{fn: fn, evt: evt.Clone()}:
		default:
			// Queue full: drop rather than block publication.
			if s.cfg.Logger != nil {
				s.cfg.Logger.Warn("subscriber queue full, dropping notification",
					slog.String("event_id", evt.ID),
					slog.String("event_type", evt.Type),
				)
			}
		}
	}
}

// Shutdown drains the subscriber pool, then shuts down the wrapped
// publisher.
func (s *StreamPublisher) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.draining = true
		close(s.queue)
		s.mu.Unlock()
	})
	s.workersWG.Wait()
	return s.Publisher.Shutdown(ctx)
}
