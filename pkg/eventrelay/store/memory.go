package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds the in-memory store when no capacity is
// given.
const DefaultMemoryCapacity = 10000

// MemoryStore is a bounded in-memory record store. When full, the
// records with the oldest creation time are evicted to make room. Data
// is lost when the process exits; it is the reference implementation
// for tests and single-process deployments that accept that tradeoff.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	capacity int
	closed   bool
}

// NewMemoryStore creates an in-memory store with the default capacity.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCapacity(DefaultMemoryCapacity)
}

// NewMemoryStoreWithCapacity creates an in-memory store bounded at
// capacity records. Non-positive capacities fall back to the default.
func NewMemoryStoreWithCapacity(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{
		records:  make(map[string]*Record),
		capacity: capacity,
	}
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if _, exists := m.records[rec.EventID]; !exists && len(m.records) >= m.capacity {
		m.evictOldest()
	}
	m.records[rec.EventID] = rec.Clone()
	return nil
}

// evictOldest removes the record with the earliest creation time.
// Caller holds the lock.
func (m *MemoryStore) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, rec := range m.records {
		if oldestID == "" || rec.CreatedAt.Before(oldest) {
			oldestID = id
			oldest = rec.CreatedAt
		}
	}
	if oldestID != "" {
		delete(m.records, oldestID)
	}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, eventID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	rec, ok := m.records[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// UpdateStatus implements Store.
func (m *MemoryStore) UpdateStatus(ctx context.Context, eventID string, status Status, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	rec, ok := m.records[eventID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status == status {
		return nil
	}
	if !rec.Status.CanTransitionTo(status) {
		return transitionError(eventID, rec.Status, status)
	}

	rec.applyTransition(status, lastErr, time.Now().UTC())
	return nil
}

// ListPending implements Store.
func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]*Record, error) {
	return m.listByStatus(limit, StatusPending)
}

// ListFailed implements Store.
func (m *MemoryStore) ListFailed(ctx context.Context, limit int) ([]*Record, error) {
	return m.listByStatus(limit, StatusFailed, StatusRetrying)
}

func (m *MemoryStore) listByStatus(limit int, statuses ...Status) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var out []*Record
	for _, rec := range m.records {
		for _, status := range statuses {
			if rec.Status == status {
				out = append(out, rec.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cleanup implements Store.
func (m *MemoryStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	count := 0
	for id, rec := range m.records {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(olderThan) {
			delete(m.records, id)
			count++
		}
	}
	return count, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = nil
	return nil
}
