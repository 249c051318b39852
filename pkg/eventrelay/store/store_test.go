package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantapp/eventrelay/pkg/eventrelay/event"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/store"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) store.Store

func newTestRecord(t *testing.T, eventType string) *store.Record {
	t.Helper()
	evt, err := event.New(eventType, map[string]any{"key": "value"})
	require.NoError(t, err)
	return store.NewRecord(evt, event.DefaultDeliveryConfig())
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Save_and_Get", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		rec := newTestRecord(t, "plant.watered")
		require.NoError(t, s.Save(ctx, rec))

		loaded, err := s.Get(ctx, rec.EventID)
		require.NoError(t, err)
		assert.Equal(t, rec.EventID, loaded.EventID)
		assert.Equal(t, store.StatusPending, loaded.Status)
		assert.Equal(t, "plant.watered", loaded.Envelope.Type)
		assert.Equal(t, rec.Delivery.Mode, loaded.Delivery.Mode)
	})

	t.Run(name+"/Get_NotFound", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		_, err := s.Get(ctx, "nonexistent")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/Lifecycle_Transitions", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		rec := newTestRecord(t, "plant.watered")
		require.NoError(t, s.Save(ctx, rec))

		require.NoError(t, s.UpdateStatus(ctx, rec.EventID, store.StatusProcessing, ""))
		loaded, err := s.Get(ctx, rec.EventID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusProcessing, loaded.Status)
		require.NotNil(t, loaded.ProcessingStartedAt)

		require.NoError(t, s.UpdateStatus(ctx, rec.EventID, store.StatusCompleted, ""))
		loaded, err = s.Get(ctx, rec.EventID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, loaded.Status)
		require.NotNil(t, loaded.CompletedAt)
	})

	t.Run(name+"/Completed_Idempotent", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		rec := newTestRecord(t, "plant.watered")
		require.NoError(t, s.Save(ctx, rec))
		require.NoError(t, s.UpdateStatus(ctx, rec.EventID, store.StatusProcessing, ""))
		require.NoError(t, s.UpdateStatus(ctx, rec.EventID, store.StatusCompleted, ""))

		first, err := s.Get(ctx, rec.EventID)
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, s.UpdateStatus(ctx, rec.EventID, store.StatusCompleted, ""))

		second, err := s.Get(ctx, rec.EventID)
		require.NoError(t, err)
		assert.Equal(t, *first.CompletedAt, *second.CompletedAt,
			"re-completing must not move the completion timestamp")
	})

	t.Run(name+"/Illegal_Transition", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		rec := newTestRecord(t, "plant.watered")
		require.NoError(t, s.Save(ctx, rec))

		err := s.UpdateStatus(ctx, rec.EventID, store.StatusCompleted, "")
		assert.ErrorIs(t, err, store.ErrBadTransition)

		err = s.UpdateStatus(ctx, "nonexistent", store.StatusProcessing, "")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/Retrying_Increments_Count", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		rec := newTestRecord(t, "plant.watered")
		require.NoError(t, s.Save(ctx, rec))
		require.NoError(t, s.UpdateStatus(ctx, rec.EventID, store.StatusProcessing, ""))
		require.NoError(t, s.UpdateStatus(ctx, rec.EventID, store.StatusFailed, "handler exploded"))
		require.NoError(t, s.UpdateStatus(ctx, rec.EventID, store.StatusRetrying, ""))

		loaded, err := s.Get(ctx, rec.EventID)
		require.NoError(t, err)
		assert.Equal(t, 1, loaded.RetryCount)
		assert.Equal(t, "handler exploded", loaded.LastError)
	})

	t.Run(name+"/Cancel_and_Resurrect", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		rec := newTestRecord(t, "plant.watered")
		require.NoError(t, s.Save(ctx, rec))

		// Explicit cancellation routes a pending record to dead_letter.
		require.NoError(t, s.UpdateStatus(ctx, rec.EventID, store.StatusDeadLetter, "manually cancelled"))

		// Manual retry resurrects it.
		require.NoError(t, s.UpdateStatus(ctx, rec.EventID, store.StatusPending, ""))
		loaded, err := s.Get(ctx, rec.EventID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, loaded.Status)
	})

	t.Run(name+"/ListPending_Ordered", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		base := time.Now().UTC()
		var ids []string
		for i := 0; i < 3; i++ {
			rec := newTestRecord(t, "plant.watered")
			rec.CreatedAt = base.Add(time.Duration(2-i) * time.Second)
			require.NoError(t, s.Save(ctx, rec))
			ids = append(ids, rec.EventID)
		}

		pending, err := s.ListPending(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 3)

		// Oldest first: the third record has the earliest creation time.
		assert.Equal(t, ids[2], pending[0].EventID)
		assert.Equal(t, ids[0], pending[2].EventID)

		limited, err := s.ListPending(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run(name+"/ListFailed_Includes_Retrying", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		failed := newTestRecord(t, "plant.watered")
		require.NoError(t, s.Save(ctx, failed))
		require.NoError(t, s.UpdateStatus(ctx, failed.EventID, store.StatusProcessing, ""))
		require.NoError(t, s.UpdateStatus(ctx, failed.EventID, store.StatusFailed, "boom"))

		retrying := newTestRecord(t, "plant.watered")
		require.NoError(t, s.Save(ctx, retrying))
		require.NoError(t, s.UpdateStatus(ctx, retrying.EventID, store.StatusProcessing, ""))
		require.NoError(t, s.UpdateStatus(ctx, retrying.EventID, store.StatusFailed, "boom"))
		require.NoError(t, s.UpdateStatus(ctx, retrying.EventID, store.StatusRetrying, ""))

		completed := newTestRecord(t, "plant.watered")
		require.NoError(t, s.Save(ctx, completed))
		require.NoError(t, s.UpdateStatus(ctx, completed.EventID, store.StatusProcessing, ""))
		require.NoError(t, s.UpdateStatus(ctx, completed.EventID, store.StatusCompleted, ""))

		got, err := s.ListFailed(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
	})

	t.Run(name+"/Cleanup_Terminal_Only", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		done := newTestRecord(t, "plant.watered")
		require.NoError(t, s.Save(ctx, done))
		require.NoError(t, s.UpdateStatus(ctx, done.EventID, store.StatusProcessing, ""))
		require.NoError(t, s.UpdateStatus(ctx, done.EventID, store.StatusCompleted, ""))

		waiting := newTestRecord(t, "plant.watered")
		require.NoError(t, s.Save(ctx, waiting))

		count, err := s.Cleanup(ctx, time.Now().UTC().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		_, err = s.Get(ctx, done.EventID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.Get(ctx, waiting.EventID)
		assert.NoError(t, err, "pending records must survive cleanup")
	})

	t.Run(name+"/Closed_Store", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Close())

		rec := newTestRecord(t, "plant.watered")
		assert.ErrorIs(t, s.Save(ctx, rec), store.ErrStoreClosed)
		_, err := s.Get(ctx, rec.EventID)
		assert.ErrorIs(t, err, store.ErrStoreClosed)
	})
}

func TestStoreContract(t *testing.T) {
	storeContractTest(t, "Memory", func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})

	storeContractTest(t, "SQLite", func(t *testing.T) store.Store {
		s, err := store.NewSQLiteStore(":memory:")
		require.NoError(t, err)
		return s
	})
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to store.Status
		ok       bool
	}{
		{store.StatusPending, store.StatusProcessing, true},
		{store.StatusPending, store.StatusDeadLetter, true},
		{store.StatusPending, store.StatusCompleted, false},
		{store.StatusProcessing, store.StatusCompleted, true},
		{store.StatusProcessing, store.StatusFailed, true},
		{store.StatusProcessing, store.StatusPending, false},
		{store.StatusFailed, store.StatusRetrying, true},
		{store.StatusFailed, store.StatusDeadLetter, true},
		{store.StatusFailed, store.StatusPending, true},
		{store.StatusRetrying, store.StatusPending, true},
		{store.StatusRetrying, store.StatusDeadLetter, true},
		{store.StatusRetrying, store.StatusCompleted, false},
		{store.StatusDeadLetter, store.StatusPending, true},
		{store.StatusDeadLetter, store.StatusProcessing, false},
		{store.StatusCompleted, store.StatusPending, false},
		{store.StatusCompleted, store.StatusCompleted, true},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}
