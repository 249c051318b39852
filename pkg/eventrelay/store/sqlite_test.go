package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantapp/eventrelay/pkg/eventrelay/store"
)

func TestSQLiteStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	// First store instance
	store1, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	rec := newTestRecord(t, "plant.watered")
	require.NoError(t, store1.Save(ctx, rec))
	require.NoError(t, store1.UpdateStatus(ctx, rec.EventID, store.StatusProcessing, ""))
	require.NoError(t, store1.UpdateStatus(ctx, rec.EventID, store.StatusFailed, "boom"))
	require.NoError(t, store1.Close())

	// Second store instance (reopening the database)
	store2, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	loaded, err := store2.Get(ctx, rec.EventID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, loaded.Status)
	assert.Equal(t, "boom", loaded.LastError)
	assert.Equal(t, rec.Envelope.Payload, loaded.Envelope.Payload)

	// The reopened store still serves the sweep queries.
	failed, err := store2.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := store.NewSQLiteStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

func TestSQLiteStore_CloseIdempotent(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestSQLiteStore_ConcurrentTransitions(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	rec := newTestRecord(t, "plant.watered")
	require.NoError(t, s.Save(ctx, rec))

	// Many goroutines race the same pending -> processing transition.
	// The transition is idempotent, so every call must succeed and the
	// processing timestamp must be set exactly once.
	const goroutines = 20
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.UpdateStatus(ctx, rec.EventID, store.StatusProcessing, "")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	loaded, err := s.Get(ctx, rec.EventID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, loaded.Status)
	require.NotNil(t, loaded.ProcessingStartedAt)
}
