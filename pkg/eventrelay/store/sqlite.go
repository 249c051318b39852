package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// timeLayout is a fixed-width RFC3339 variant so stored timestamps
// order correctly under lexical comparison.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists records to SQLite, giving at-least-once delivery
// across process restarts. It is suitable for single-process production
// use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite record store.
// The path should be a file path (e.g., "./events.db") or ":memory:"
// for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and
	// serializes writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS event_records (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_event_records_status
		ON event_records(status, created_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_records (event_id, event_type, status, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, rec.EventID, rec.Envelope.Type, string(rec.Status),
		rec.CreatedAt.UTC().Format(timeLayout),
		rec.UpdatedAt.UTC().Format(timeLayout),
		data)

	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, eventID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM event_records WHERE event_id = ?
	`, eventID).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	return decodeRecord(data)
}

// UpdateStatus implements Store. The read-validate-write runs inside one
// transaction so concurrent transitions on the same record serialize.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, eventID string, status Status, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRowContext(ctx, `
		SELECT data FROM event_records WHERE event_id = ?
	`, eventID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return err
	}
	if rec.Status == status {
		return nil
	}
	if !rec.Status.CanTransitionTo(status) {
		return transitionError(eventID, rec.Status, status)
	}

	rec.applyTransition(status, lastErr, time.Now().UTC())
	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE event_records SET status = ?, updated_at = ?, data = ?
		WHERE event_id = ?
	`, string(rec.Status), rec.UpdatedAt.Format(timeLayout), updated, eventID); err != nil {
		return fmt.Errorf("update record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// ListPending implements Store.
func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]*Record, error) {
	return s.listByStatus(ctx, limit, StatusPending)
}

// ListFailed implements Store.
func (s *SQLiteStore) ListFailed(ctx context.Context, limit int) ([]*Record, error) {
	return s.listByStatus(ctx, limit, StatusFailed, StatusRetrying)
}

func (s *SQLiteStore) listByStatus(ctx context.Context, limit int, statuses ...Status) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT data FROM event_records WHERE status = ?`
	args := []any{string(statuses[0])}
	for _, status := range statuses[1:] {
		query += ` OR status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Cleanup implements Store.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM event_records
		WHERE status IN (?, ?) AND updated_at < ?
	`, string(StatusCompleted), string(StatusDeadLetter),
		olderThan.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("cleanup records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup count: %w", err)
	}
	return int(affected), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
