package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandler captures log records for testing.
type testHandler struct {
	buf    *bytes.Buffer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func newTestHandler() *testHandler {
	return &testHandler{
		buf:   &bytes.Buffer{},
		level: slog.LevelDebug,
	}
}

func (h *testHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *testHandler) Handle(_ context.Context, r slog.Record) error {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
	}

	for _, attr := range h.attrs {
		data[attr.Key] = attr.Value.Any()
	}

	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})

	enc := json.NewEncoder(h.buf)
	return enc.Encode(data)
}

func (h *testHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newH := &testHandler{
		buf:    h.buf,
		level:  h.level,
		attrs:  make([]slog.Attr, len(h.attrs)+len(attrs)),
		groups: h.groups,
	}
	copy(newH.attrs, h.attrs)
	copy(newH.attrs[len(h.attrs):], attrs)
	return newH
}

func (h *testHandler) WithGroup(name string) slog.Handler {
	return &testHandler{
		buf:    h.buf,
		level:  h.level,
		attrs:  h.attrs,
		groups: append(h.groups, name),
	}
}

func (h *testHandler) getLastRecord() map[string]any {
	lines := bytes.Split(h.buf.Bytes(), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if len(lines[i]) > 0 {
			var m map[string]any
			if err := json.Unmarshal(lines[i], &m); err == nil {
				return m
			}
		}
	}
	return nil
}

func TestEnrichLogger(t *testing.T) {
	t.Run("adds event_id, event_type, and attempt", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		enriched := EnrichLogger(logger, "evt-123", "plant.watered", 2)
		enriched.Info("test message")

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "evt-123", record["event_id"])
		assert.Equal(t, "plant.watered", record["event_type"])
		assert.Equal(t, float64(2), record["attempt"]) // JSON decodes ints as float64
		assert.Equal(t, "test message", record["msg"])
	})

	t.Run("nil logger returns nil", func(t *testing.T) {
		assert.Nil(t, EnrichLogger(nil, "evt-123", "plant.watered", 1))
	})
}

func TestLogPublish(t *testing.T) {
	t.Run("logs at DEBUG level", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogPublish(logger, "evt-1", "plant.watered", "async")

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "DEBUG", record["level"])
		assert.Equal(t, "event published", record["msg"])
		assert.Equal(t, "evt-1", record["event_id"])
		assert.Equal(t, "plant.watered", record["event_type"])
		assert.Equal(t, "async", record["mode"])
	})

	t.Run("nil logger does not panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			LogPublish(nil, "evt-1", "plant.watered", "immediate")
		})
	})
}

func TestLogDispatch(t *testing.T) {
	t.Run("logs handler counts at INFO level", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogDispatch(logger, "evt-2", "care.reminder", 3, 2)

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "INFO", record["level"])
		assert.Equal(t, "event dispatched", record["msg"])
		assert.Equal(t, float64(3), record["handlers"])
		assert.Equal(t, float64(2), record["succeeded"])
	})

	t.Run("nil logger does not panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			LogDispatch(nil, "evt", "type", 1, 1)
		})
	})
}

func TestLogHandlerFailure(t *testing.T) {
	t.Run("logs at ERROR level with kind", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogHandlerFailure(logger, "waterer", "evt-3", "timeout", "handler timed out")

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "ERROR", record["level"])
		assert.Equal(t, "handler failed", record["msg"])
		assert.Equal(t, "waterer", record["handler"])
		assert.Equal(t, "timeout", record["error_kind"])
		assert.Equal(t, "handler timed out", record["error"])
	})

	t.Run("nil logger does not panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			LogHandlerFailure(nil, "h", "evt", "execution", "boom")
		})
	})
}

func TestLogRetryScheduled(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogRetryScheduled(logger, "evt-4", 2, 4*time.Second)

	record := h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "event retry scheduled", record["msg"])
	assert.Equal(t, "evt-4", record["event_id"])
	assert.Equal(t, float64(2), record["retry_count"])
}

func TestLogDeadLetter(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogDeadLetter(logger, "evt-5", "plant.watered", "pump offline")

	record := h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "event dead-lettered", record["msg"])
	assert.Equal(t, "pump offline", record["last_error"])
}

func TestLogSweep(t *testing.T) {
	t.Run("skips empty sweeps", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogSweep(logger, 0, 0, time.Millisecond)
		assert.Nil(t, h.getLastRecord())
	})

	t.Run("logs non-empty sweeps at DEBUG level", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogSweep(logger, 4, 1, 10*time.Millisecond)

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "DEBUG", record["level"])
		assert.Equal(t, "sweep completed", record["msg"])
		assert.Equal(t, float64(4), record["processed"])
		assert.Equal(t, float64(1), record["failed"])
	})
}

func TestLogCleanup(t *testing.T) {
	t.Run("skips no-op cleanups", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogCleanup(logger, 0, time.Now())
		assert.Nil(t, h.getLastRecord())
	})

	t.Run("logs purge counts", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogCleanup(logger, 12, time.Now().Add(-7*24*time.Hour))

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "INFO", record["level"])
		assert.Equal(t, "old events purged", record["msg"])
		assert.Equal(t, float64(12), record["purged"])
	})
}

func TestLogShutdown(t *testing.T) {
	t.Run("logs stage completion", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogShutdown(logger, "flush batches", nil)

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "INFO", record["level"])
		assert.Equal(t, "shutdown stage complete", record["msg"])
		assert.Equal(t, "flush batches", record["stage"])
	})

	t.Run("logs stage failure at ERROR level", func(t *testing.T) {
		h := newTestHandler()
		logger := slog.New(h)

		LogShutdown(logger, "close store", errors.New("already closed"))

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "ERROR", record["level"])
		assert.Equal(t, "shutdown stage failed", record["msg"])
		assert.Equal(t, "already closed", record["error"])
	})

	t.Run("nil logger does not panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			LogShutdown(nil, "stage", errors.New("err"))
		})
	})
}
