package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantapp/eventrelay/pkg/eventrelay/config"
	"github.com/verdantapp/eventrelay/pkg/eventrelay/event"
)

func TestAccessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":    "relay",
		"count":   3,
		"ratio":   2.5,
		"enabled": true,
		"wait":    "30s",
		"seconds": 5,
		"tags":    []any{"a", "b"},
		"mixed":   []any{"a", 1},
	})

	assert.Equal(t, "relay", cfg.String("name", "default"))
	assert.Equal(t, "default", cfg.String("missing", "default"))
	assert.Equal(t, "default", cfg.String("count", "default"))

	assert.Equal(t, 3, cfg.Int("count", 9))
	assert.Equal(t, 9, cfg.Int("ratio", 9), "fractional values must not truncate")

	assert.Equal(t, 2.5, cfg.Float("ratio", 0))
	assert.Equal(t, 3.0, cfg.Float("count", 0))

	assert.True(t, cfg.Bool("enabled", false))
	assert.False(t, cfg.Bool("missing", false))

	assert.Equal(t, 30*time.Second, cfg.Duration("wait", time.Minute))
	assert.Equal(t, 5*time.Second, cfg.Duration("seconds", time.Minute))
	assert.Equal(t, time.Minute, cfg.Duration("missing", time.Minute))

	assert.Equal(t, []string{"a", "b"}, cfg.StringSlice("tags", nil))
	assert.Nil(t, cfg.StringSlice("mixed", nil))

	assert.True(t, cfg.Has("name"))
	assert.False(t, cfg.Has("missing"))
}

func TestSub(t *testing.T) {
	cfg := config.New(map[string]any{
		"publisher": map[string]any{
			"batch_size": 20,
		},
		"scalar": 1,
	})

	assert.Equal(t, 20, cfg.Sub("publisher").Int("batch_size", 0))
	assert.Equal(t, 0, cfg.Sub("missing").Int("batch_size", 0))
	assert.Equal(t, 0, cfg.Sub("scalar").Int("batch_size", 0))
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
delivery:
  mode: persistent
  priority: high
  max_retries: 5
  retry_delay: 2s
publisher:
  sweep_interval: 1s
  batch_size: 20
`))
	require.NoError(t, err)

	d := cfg.DeliveryConfig()
	assert.Equal(t, event.DeliveryPersistent, d.Mode)
	assert.Equal(t, event.PriorityHigh, d.Priority)
	assert.Equal(t, 5, d.MaxRetries)
	assert.Equal(t, 2*time.Second, d.RetryDelay)
	// Unset fields keep their defaults.
	assert.Equal(t, event.DefaultDeliveryConfig().Timeout, d.Timeout)
	assert.True(t, d.DeadLetter)

	p := cfg.PublisherConfig()
	assert.Equal(t, time.Second, p.SweepInterval)
	assert.Equal(t, 20, p.BatchSize)
	assert.Zero(t, p.Retention, "unset knobs stay zero for the publisher defaults to fill")
}

func TestFromYAMLInvalid(t *testing.T) {
	_, err := config.FromYAML([]byte("\tbad: [unclosed"))
	assert.Error(t, err)
}

func TestFromJSON(t *testing.T) {
	cfg, err := config.FromJSON([]byte(`{"delivery": {"mode": "batch", "max_retries": 1}}`))
	require.NoError(t, err)

	d := cfg.DeliveryConfig()
	assert.Equal(t, event.DeliveryBatch, d.Mode)
	assert.Equal(t, 1, d.MaxRetries)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("delivery:\n  mode: immediate\n"), 0o644))

	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, event.DeliveryImmediate, cfg.DeliveryConfig().Mode)

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	txtPath := filepath.Join(dir, "relay.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("x"), 0o644))
	_, err = config.FromFile(txtPath)
	assert.Error(t, err)
}
