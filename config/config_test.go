package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validYAML = `
depthflow:
  name: depthflow
  version: test
channels:
  event_buffer: 16
  sample_buffer: 16
  capture_buffer: 4
feed:
  url: ws://localhost:9999/feed
  read_timeout: 5s
analytics:
  tick_interval: 250ms
  vol_window: 10
writer:
  batch_size: 10
  batch_timeout: 1s
instruments:
  - symbol: BTC-X
    tick_size: 0.5
    lot_size: 0.001
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Equal(t, 5*time.Second, cfg.Feed.ReadTimeout.Duration)
	require.Equal(t, 250*time.Millisecond, cfg.Analytics.TickInterval.Duration)

	// Defaults fill unset values.
	require.Equal(t, 2, cfg.Analytics.VolMinSamples)
	require.Equal(t, 3, cfg.Writer.Retry.MaxAttempts)
	require.Equal(t, 10*time.Second, cfg.Book.StaleAfter.Duration)
	require.Equal(t, time.Minute, cfg.Writer.ArchiveEvery.Duration)
}

func TestLoadConfigMissingInstruments(t *testing.T) {
	yaml := `
depthflow:
  name: depthflow
  version: test
channels:
  event_buffer: 16
  sample_buffer: 16
  capture_buffer: 4
`
	_, err := LoadConfig(writeConfig(t, yaml))
	require.Error(t, err)
	require.Contains(t, err.Error(), "instrument")
}

func TestLoadConfigDuplicateInstrument(t *testing.T) {
	yaml := validYAML + `
  - symbol: BTC-X
    tick_size: 0.5
    lot_size: 0.001
`
	_, err := LoadConfig(writeConfig(t, yaml))
	require.Error(t, err)
}

func TestLoadConfigBadDuration(t *testing.T) {
	yaml := `
depthflow:
  name: depthflow
  version: test
feed:
  read_timeout: soon
`
	_, err := LoadConfig(writeConfig(t, yaml))
	require.Error(t, err)
}

func TestInstrumentLookup(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	inst, ok := cfg.Instrument("BTC-X")
	require.True(t, ok)
	require.Equal(t, 0.5, inst.TickSize)

	_, ok = cfg.Instrument("DOGE-X")
	require.False(t, ok)

	require.Equal(t, []string{"BTC-X"}, cfg.Symbols())
}
