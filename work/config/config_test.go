package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, 5*time.Second, cfg.PrepareTimeout)
	assert.Zero(t, cfg.PlayTimeout)
	assert.InDelta(t, 0.0001, cfg.SegmentBoundaryEpsilon, 1e-12)
	assert.False(t, cfg.FailFastToInvalid)
}

func TestLoadConfigFromFile(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"logLevel": "DEBUG",
		"prepareTimeout": "2s",
		"playTimeout": "7s",
		"failFastToInvalid": true,
		"bitrateMax": 900000,
		"segmentBoundaryEpsilon": 0.001
	}`), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, 2*time.Second, cfg.PrepareTimeout)
	assert.Equal(t, 7*time.Second, cfg.PlayTimeout)
	assert.True(t, cfg.FailFastToInvalid)
	assert.Equal(t, 900000, cfg.EffectiveBitrateMax())
	assert.InDelta(t, 0.001, cfg.SegmentBoundaryEpsilon, 1e-12)
	// unspecified values come from defaults
	assert.Equal(t, 3, cfg.MaxPlaylistRetries)

	// cached until cleared
	assert.Same(t, cfg, LoadConfig(path))
}

func TestInvalidDurationFallsBack(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"prepareTimeout": "soon"}`), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, 5*time.Second, cfg.PrepareTimeout)
}

func TestCreateExampleConfigRoundTrips(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	path := filepath.Join(t.TempDir(), "example.json")
	require.NoError(t, CreateExampleConfig(path))

	cfg := LoadConfig(path)
	assert.Equal(t, "http://example.com/master.m3u8", cfg.SourceURL)
	assert.Equal(t, 10*time.Minute, cfg.KeyCacheTTL)
}

func TestUnboundedBitrateMax(t *testing.T) {
	cfg := Default()
	assert.Greater(t, cfg.EffectiveBitrateMax(), 1<<40)
}
