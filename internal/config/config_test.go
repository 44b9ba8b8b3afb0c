package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("PANOCAP_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12000, cfg.Capture.DurationMS)
	assert.Equal(t, 18, cfg.Capture.FrameCount)
	assert.Equal(t, 3, cfg.Capture.CountdownSec)
	assert.Equal(t, "auto", cfg.Projection.Mode)
	assert.Equal(t, int64(42), cfg.Stitch.Seed)
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"capture":{"frame_count":24},"stitch":{"warp_mode":"planar"}}`), 0o644))
	t.Setenv("PANOCAP_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.Capture.FrameCount)
	assert.Equal(t, 12000, cfg.Capture.DurationMS, "unset fields keep defaults")
	assert.Equal(t, "planar", cfg.Stitch.WarpMode)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n  format: console\nserver:\n  http_addr: 127.0.0.1:9000\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"capture":`), 0o644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := expandUser("~/pano")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "pano"), got)

	got, err = expandUser("/abs")
	require.NoError(t, err)
	assert.Equal(t, "/abs", got)
}
