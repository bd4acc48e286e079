package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
dataset:
  root_dir: /data
  img_name: frames
redis:
  enabled: true
  ttl: 1h
export:
  invert: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.Mode)
	assert.Equal(t, "/data", cfg.Dataset.RootDir)
	assert.Equal(t, "videos", cfg.Dataset.VidName)
	assert.Equal(t, filepath.Join("/data", "frames"), cfg.Dataset.ImageRoot())
	assert.Equal(t, filepath.Join("/data", "masks", "seq"), cfg.Dataset.MaskDir("seq"))
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, time.Hour, cfg.Redis.TTL)
	assert.True(t, cfg.Export.Invert)
	assert.Equal(t, ".mask.png", cfg.Export.Suffix)
	assert.Equal(t, 8, cfg.SAM2.MaxCachedFrames)
}

func TestNewFallsBackToDefault(t *testing.T) {
	cfg, err := New(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestNewMalformedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [port\n"), 0o644))

	cfg, err := New(path)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestNewBadValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: not-a-port\n"), 0o644))

	_, err := New(path)
	require.Error(t, err)
}

func TestDefaultsMatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestDefaultMaskDirSeparateFromFrames(t *testing.T) {
	d := Default().Dataset
	assert.Equal(t, filepath.Join(".", "masks", "seq"), d.MaskDir("seq"))
	assert.NotEqual(t, filepath.Join(d.ImageRoot(), "seq"), d.MaskDir("seq"))
}
