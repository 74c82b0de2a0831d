package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bufferPoolSize: 128\ncheckpointIntervalSeconds: 5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 128, cfg.BufferPoolSize)
	require.Equal(t, 5*time.Second, cfg.CheckpointInterval)
	require.Equal(t, Default().HeapFile, cfg.HeapFile)
}

func TestLoadRejectsNonPositiveBufferPool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bufferPoolSize: 0\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
