package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ChromaPersistent, cfg.ChromaMode)
	assert.Equal(t, 30*time.Second, cfg.DoltCommandTimeout)
	assert.Equal(t, 120*time.Second, cfg.BulkDocTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.False(t, cfg.EnableLogging)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHROMA_MODE", "server")
	t.Setenv("CHROMA_HOST", "chroma.internal")
	t.Setenv("CHROMA_PORT", "9000")
	t.Setenv("DOLT_COMMAND_TIMEOUT", "45s")
	t.Setenv("MAX_RETRIES", "5")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ChromaServer, cfg.ChromaMode)
	assert.Equal(t, "chroma.internal", cfg.ChromaHost)
	assert.Equal(t, 9000, cfg.ChromaPort)
	assert.Equal(t, 45*time.Second, cfg.DoltCommandTimeout)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestLoadConfigFileOverlay(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".dmms"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, ".dmms", "config.yml"),
		[]byte("DOLT_REMOTE_NAME: upstream\nBUFFER_SIZE: 4096\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "upstream", cfg.DoltRemoteName)
	assert.Equal(t, 4096, cfg.BufferSize)
}

func TestValidateRejectsBadMode(t *testing.T) {
	t.Setenv("CHROMA_MODE", "in-memory")
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestTrackerDBPath(t *testing.T) {
	cfg := &Config{ChromaDataPath: "/data"}
	assert.Equal(t, filepath.Join("/data", "dev", "deletion_tracking.db"), cfg.TrackerDBPath())
}
