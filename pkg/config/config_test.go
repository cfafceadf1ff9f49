package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	yaml := "retry:\n  max_retries: 9\nqueue:\n  concurrency: 7\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Retry.MaxRetries)
	assert.Equal(t, 7, cfg.Queue.Concurrency)
	assert.Equal(t, 1000, cfg.Retry.BaseDelayMs, "unset fields still take the default")
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_retries: 9\n"), 0o644))

	t.Setenv("ORCHESTRATOR_RETRY_MAX_RETRIES", "2")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Retry.MaxRetries)
}

func TestMillis_ConvertsMillisecondsToDuration(t *testing.T) {
	assert.Equal(t, 1000, int(Millis(1000).Milliseconds()))
}
