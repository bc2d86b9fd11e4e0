package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, DefaultQueueAttempts, cfg.Queue.MaxAttempts)
	assert.Equal(t, DefaultCacheTTL, cfg.Cache.TTL)
	assert.False(t, cfg.IsProduction())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
environment: production
database:
  path: /var/lib/sprintloop/data.db
queue:
  workers: 8
session:
  ttl: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "/var/lib/sprintloop/data.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	// Untouched sections keep defaults.
	assert.Equal(t, DefaultActionsPerHour, cfg.Delegation.MaxActionsPerHour)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SPRINTLOOP_ENV", EnvProduction)
	t.Setenv("SPRINTLOOP_QUEUE_WORKERS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 3, cfg.Queue.Workers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Environment = "staging"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Queue.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Session.TTL = 0
	assert.Error(t, cfg.Validate())
}
