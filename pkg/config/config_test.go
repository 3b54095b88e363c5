package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, 5*time.Minute, cfg.Sync.MaxJobRunDuration)
	assert.Equal(t, 2, cfg.Sync.StaleJobMultiplier)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, ":8343", cfg.Server.Addr)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero run duration", func(c *Config) { c.Sync.MaxJobRunDuration = 0 }},
		{"zero multiplier", func(c *Config) { c.Sync.StaleJobMultiplier = 0 }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"zero page size", func(c *Config) { c.Sync.PageSize = 0 }},
		{"missing status path", func(c *Config) { c.Storage.StatusPath = "" }},
		{"missing data path", func(c *Config) { c.Storage.DataPath = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := New()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStaleJobThreshold(t *testing.T) {
	cfg := New()
	cfg.Sync.MaxJobRunDuration = 3 * time.Minute
	cfg.Sync.StaleJobMultiplier = 2
	assert.Equal(t, 6*time.Minute, cfg.Sync.StaleJobThreshold())
}

func TestConnectorSettings(t *testing.T) {
	cfg := New()
	cfg.Connectors = map[string]map[string]string{
		"hubspot": {"client_id": "cid"},
	}

	assert.Equal(t, "cid", cfg.ConnectorSettings("hubspot")["client_id"])
	assert.NotNil(t, cfg.ConnectorSettings("unknown"), "unknown connectors get an empty map")
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datanav.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sync:
  max_job_run_duration: 2m
  batch_size: 50
storage:
  status_path: /tmp/status.db
  data_path: /tmp/data.db
connectors:
  hubspot:
    client_id: file-cid
`), 0o644))

	t.Setenv("DATANAV_SYNC_STALE_JOB_MULTIPLIER", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Sync.MaxJobRunDuration)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Sync.StaleJobMultiplier, "environment overrides defaults")
	assert.Equal(t, 100, cfg.Sync.PageSize, "unset keys keep defaults")
	assert.Equal(t, "/tmp/status.db", cfg.Storage.StatusPath)
	assert.Equal(t, "file-cid", cfg.ConnectorSettings("hubspot")["client_id"])
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
