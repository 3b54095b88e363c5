// Package config provides the unified configuration system for Datanav.
// It defines a single Config structure consumed by the sync engine,
// organized into logical sections:
//   - Sync: deadlines, batch sizes, stale-job thresholds
//   - Storage: status store and record writer locations
//   - Server: HTTP operational surface
//   - Observability: metrics and logging
//
// Example usage:
//
//	cfg := config.New()
//	cfg.Sync.MaxJobRunDuration = 2 * time.Minute
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// Config is the single configuration structure for the sync engine.
type Config struct {
	Sync          SyncConfig          `yaml:"sync" json:"sync" mapstructure:"sync"`
	Storage       StorageConfig       `yaml:"storage" json:"storage" mapstructure:"storage"`
	Server        ServerConfig        `yaml:"server" json:"server" mapstructure:"server"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`

	// Connectors holds per-connector adapter settings keyed by connector ID
	// (provider credentials, endpoints, table lists). The engine passes the
	// map through to the adapter factory without interpreting it.
	Connectors map[string]map[string]string `yaml:"connectors" json:"connectors" mapstructure:"connectors"`
}

// SyncConfig controls job execution and load-loop behavior.
type SyncConfig struct {
	// MaxJobRunDuration bounds a single job run. It is the per-run deadline
	// handed to the source adapter and, multiplied by StaleJobMultiplier,
	// the threshold past which an untouched job is considered abandoned.
	MaxJobRunDuration time.Duration `yaml:"max_job_run_duration" json:"max_job_run_duration" mapstructure:"max_job_run_duration"`

	// StaleJobMultiplier scales MaxJobRunDuration into the stale threshold.
	StaleJobMultiplier int `yaml:"stale_job_multiplier" json:"stale_job_multiplier" mapstructure:"stale_job_multiplier"`

	// BatchSize is the combined buffered-record count that triggers a flush
	// through validation and the record writer.
	BatchSize int `yaml:"batch_size" json:"batch_size" mapstructure:"batch_size"`

	// PageSize is the default provider page size hint for adapters.
	PageSize int `yaml:"page_size" json:"page_size" mapstructure:"page_size"`
}

// StorageConfig locates the status store and the record writer database.
type StorageConfig struct {
	// StatusPath is the SQLite file backing connector/job state.
	// ":memory:" selects an ephemeral store.
	StatusPath string `yaml:"status_path" json:"status_path" mapstructure:"status_path"`

	// DataPath is the SQLite file backing synced resource tables.
	DataPath string `yaml:"data_path" json:"data_path" mapstructure:"data_path"`
}

// ServerConfig controls the HTTP operational surface.
type ServerConfig struct {
	Addr         string        `yaml:"addr" json:"addr" mapstructure:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
}

// ObservabilityConfig contains monitoring settings.
type ObservabilityConfig struct {
	EnableMetrics bool   `yaml:"enable_metrics" json:"enable_metrics" mapstructure:"enable_metrics"`
	LogLevel      string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	LogEncoding   string `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding"`
}

// New creates a Config with production defaults.
func New() *Config {
	return &Config{
		Sync: SyncConfig{
			MaxJobRunDuration:  5 * time.Minute,
			StaleJobMultiplier: 2,
			BatchSize:          100,
			PageSize:           100,
		},
		Storage: StorageConfig{
			StatusPath: "datanav-status.db",
			DataPath:   "datanav-data.db",
		},
		Server: ServerConfig{
			Addr:         ":8343",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
			LogLevel:      "info",
			LogEncoding:   "json",
		},
		Connectors: make(map[string]map[string]string),
	}
}

// Validate checks required fields and value ranges. Call after loading
// configuration to catch errors early.
func (c *Config) Validate() error {
	if c.Sync.MaxJobRunDuration <= 0 {
		return fmt.Errorf("sync.max_job_run_duration must be positive")
	}
	if c.Sync.StaleJobMultiplier < 1 {
		return fmt.Errorf("sync.stale_job_multiplier must be at least 1")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.Storage.StatusPath == "" {
		return fmt.Errorf("storage.status_path is required")
	}
	if c.Storage.DataPath == "" {
		return fmt.Errorf("storage.data_path is required")
	}
	return nil
}

// StaleJobThreshold returns the age past which an unfinished job is
// considered abandoned.
func (s *SyncConfig) StaleJobThreshold() time.Duration {
	return s.MaxJobRunDuration * time.Duration(s.StaleJobMultiplier)
}

// ConnectorSettings returns the settings map for a connector, never nil.
func (c *Config) ConnectorSettings(connectorID string) map[string]string {
	if s, ok := c.Connectors[connectorID]; ok {
		return s
	}
	return map[string]string{}
}
