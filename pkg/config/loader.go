package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional YAML file and the environment,
// layered over the defaults from New. Environment variables use the DATANAV_
// prefix with underscores for section separators (e.g.
// DATANAV_SYNC_MAX_JOB_RUN_DURATION=2m).
func Load(filePath string) (*Config, error) {
	v := viper.New()

	cfg := New()
	v.SetDefault("sync.max_job_run_duration", cfg.Sync.MaxJobRunDuration)
	v.SetDefault("sync.stale_job_multiplier", cfg.Sync.StaleJobMultiplier)
	v.SetDefault("sync.batch_size", cfg.Sync.BatchSize)
	v.SetDefault("sync.page_size", cfg.Sync.PageSize)
	v.SetDefault("storage.status_path", cfg.Storage.StatusPath)
	v.SetDefault("storage.data_path", cfg.Storage.DataPath)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("observability.enable_metrics", cfg.Observability.EnableMetrics)
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_encoding", cfg.Observability.LogEncoding)

	v.SetEnvPrefix("DATANAV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
