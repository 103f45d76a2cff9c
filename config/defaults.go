package config

import (
	"path/filepath"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	root := DefaultConfigRoot()
	v.SetDefault("config_root", root)

	// Database defaults
	v.SetDefault("database.path", filepath.Join(root, "mezzanine.db"))

	// Queue defaults
	v.SetDefault("queue.backend", "sqlite")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.hybrid", true)

	// Cache defaults
	v.SetDefault("cache.path", filepath.Join(root, "cache"))

	// Server defaults
	v.SetDefault("server.port", 8888)

	// Post-processor defaults
	v.SetDefault("postprocessor.max_retries", 3)
	v.SetDefault("postprocessor.backoff_base", 2)

	// Health check defaults
	v.SetDefault("healthcheck.pre_check_enabled", false)
	v.SetDefault("healthcheck.post_check_enabled", false)
	v.SetDefault("healthcheck.fail_on_pre_check_corruption", false)
	v.SetDefault("healthcheck.timeout_seconds", 300)
	v.SetDefault("healthcheck.ffmpeg_path", "ffmpeg")

	// GPU defaults
	v.SetDefault("gpu.max_workers_per_gpu", 1)
	v.SetDefault("gpu.selection_strategy", "round_robin")

	// Distributed worker defaults
	v.SetDefault("distributed.token_validity_seconds", 24*60*60)

	// Logging defaults
	v.SetDefault("log.json", false)
}
