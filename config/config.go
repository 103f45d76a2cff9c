// Package config holds the Mezzanine service configuration.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the core Mezzanine configuration
type Config struct {
	ConfigRoot    string              `mapstructure:"config_root"` // directory for persisted state (secret, worker registry)
	Database      DatabaseConfig      `mapstructure:"database"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Server        ServerConfig        `mapstructure:"server"`
	Workers       WorkersConfig       `mapstructure:"workers"`
	PostProcessor PostProcessorConfig `mapstructure:"postprocessor"`
	HealthCheck   HealthCheckConfig   `mapstructure:"healthcheck"`
	GPU           GPUConfig           `mapstructure:"gpu"`
	Link          LinkConfig          `mapstructure:"link"`
	Distributed   DistributedConfig   `mapstructure:"distributed"`
	Log           LogConfig           `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig selects and configures the task queue backend
type QueueConfig struct {
	// Backend is "sqlite" or "redis"
	Backend string `mapstructure:"backend"`
	// Redis connection, used when Backend is "redis". In hybrid mode
	// SQLite stays authoritative and Redis is the fast dispatcher.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Hybrid        bool   `mapstructure:"hybrid"`
}

// CacheConfig configures the transcode cache
type CacheConfig struct {
	Path string `mapstructure:"path"` // cache root for in-flight artifacts
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// WorkersConfig carries the legacy scalar worker count. New installs
// configure counts per worker group; a non-zero value here is migrated
// into the default group on first run and then cleared.
type WorkersConfig struct {
	LegacyWorkerCount int `mapstructure:"legacy_worker_count"`
}

// PostProcessorConfig configures artifact movement retries
type PostProcessorConfig struct {
	MaxRetries  int `mapstructure:"max_retries"`  // total attempts before the task is dropped (default: 3)
	BackoffBase int `mapstructure:"backoff_base"` // seconds; sleep backoff_base^attempt between tries (default: 2)
}

// HealthCheckConfig configures the pre/post transcode integrity checks
type HealthCheckConfig struct {
	PreCheckEnabled          bool   `mapstructure:"pre_check_enabled"`
	PostCheckEnabled         bool   `mapstructure:"post_check_enabled"`
	FailOnPreCheckCorruption bool   `mapstructure:"fail_on_pre_check_corruption"`
	TimeoutSeconds           int    `mapstructure:"timeout_seconds"` // clamped to 30..3600 (default: 300)
	FFmpegPath               string `mapstructure:"ffmpeg_path"`
}

// Timeout returns the health check timeout clamped to the supported range.
func (h HealthCheckConfig) Timeout() time.Duration {
	secs := h.TimeoutSeconds
	if secs < 30 {
		secs = 30
	}
	if secs > 3600 {
		secs = 3600
	}
	return time.Duration(secs) * time.Second
}

// GPUConfig configures hardware acceleration devices
type GPUConfig struct {
	Devices           []GPUDeviceConfig `mapstructure:"devices"`
	MaxWorkersPerGPU  int               `mapstructure:"max_workers_per_gpu"`
	SelectionStrategy string            `mapstructure:"selection_strategy"` // round_robin, least_used, manual
}

// GPUDeviceConfig describes one hardware device
type GPUDeviceConfig struct {
	DeviceID      string `mapstructure:"device_id"` // "cuda:0", "vaapi:/dev/dri/renderD128"
	Type          string `mapstructure:"type"`
	HWAccelDevice string `mapstructure:"hwaccel_device"`
}

// LinkConfig configures peer installations for remote dispatch
type LinkConfig struct {
	Installations []LinkInstallationConfig `mapstructure:"installations"`
}

// LinkInstallationConfig describes one linked peer installation
type LinkInstallationConfig struct {
	UUID     string `mapstructure:"uuid"`
	Address  string `mapstructure:"address"`
	Auth     string `mapstructure:"auth"` // "basic" or "bearer"
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
}

// DistributedConfig configures distributed worker auth
type DistributedConfig struct {
	TokenValiditySeconds int `mapstructure:"token_validity_seconds"` // default 24h, capped at 30 days
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// DefaultConfigRoot returns ~/.mezzanine, the default directory for
// persisted state.
func DefaultConfigRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mezzanine"
	}
	return filepath.Join(home, ".mezzanine")
}
