// Configuration loading via viper: defaults, optional YAML file, VULCAN_* env overrides
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ============================================================================
// CONFIG TYPES
// ============================================================================

// DeviceConfig: Static inventory entry for one GPU device
type DeviceConfig struct {
	ID          int    `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	TotalVRAM   uint64 `mapstructure:"total_vram"` // bytes
	NVLinkPeers []int  `mapstructure:"nvlink_peers"`

	// Models resident at startup; baseline models are never evicted
	BaselineModels []ModelConfig `mapstructure:"baseline_models"`
}

// ModelConfig: A model pre-loaded on a device at startup
type ModelConfig struct {
	Name     string `mapstructure:"name"`
	VRAM     uint64 `mapstructure:"vram"` // bytes
	Baseline bool   `mapstructure:"baseline"`
}

// Config: System-wide configuration
type Config struct {
	// HTTP gateway
	HTTPAddr string `mapstructure:"http_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"`

	// Static device inventory; NVML telemetry overlays live metrics by index
	Devices []DeviceConfig `mapstructure:"devices"`

	// Scheduler
	AdmissionMaxRetries int           `mapstructure:"admission_max_retries"`
	QueueMaxWait        time.Duration `mapstructure:"queue_max_wait"`
	DrainSkipPerTier    int           `mapstructure:"drain_skip_per_tier"`
	ReapInterval        time.Duration `mapstructure:"reap_interval"`

	// Health monitor
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	TempMaxC       float64       `mapstructure:"temp_max_c"`
	ErrorMax       int           `mapstructure:"error_max"`
	RecoverySweeps int           `mapstructure:"recovery_sweeps"`

	// Telemetry ingestion
	TelemetryEnabled  bool          `mapstructure:"telemetry_enabled"`
	TelemetryInterval time.Duration `mapstructure:"telemetry_interval"`

	// Redis state mirror (best effort, for dashboards)
	MirrorEnabled  bool          `mapstructure:"mirror_enabled"`
	MirrorInterval time.Duration `mapstructure:"mirror_interval"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"`
}

// ============================================================================
// LOADING
// ============================================================================

// Load loads configuration from defaults, an optional YAML file, and
// VULCAN_-prefixed environment variables (highest precedence).
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("admission_max_retries", 3)
	v.SetDefault("queue_max_wait", 10*time.Minute)
	v.SetDefault("drain_skip_per_tier", 8)
	v.SetDefault("reap_interval", 5*time.Second)
	v.SetDefault("sweep_interval", 15*time.Second)
	v.SetDefault("temp_max_c", 88.0)
	v.SetDefault("error_max", 5)
	v.SetDefault("recovery_sweeps", 3)
	v.SetDefault("telemetry_enabled", false)
	v.SetDefault("telemetry_interval", 15*time.Second)
	v.SetDefault("mirror_enabled", false)
	v.SetDefault("mirror_interval", 15*time.Second)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetEnvPrefix("VULCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	return cfg, nil
}

// ============================================================================
// VALIDATION
// ============================================================================

// Validate: Validate configuration values
// Returns error if any required config is invalid
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return &configError{field: "HTTPAddr", reason: "cannot be empty"}
	}
	if c.AdmissionMaxRetries < 0 {
		return &configError{field: "AdmissionMaxRetries", reason: "must be >= 0"}
	}
	if c.QueueMaxWait <= 0 {
		return &configError{field: "QueueMaxWait", reason: "must be positive"}
	}
	if c.DrainSkipPerTier <= 0 {
		return &configError{field: "DrainSkipPerTier", reason: "must be positive"}
	}
	if c.SweepInterval <= 0 {
		return &configError{field: "SweepInterval", reason: "must be positive"}
	}
	if c.TempMaxC <= 0 {
		return &configError{field: "TempMaxC", reason: "must be positive"}
	}
	if c.RecoverySweeps < 1 {
		return &configError{field: "RecoverySweeps", reason: "must be >= 1"}
	}

	seen := make(map[int]bool)
	for _, d := range c.Devices {
		if d.TotalVRAM == 0 {
			return &configError{field: "Devices", reason: "device total_vram cannot be zero"}
		}
		if seen[d.ID] {
			return &configError{field: "Devices", reason: "duplicate device id"}
		}
		seen[d.ID] = true
	}

	return nil
}

// configError: Custom error type for config validation
type configError struct {
	field  string
	reason string
}

func (e *configError) Error() string {
	return "Config validation error: " + e.field + " " + e.reason
}
