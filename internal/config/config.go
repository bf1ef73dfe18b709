package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/focuskit/focusd/internal/storage"
	"github.com/spf13/viper"
)

// Config holds the complete daemon configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Mirror  MirrorConfig  `mapstructure:"mirror"`
	Focus   FocusConfig   `mapstructure:"focus"`
	Bus     BusConfig     `mapstructure:"bus"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig defines listener ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// StorageConfig defines the remote session log backend
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// MirrorConfig defines the local snapshot mirror
type MirrorConfig struct {
	Path string `mapstructure:"path"`
}

// FocusConfig defines reconciliation behavior
type FocusConfig struct {
	UserID              string `mapstructure:"user_id"`
	InactivityThreshold string `mapstructure:"inactivity_threshold"`
	ActivityCheckEvery  string `mapstructure:"activity_check_every"`
	DebounceWindow      string `mapstructure:"debounce_window"`
	RetryAttempts       int    `mapstructure:"retry_attempts"`
	RetryDelay          string `mapstructure:"retry_delay"`
	RetentionDays       int    `mapstructure:"retention_days"`
	RetentionSweepTime  string `mapstructure:"retention_sweep_time"`
}

// BusConfig defines message bus settings
type BusConfig struct {
	Channel      string `mapstructure:"channel"`
	DedupEntries int    `mapstructure:"dedup_entries"`
}

// PolicyConfig defines the override admission policy engine
type PolicyConfig struct {
	PolicyDir           string `mapstructure:"policy_dir"`
	MaxOverrideDuration string `mapstructure:"max_override_duration"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("FOCUSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.api_port", 7430)
	v.SetDefault("server.metrics_port", 9090)

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Mirror defaults
	v.SetDefault("mirror.path", "/var/lib/focusd/mirror.bolt")

	// Focus defaults
	v.SetDefault("focus.user_id", "local")
	v.SetDefault("focus.inactivity_threshold", "300s")
	v.SetDefault("focus.activity_check_every", "10s")
	v.SetDefault("focus.debounce_window", "500ms")
	v.SetDefault("focus.retry_attempts", 3)
	v.SetDefault("focus.retry_delay", "1s")
	v.SetDefault("focus.retention_days", 90)
	v.SetDefault("focus.retention_sweep_time", "03:30")

	// Bus defaults
	v.SetDefault("bus.channel", "focusd:events")
	v.SetDefault("bus.dedup_entries", 100)

	// Policy defaults
	v.SetDefault("policy.policy_dir", "/etc/focusd/policies")
	v.SetDefault("policy.max_override_duration", "10m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}

	if cfg.Mirror.Path == "" {
		return fmt.Errorf("mirror path is required")
	}

	if cfg.Focus.UserID == "" {
		return fmt.Errorf("focus user_id is required")
	}

	if cfg.Focus.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1")
	}

	if cfg.Bus.DedupEntries < 1 {
		return fmt.Errorf("bus dedup_entries must be at least 1")
	}

	// Ensure the mirror directory exists
	if err := storage.EnsureDir(filepath.Dir(cfg.Mirror.Path)); err != nil {
		return fmt.Errorf("failed to create mirror directory: %w", err)
	}

	return nil
}
