package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/focuskit/focusd/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the focusd configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, getDefaultConfig(), unknownKeys)
	}

	return nil
}

// getDefaultConfig creates a configuration with default values
func getDefaultConfig() *config.Config {
	v := viper.New()
	setDefaultsForDump(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// setDefaultsForDump sets default configuration values (copied from config package)
func setDefaultsForDump(v *viper.Viper) {
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

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	allKeys := v.AllKeys()
	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range allKeys {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}

	return unknown, nil
}

// getValidKeys returns a set of all valid configuration keys
func getValidKeys() map[string]bool {
	keys := map[string]bool{
		// Server
		"server.bind_address": true,
		"server.api_port":     true,
		"server.metrics_port": true,

		// Storage
		"storage.type":                 true,
		"storage.redis.host":           true,
		"storage.redis.port":           true,
		"storage.redis.password":       true,
		"storage.redis.db":             true,
		"storage.redis.pool_size":      true,
		"storage.redis.min_idle_conns": true,
		"storage.redis.dial_timeout":   true,
		"storage.redis.read_timeout":   true,
		"storage.redis.write_timeout":  true,

		// Mirror
		"mirror.path": true,

		// Focus
		"focus.user_id":              true,
		"focus.inactivity_threshold": true,
		"focus.activity_check_every": true,
		"focus.debounce_window":      true,
		"focus.retry_attempts":       true,
		"focus.retry_delay":          true,
		"focus.retention_days":       true,
		"focus.retention_sweep_time": true,

		// Bus
		"bus.channel":       true,
		"bus.dedup_entries": true,

		// Policy
		"policy.policy_dir":            true,
		"policy.max_override_duration": true,

		// Logging
		"logging.level":  true,
		"logging.format": true,
	}

	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Server
	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	// Mirror
	_, _ = cyan.Println("\n[mirror]")
	dumpField("  path", cfg.Mirror.Path, defaultCfg.Mirror.Path, yellow, green)

	// Focus
	_, _ = cyan.Println("\n[focus]")
	dumpField("  user_id", cfg.Focus.UserID, defaultCfg.Focus.UserID, yellow, green)
	dumpField("  inactivity_threshold", cfg.Focus.InactivityThreshold, defaultCfg.Focus.InactivityThreshold, yellow, green)
	dumpField("  activity_check_every", cfg.Focus.ActivityCheckEvery, defaultCfg.Focus.ActivityCheckEvery, yellow, green)
	dumpField("  debounce_window", cfg.Focus.DebounceWindow, defaultCfg.Focus.DebounceWindow, yellow, green)
	dumpField("  retry_attempts", cfg.Focus.RetryAttempts, defaultCfg.Focus.RetryAttempts, yellow, green)
	dumpField("  retry_delay", cfg.Focus.RetryDelay, defaultCfg.Focus.RetryDelay, yellow, green)
	dumpField("  retention_days", cfg.Focus.RetentionDays, defaultCfg.Focus.RetentionDays, yellow, green)
	dumpField("  retention_sweep_time", cfg.Focus.RetentionSweepTime, defaultCfg.Focus.RetentionSweepTime, yellow, green)

	// Bus
	_, _ = cyan.Println("\n[bus]")
	dumpField("  channel", cfg.Bus.Channel, defaultCfg.Bus.Channel, yellow, green)
	dumpField("  dedup_entries", cfg.Bus.DedupEntries, defaultCfg.Bus.DedupEntries, yellow, green)

	// Policy
	_, _ = cyan.Println("\n[policy]")
	dumpField("  policy_dir", cfg.Policy.PolicyDir, defaultCfg.Policy.PolicyDir, yellow, green)
	dumpField("  max_override_duration", cfg.Policy.MaxOverrideDuration, defaultCfg.Policy.MaxOverrideDuration, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
