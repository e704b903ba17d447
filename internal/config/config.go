// Package config handles global configuration loading using viper.
package config

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/pcapguard/pkg/pcap/native"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `pcapguard:` root key in YAML.
type GlobalConfig struct {
	// Engine names the capture engine; empty or "auto" picks the preferred
	// registered one.
	Engine  string        `mapstructure:"engine" yaml:"engine"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	// HeaderLayout overrides the engine's packet header layout when set.
	HeaderLayout *native.Layout `mapstructure:"header_layout" yaml:"header_layout,omitempty"`
	Metrics      MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Log          LogConfig      `mapstructure:"log" yaml:"log"`
}

// ─── Capture ───

// CaptureConfig holds the session and filter parameters.
type CaptureConfig struct {
	Snaplen  int    `mapstructure:"snaplen" yaml:"snaplen"`
	Promisc  bool   `mapstructure:"promisc" yaml:"promisc"`
	Timeout  string `mapstructure:"timeout" yaml:"timeout"` // read timeout, e.g. "1s"; "0s" blocks
	Optimize bool   `mapstructure:"optimize" yaml:"optimize"`
	Netmask  string `mapstructure:"netmask" yaml:"netmask"` // "unknown" | "auto" | dotted quad
	Count    int    `mapstructure:"count" yaml:"count"`     // 0 = unlimited
}

// TimeoutDuration returns the parsed read timeout. Call after validation.
func (c CaptureConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// ParseNetmask resolves the netmask setting. auto reports that the mask
// should be looked up from the capture device.
func (c CaptureConfig) ParseNetmask() (mask uint32, auto bool, err error) {
	switch strings.ToLower(c.Netmask) {
	case "", "unknown":
		return 0xffffffff, false, nil
	case "auto":
		return 0, true, nil
	}
	ip := net.ParseIP(c.Netmask).To4()
	if ip == nil {
		return 0, false, fmt.Errorf("invalid netmask: %s (must be unknown/auto or a dotted quad)", c.Netmask)
	}
	return binary.BigEndian.Uint32(ip), false, nil
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`     // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"`   // json / text
	Console string           `mapstructure:"console" yaml:"console"` // stderr / stdout / none
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains additional log destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

type configRoot struct {
	Pcapguard GlobalConfig `mapstructure:"pcapguard"`
}

// Load loads configuration from path. An empty path yields the defaults
// with environment overrides applied.
// The YAML file uses `pcapguard:` as root key; env vars use the PCAPGUARD_
// prefix (e.g. PCAPGUARD_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// key "pcapguard.log.level" maps to env "PCAPGUARD_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Pcapguard

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "pcapguard." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("pcapguard.engine", "auto")

	// Capture defaults
	v.SetDefault("pcapguard.capture.snaplen", 262144)
	v.SetDefault("pcapguard.capture.promisc", false)
	v.SetDefault("pcapguard.capture.timeout", "1s")
	v.SetDefault("pcapguard.capture.optimize", true)
	v.SetDefault("pcapguard.capture.netmask", "unknown")
	v.SetDefault("pcapguard.capture.count", 0)

	// Log defaults
	v.SetDefault("pcapguard.log.level", "info")
	v.SetDefault("pcapguard.log.format", "text")
	v.SetDefault("pcapguard.log.console", "stderr")
	v.SetDefault("pcapguard.log.outputs.file.enabled", false)
	v.SetDefault("pcapguard.log.outputs.file.path", "/var/log/pcapguard/pcapguard.log")
	v.SetDefault("pcapguard.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("pcapguard.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("pcapguard.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("pcapguard.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("pcapguard.metrics.enabled", false)
	v.SetDefault("pcapguard.metrics.listen", ":9091")
	v.SetDefault("pcapguard.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and normalizes values.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	switch cfg.Log.Console {
	case "":
		cfg.Log.Console = "stderr"
	case "stderr", "stdout", "none":
	default:
		return fmt.Errorf("invalid log console: %s (must be stderr/stdout/none)", cfg.Log.Console)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when log.outputs.file.enabled=true")
	}

	// ── Engine ──
	cfg.Engine = strings.ToLower(strings.TrimSpace(cfg.Engine))
	if cfg.Engine == "" {
		cfg.Engine = "auto"
	}

	// ── Capture validation ──
	if cfg.Capture.Snaplen <= 0 {
		return fmt.Errorf("invalid capture.snaplen: %d (must be > 0)", cfg.Capture.Snaplen)
	}
	if cfg.Capture.Count < 0 {
		return fmt.Errorf("invalid capture.count: %d (must be >= 0)", cfg.Capture.Count)
	}
	d, err := time.ParseDuration(cfg.Capture.Timeout)
	if err != nil {
		return fmt.Errorf("invalid capture.timeout: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("invalid capture.timeout: %s (must not be negative)", cfg.Capture.Timeout)
	}
	if _, _, err := cfg.Capture.ParseNetmask(); err != nil {
		return err
	}

	// ── Header layout override ──
	if cfg.HeaderLayout != nil {
		if cfg.HeaderLayout.IsZero() {
			cfg.HeaderLayout = nil
		} else if err := cfg.HeaderLayout.Validate(); err != nil {
			return fmt.Errorf("invalid header_layout: %w", err)
		}
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return nil
}
