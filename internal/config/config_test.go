package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pcapguard/pkg/pcap/native"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
pcapguard:
  engine: purego
  capture:
    snaplen: 1500
    promisc: true
    timeout: 250ms
    optimize: false
    netmask: 255.255.255.0
    count: 10
  log:
    level: debug
    format: json
  metrics:
    enabled: true
    listen: "127.0.0.1:9191"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Engine != "purego" {
		t.Errorf("Expected engine purego, got %s", cfg.Engine)
	}
	if cfg.Capture.Snaplen != 1500 {
		t.Errorf("Expected snaplen 1500, got %d", cfg.Capture.Snaplen)
	}
	if !cfg.Capture.Promisc {
		t.Error("Expected promisc enabled")
	}
	if cfg.Capture.Optimize {
		t.Error("Expected optimize disabled")
	}
	if got := cfg.Capture.TimeoutDuration(); got != 250*time.Millisecond {
		t.Errorf("Expected timeout 250ms, got %v", got)
	}
	mask, auto, err := cfg.Capture.ParseNetmask()
	if err != nil || auto || mask != 0xffffff00 {
		t.Errorf("ParseNetmask() = %#x, %v, %v", mask, auto, err)
	}
	if cfg.Capture.Count != 10 {
		t.Errorf("Expected count 10, got %d", cfg.Capture.Count)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Unexpected log config %+v", cfg.Log)
	}
	if cfg.Log.Console != "stderr" {
		t.Errorf("Expected default console stderr, got %s", cfg.Log.Console)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != "127.0.0.1:9191" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Unexpected metrics config %+v", cfg.Metrics)
	}
	if cfg.HeaderLayout != nil {
		t.Errorf("Expected no header layout override, got %+v", cfg.HeaderLayout)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Engine)
	assert.Equal(t, 262144, cfg.Capture.Snaplen)
	assert.Equal(t, time.Second, cfg.Capture.TimeoutDuration())
	assert.True(t, cfg.Capture.Optimize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Metrics.Enabled)

	mask, auto, err := cfg.Capture.ParseNetmask()
	require.NoError(t, err)
	assert.False(t, auto)
	assert.Equal(t, uint32(0xffffffff), mask)
}

func TestLoadHeaderLayout(t *testing.T) {
	path := writeConfig(t, `
pcapguard:
  header_layout:
    seconds_offset: 0
    seconds_size: 4
    micros_offset: 4
    micros_size: 4
    caplen_offset: 8
    len_offset: 12
    size: 16
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.HeaderLayout)
	assert.Equal(t, native.LayoutILP32, *cfg.HeaderLayout)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PCAPGUARD_LOG_LEVEL", "warn")
	t.Setenv("PCAPGUARD_CAPTURE_SNAPLEN", "96")

	cfg, err := Load(writeConfig(t, "pcapguard:\n  log:\n    level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 96, cfg.Capture.Snaplen)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad level", "pcapguard:\n  log:\n    level: loud\n"},
		{"bad format", "pcapguard:\n  log:\n    format: xml\n"},
		{"bad console", "pcapguard:\n  log:\n    console: syslog\n"},
		{"zero snaplen", "pcapguard:\n  capture:\n    snaplen: 0\n"},
		{"negative count", "pcapguard:\n  capture:\n    count: -1\n"},
		{"bad timeout", "pcapguard:\n  capture:\n    timeout: soon\n"},
		{"negative timeout", "pcapguard:\n  capture:\n    timeout: -1s\n"},
		{"bad netmask", "pcapguard:\n  capture:\n    netmask: 255.255.0\n"},
		{"file without path", "pcapguard:\n  log:\n    outputs:\n      file:\n        enabled: true\n        path: \"\"\n"},
		{"bad layout", "pcapguard:\n  header_layout:\n    seconds_size: 3\n    size: 16\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Errorf("Load() expected error for %s", tt.name)
			}
		})
	}
}

func TestParseNetmaskAuto(t *testing.T) {
	_, auto, err := CaptureConfig{Netmask: "AUTO"}.ParseNetmask()
	require.NoError(t, err)
	assert.True(t, auto)
}
