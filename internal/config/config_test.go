package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/esp32ble/internal/esp32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "goble", cfg.Backend)
	assert.Equal(t, "slider", cfg.Variant)
	assert.Equal(t, esp32.DefaultIdentity(), cfg.Identity(), "defaults MUST match the firmware identity")
	assert.Zero(t, cfg.TickInterval)
	assert.Zero(t, cfg.ScanTimeout)
	assert.Equal(t, uint32(64), cfg.QueueSize)
	assert.Equal(t, 100, cfg.SampleCapacity)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
backend: sim
variant: chart
device:
  name: Bench Board
  adc: ABCD1239-0aaa-467a-9538-01f0652c74e8
tick_interval: 250ms
scan_timeout: 5s
sample_capacity: 20
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "sim", cfg.Backend)
	assert.Equal(t, "chart", cfg.Variant)
	assert.Equal(t, "Bench Board", cfg.Device.Name)
	assert.Equal(t, "ABCD1239-0aaa-467a-9538-01f0652c74e8", cfg.Device.ADC)
	assert.Equal(t, esp32.SliderUUID, cfg.Device.Slider, "unset fields MUST keep their defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 5*time.Second, cfg.ScanTimeout)
	assert.Equal(t, uint32(64), cfg.QueueSize)
	assert.Equal(t, 20, cfg.SampleCapacity)
	assert.NoError(t, cfg.Validate())

	variant, err := cfg.ResolveVariant()
	require.NoError(t, err)
	assert.Equal(t, esp32.VariantChart, variant)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "variant: [slider\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "parsing config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"every variant", func(c *Config) { c.Variant = "LEGACY" }, ""},
		{"unknown variant", func(c *Config) { c.Variant = "dial" }, "unknown variant"},
		{"unknown backend", func(c *Config) { c.Backend = "bluez" }, "backend must be one of"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"empty name", func(c *Config) { c.Device.Name = "" }, "device.name"},
		{"bad uuid", func(c *Config) { c.Device.Button = "xyz" }, "device.button"},
		{"negative tick", func(c *Config) { c.TickInterval = -time.Second }, "tick_interval"},
		{"negative scan timeout", func(c *Config) { c.ScanTimeout = -time.Second }, "scan_timeout"},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }, "queue_size"},
		{"zero capacity", func(c *Config) { c.SampleCapacity = 0 }, "sample_capacity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestMarshalRoundTripsThroughLoad(t *testing.T) {
	cfg := Default()
	cfg.Backend = "tinygo"
	cfg.TickInterval = 300 * time.Millisecond

	data, err := cfg.Marshal()
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, yaml.Unmarshal(data, &fields))
	assert.Equal(t, "tinygo", fields["backend"])
	assert.Contains(t, fields, "device")

	loaded, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		level    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"bogus", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}

			logger := cfg.NewLogger()

			assert.Equal(t, tt.expected, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestDefaultConfigPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}
	assert.Equal(t, filepath.Join(home, ".config", "esp32ble", "config.yaml"), DefaultConfigPath())
}
