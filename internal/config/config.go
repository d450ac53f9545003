package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/esp32ble/internal/device"
	"github.com/srg/esp32ble/internal/esp32"
	"gopkg.in/yaml.v3"
)

// Backends accepted in the backend field
var Backends = []string{"goble", "tinygo", "sim"}

// Config holds application configuration
type Config struct {
	LogLevel string       `yaml:"log_level" default:"error"`
	Backend  string       `yaml:"backend" default:"goble"`
	Variant  string       `yaml:"variant" default:"slider"`
	Device   DeviceConfig `yaml:"device"`

	// Zero durations fall back to the variant's cadence
	TickInterval time.Duration `yaml:"tick_interval"`
	ScanTimeout  time.Duration `yaml:"scan_timeout"`

	QueueSize      uint32 `yaml:"queue_size" default:"64"`
	SampleCapacity int    `yaml:"sample_capacity" default:"100"`
}

// DeviceConfig identifies the peripheral
type DeviceConfig struct {
	Name    string `yaml:"name" default:"Sensore Techno Back Brace"`
	Service string `yaml:"service" default:"ABCD1234-0aaa-467a-9538-01f0652c74e8"`
	Slider  string `yaml:"slider" default:"ABCD1235-0aaa-467a-9538-01f0652c74e8"`
	Button  string `yaml:"button" default:"ABCD1236-0aaa-467a-9538-01f0652c74e8"`
	ADC     string `yaml:"adc" default:"ABCD1237-0aaa-467a-9538-01f0652c74e8"`
	Legacy  string `yaml:"legacy" default:"ABCD1238-0aaa-467a-9538-01f0652c74e8"`
}

// DefaultConfigPath returns ~/.config/esp32ble/config.yaml, or "" when the
// home directory is unknown.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "esp32ble", "config.yaml")
}

// Default returns configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error and yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	known := false
	for _, b := range Backends {
		if c.Backend == b {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("backend must be one of %s, got %q", strings.Join(Backends, ", "), c.Backend)
	}

	if _, err := esp32.LookupVariant(c.Variant); err != nil {
		return fmt.Errorf("variant: %w", err)
	}

	if c.Device.Name == "" {
		return fmt.Errorf("device.name must not be empty")
	}
	uuids := []struct {
		field string
		value string
	}{
		{"device.service", c.Device.Service},
		{"device.slider", c.Device.Slider},
		{"device.button", c.Device.Button},
		{"device.adc", c.Device.ADC},
		{"device.legacy", c.Device.Legacy},
	}
	for _, u := range uuids {
		if _, err := device.ValidateUUID(u.value); err != nil {
			return fmt.Errorf("%s: %w", u.field, err)
		}
	}

	if c.TickInterval < 0 {
		return fmt.Errorf("tick_interval must not be negative")
	}
	if c.ScanTimeout < 0 {
		return fmt.Errorf("scan_timeout must not be negative")
	}
	if c.QueueSize == 0 {
		return fmt.Errorf("queue_size must be > 0")
	}
	if c.SampleCapacity <= 0 {
		return fmt.Errorf("sample_capacity must be > 0")
	}
	return nil
}

// Identity returns the peripheral identifiers from the device section
func (c *Config) Identity() esp32.Identity {
	return esp32.Identity{
		Name:    c.Device.Name,
		Service: c.Device.Service,
		Slider:  c.Device.Slider,
		Button:  c.Device.Button,
		ADC:     c.Device.ADC,
		Legacy:  c.Device.Legacy,
	}
}

// ResolveVariant returns the configured variant preset
func (c *Config) ResolveVariant() (esp32.Variant, error) {
	return esp32.LookupVariant(c.Variant)
}

// Marshal renders the config as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
