package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/esp32ble/internal/config"
	"github.com/srg/esp32ble/internal/device"
	goble "github.com/srg/esp32ble/internal/device/go-ble"
	"github.com/srg/esp32ble/internal/device/sim"
	"github.com/srg/esp32ble/internal/device/tinygo"
)

// Simulated firmware cadence
const (
	simAddress     = "24:0A:C4:00:00:01"
	simADCInterval = 100 * time.Millisecond
	simButtonEvery = 3 * time.Second
)

// CentralFactory creates the central for the configured backend. The
// returned release func stops anything the backend started. Tests replace it.
var CentralFactory = newCentral

func newCentral(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (device.Central, func(), error) {
	switch cfg.Backend {
	case "goble":
		return goble.NewCentral(logger), func() {}, nil
	case "tinygo":
		return tinygo.NewCentral(nil, logger), func() {}, nil
	case "sim":
		board := sim.NewPeripheral(cfg.Identity(), simAddress)
		central := sim.NewCentral(logger, board)
		runCtx, cancel := context.WithCancel(ctx)
		board.Run(runCtx, simADCInterval, simButtonEvery)
		return central, cancel, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// loadConfig reads the config file named by --config (or the default path)
// and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Backend = backend
	}
	return cfg, nil
}

// applyDeviceFlags applies the --variant, --name and --timeout flags of
// commands that connect to the board.
func applyDeviceFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("variant") {
		cfg.Variant, _ = flags.GetString("variant")
	}
	if flags.Changed("name") {
		cfg.Device.Name, _ = flags.GetString("name")
	}
	if flags.Changed("timeout") {
		cfg.ScanTimeout, _ = flags.GetDuration("timeout")
	}
}

func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().String("variant", "", "Session variant (basic, slider, chart, legacy)")
	cmd.Flags().String("name", "", "Advertised device name to connect to")
	cmd.Flags().Duration("timeout", 0, "Scan timeout while looking for the device (default per variant)")
}

// prepare loads and validates the config, then builds the logger
func prepare(cmd *cobra.Command, withDeviceFlags bool) (*config.Config, *logrus.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if withDeviceFlags {
		applyDeviceFlags(cmd, cfg)
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}
