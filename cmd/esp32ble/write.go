package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/esp32ble/internal/console"
	"github.com/srg/esp32ble/internal/esp32"
)

func newWriteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write <value>",
		Short: "Write one slider value to the board",
		Long: `Connects to the board, writes a single slider value (0-100) with
acknowledgement and disconnects.

Examples:
  esp32ble write 75
  esp32ble write 0 --variant legacy`,
		Args: cobra.ExactArgs(1),
		RunE: runWrite,
	}
	addDeviceFlags(cmd)
	return cmd
}

func runWrite(cmd *cobra.Command, args []string) error {
	value, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid value %q: must be an integer", args[0])
	}
	if value < esp32.SliderMin || value > esp32.SliderMax {
		return fmt.Errorf("invalid value %d: must be between %d and %d", value, esp32.SliderMin, esp32.SliderMax)
	}

	cfg, logger, err := prepare(cmd, true)
	if err != nil {
		return err
	}
	variant, err := cfg.ResolveVariant()
	if err != nil {
		return err
	}
	wired := variant.Wire(cfg.Identity())
	if wired.Slider == "" {
		return fmt.Errorf("variant %q has no slider characteristic", variant.Name)
	}
	timeout := cfg.ScanTimeout
	if timeout <= 0 {
		timeout = variant.ScanTimeout
	}

	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	central, release, err := CentralFactory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	out := cmd.OutOrStdout()
	stopProgress := func() {}
	if console.IsTerminal(out) {
		progress := NewCountdownProgressPrinter(out, fmt.Sprintf("Connecting to %q", wired.Name), "Scanning", timeout)
		progress.Start()
		stopProgress = progress.Stop
	}
	defer stopProgress()

	if err := central.EnableIfNeeded(ctx); err != nil {
		return err
	}
	conn, err := central.ConnectByName(ctx, wired.Name, timeout)
	stopProgress()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := conn.Disconnect(closeCtx); err != nil {
			logger.WithError(err).Warn("Failed to disconnect")
		}
	}()

	if err := conn.Write(ctx, wired.Service, wired.Slider, esp32.EncodeSlider(int32(value))); err != nil {
		return fmt.Errorf("failed to write slider: %w", err)
	}

	fmt.Fprintf(out, "Slider set to %d on %s (%s)\n", value, conn.Name(), conn.Address())
	return nil
}
