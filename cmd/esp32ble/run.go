package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/esp32ble/internal/console"
	"github.com/srg/esp32ble/internal/groutine"
	"github.com/srg/esp32ble/internal/session"
)

const closeTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the board and keep it in sync",
		Long: `Connects to the board by its advertised name, mirrors the button as a
switch, streams the slider value to the LED and charts ADC samples
(chart variant).

Type a number (0-100) and press Enter to move the slider; type q to quit.

Examples:
  esp32ble run
  esp32ble run --variant chart
  esp32ble run --backend sim --tick 100ms`,
		Args: cobra.NoArgs,
		RunE: runSession,
	}
	addDeviceFlags(cmd)
	cmd.Flags().Duration("tick", 0, "Sync loop interval (default per variant)")
	return cmd
}

func runSession(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := prepare(cmd, true)
	if err != nil {
		return err
	}
	if tick, _ := cmd.Flags().GetDuration("tick"); cmd.Flags().Changed("tick") {
		if tick <= 0 {
			return fmt.Errorf("invalid tick %s: must be positive", tick)
		}
		cfg.TickInterval = tick
	}
	variant, err := cfg.ResolveVariant()
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	central, release, err := CentralFactory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	view := console.NewTerminal(cmd.OutOrStdout())
	defer view.Finish()

	sess, err := session.New(central, view, logger, session.Options{
		Identity:       cfg.Identity(),
		Variant:        variant,
		TickInterval:   cfg.TickInterval,
		ScanTimeout:    cfg.ScanTimeout,
		QueueSize:      cfg.QueueSize,
		SampleCapacity: cfg.SampleCapacity,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			logger.WithError(err).Warn("Failed to close session")
		}
	}()

	if err := sess.Connect(ctx); err != nil {
		return err
	}

	input := make(chan error, 1)
	groutine.Go(ctx, "run-input", func(ctx context.Context) {
		input <- console.ReadSlider(ctx, cmd.InOrStdin(),
			func(v int32) { sess.SetSlider(int(v)) },
			func(line string) {
				view.Alert("Invalid slider value", fmt.Sprintf("%q (expected 0-100, q to quit)", line))
			})
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Lost():
			return ErrConnectionLost
		case err := <-input:
			if errors.Is(err, io.EOF) {
				// No more input; keep syncing until interrupted or the link drops
				input = nil
				continue
			}
			return err
		}
	}
}
