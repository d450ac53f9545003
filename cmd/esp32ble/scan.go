package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/esp32ble/internal/console"
	"github.com/srg/esp32ble/internal/device"
	"github.com/srg/esp32ble/internal/groutine"
	"github.com/srg/esp32ble/internal/scanner"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for and display Bluetooth Low Energy devices in the vicinity,
in the order they were first seen. Use --name to look for the board only.

With --watch, devices are printed as they are discovered and RSSI changes
are reported as updates; repeated advertisements are not filtered.`,
		Args: cobra.NoArgs,
		RunE: runScan,
	}
	cmd.Flags().DurationP("duration", "d", 10*time.Second, "Scan duration")
	cmd.Flags().String("name", "", "Only show devices advertising exactly this name")
	cmd.Flags().BoolP("watch", "w", false, "Print devices live as they are discovered")
	return cmd
}

func runScan(cmd *cobra.Command, _ []string) error {
	duration, _ := cmd.Flags().GetDuration("duration")
	if duration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", duration)
	}
	name, _ := cmd.Flags().GetString("name")
	watch, _ := cmd.Flags().GetBool("watch")

	cfg, logger, err := prepare(cmd, false)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	central, release, err := CentralFactory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	s, err := scanner.NewScanner(central, logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	opts := scanner.DefaultScanOptions()
	opts.Duration = duration
	opts.Name = name
	opts.DuplicateFilter = !watch

	out := cmd.OutOrStdout()
	progress := func(string) {}
	if watch {
		stopWatch := watchDevices(ctx, out, s.Events())
		devices, err := s.Scan(ctx, opts, progress)
		stopWatch()
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("scan failed")
			return err
		}
		fmt.Fprintf(out, "%d device(s) discovered\n", len(devices))
		return nil
	}
	if console.IsTerminal(out) {
		printer := NewCountdownProgressPrinter(out, "Scanning for BLE devices", "Scanning", duration, "Processing results")
		printer.Start()
		defer printer.Stop()
		progress = printer.Callback()
	}

	devices, err := s.Scan(ctx, opts, progress)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}
	return displayDevicesTable(out, devices)
}

// watchDevices prints scanner events until the returned stop func is called.
// stop drains events already queued and waits for the printer to exit.
func watchDevices(ctx context.Context, out io.Writer, events <-chan scanner.DeviceEvent) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	lastRSSI := make(map[string]int)

	report := func(ev scanner.DeviceEvent) {
		dev := ev.Device
		switch ev.Type {
		case scanner.EventNew:
			name := dev.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Fprintf(out, "new     %s  %s  %d dBm\n", dev.Address, name, dev.RSSI)
		case scanner.EventUpdated:
			if last, ok := lastRSSI[dev.Address]; ok && last == dev.RSSI {
				return
			}
			fmt.Fprintf(out, "update  %s  %d dBm\n", dev.Address, dev.RSSI)
		}
		lastRSSI[dev.Address] = dev.RSSI
	}

	groutine.Go(ctx, "scan-watch", func(context.Context) {
		defer close(exited)
		for {
			select {
			case ev := <-events:
				report(ev)
			case <-done:
				for {
					select {
					case ev := <-events:
						report(ev)
					default:
						return
					}
				}
			}
		}
	})

	return func() {
		close(done)
		<-exited
	}
}

func displayDevicesTable(out io.Writer, devices []scanner.DeviceInfo) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, dev := range devices {
		name := dev.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 28 {
			name = name[:25] + "..."
		}

		short := make([]string, len(dev.Services))
		for i, uuid := range dev.Services {
			short[i] = device.ShortenUUID(uuid)
		}
		services := strings.Join(short, ",")
		if len(services) > 36 {
			services = services[:33] + "..."
		}

		lastSeen := time.Since(dev.LastSeen).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, dev.Address, dev.RSSI, services, lastSeen)
	}

	return w.Flush()
}
