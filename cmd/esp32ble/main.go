package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Tests build a fresh tree per case so
// flag values never leak between runs.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "esp32ble",
		Short: "Companion CLI for the ESP32 BLE demo board",
		Long: `Companion CLI for the ESP32 BLE demo board:

- Scan for nearby BLE peripherals
- Connect to the board by its advertised name and mirror its button
- Stream a slider value (0-100) to the board's LED
- Chart the board's ADC samples

Backends: goble (default, go-ble/ble), tinygo (tinygo.org/x/bluetooth)
and sim (in-process firmware simulator).`,
		Version: formatVersion(version),
		// Silence Cobra's "Error:" prefix - main() prints clean errors
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "Config file (default ~/.config/esp32ble/config.yaml)")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("backend", "", "BLE backend (goble, tinygo, sim)")
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(newScanCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newWriteCmd())
	root.AddCommand(newConfigCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
