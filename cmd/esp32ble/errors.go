package main

import (
	"errors"
	"fmt"

	"github.com/srg/esp32ble/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the radio dropped the link while a session was
	// running. It is distinct from device.ErrNotConnected, which reports use of
	// a link that was never established or already closed.
	ErrConnectionLost = errors.New("connection lost")
)

const radioHint = "Bluetooth is unavailable: make sure the adapter is present and powered on"

// FormatUserError turns an error into a message for the terminal
func FormatUserError(err error) string {
	var cerr *device.ConnectError
	if errors.As(err, &cerr) {
		switch cerr.Reason {
		case device.ReasonTimeout:
			return fmt.Sprintf("device %q not found: make sure it is powered on and advertising", cerr.Name)
		case device.ReasonRadioUnavailable:
			return radioHint
		case device.ReasonDialFailed:
			return fmt.Sprintf("failed to connect to %q: %v", cerr.Name, cerr.Err)
		case device.ReasonDiscoveryFailed:
			return fmt.Sprintf("%q does not expose the expected GATT profile: %v", cerr.Name, cerr.Err)
		}
	}

	switch {
	case errors.Is(err, device.ErrRadioUnavailable):
		return radioHint
	case errors.Is(err, ErrConnectionLost):
		return "the connection to the device was lost"
	}
	return err.Error()
}
