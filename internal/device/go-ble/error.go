package goble

import (
	"errors"
	"fmt"

	"github.com/srg/esp32ble/internal/device"
)

// NormalizeError maps known go-ble error strings onto the device sentinels.
// The original error is kept in the chain so its message survives.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, device.ErrRadioUnavailable) || errors.Is(err, device.ErrNotConnected) {
		return err
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %w", device.ErrRadioUnavailable, err)
	case device.ContainsIgnoreCase(msg, "bluetooth is turned off"),
		device.ContainsIgnoreCase(msg, "powered off"),
		device.ContainsIgnoreCase(msg, "can't init hci"),
		device.ContainsIgnoreCase(msg, "no such device"):
		return fmt.Errorf("%w: %w", device.ErrRadioUnavailable, err)
	case device.ContainsIgnoreCase(msg, "device not connected"),
		device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %w", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %w", device.ErrAlreadyConnected, err)
	default:
		return err
	}
}
