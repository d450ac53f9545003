// Package tinygo is a device backend built on tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS, WinRT on Windows).
//
// Radio loss is reported through the adapter connect handler, which the
// library fires with connected=false when a peripheral drops. A write failing
// with a disconnection error is treated as loss as well.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/esp32ble/internal/device"
	"tinygo.org/x/bluetooth"
)

// Central implements device.Central on a tinygo bluetooth adapter
type Central struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	mu       sync.Mutex
	enabled  bool
	conns    map[string]*Connection
	scanning sync.Mutex
}

var _ device.Central = (*Central)(nil)

// NewCentral wraps adapter; nil selects bluetooth.DefaultAdapter
func NewCentral(adapter *bluetooth.Adapter, logger *logrus.Logger) *Central {
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{
		adapter: adapter,
		logger:  logger,
		conns:   make(map[string]*Connection),
	}
}

func (c *Central) EnableIfNeeded(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return nil
	}
	if err := c.adapter.Enable(); err != nil {
		c.logger.WithField("error", err).Error("Failed to enable adapter")
		return fmt.Errorf("%w: %w", device.ErrRadioUnavailable, err)
	}
	c.adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		c.handleConnectEvent(dev.Address.String(), connected)
	})
	c.enabled = true
	c.logger.Debug("Bluetooth adapter enabled")
	return nil
}

// handleConnectEvent tears down the live connection to address when the
// adapter reports it gone.
func (c *Central) handleConnectEvent(address string, connected bool) {
	if connected {
		return
	}
	c.mu.Lock()
	conn, ok := c.conns[address]
	delete(c.conns, address)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.WithField("address", address).Warn("Peripheral disconnected, releasing subscriptions")
	conn.teardown()
}

// track registers conn for connect handler events until it is torn down
func (c *Central) track(conn *Connection) {
	conn.onTeardown = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conns[conn.address] == conn {
			delete(c.conns, conn.address)
		}
	}
	c.mu.Lock()
	c.conns[conn.address] = conn
	c.mu.Unlock()
}

// scan runs adapter.Scan until ctx is done or onResult returns true
func (c *Central) scan(ctx context.Context, onResult func(bluetooth.ScanResult) bool) error {
	c.scanning.Lock()
	defer c.scanning.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = c.adapter.StopScan()
	})
	defer stop()

	err := c.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if onResult(result) {
			_ = a.StopScan()
		}
	})
	if err != nil {
		return normalizeError(err)
	}
	return nil
}

func (c *Central) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	if err := c.EnableIfNeeded(ctx); err != nil {
		return err
	}
	seen := make(map[string]bool)
	return c.scan(ctx, func(result bluetooth.ScanResult) bool {
		addr := result.Address.String()
		if !allowDup && seen[addr] {
			return false
		}
		seen[addr] = true
		handler(&Advertisement{
			name: result.LocalName(),
			addr: addr,
			rssi: int(result.RSSI),
		})
		return false
	})
}

// ConnectByName scans for name, connects to the first match and discovers
// every service and characteristic.
func (c *Central) ConnectByName(ctx context.Context, name string, timeout time.Duration) (device.Connection, error) {
	fail := func(reason device.ConnectReason, err error) (device.Connection, error) {
		c.logger.WithFields(logrus.Fields{
			"name":   name,
			"reason": reason,
			"error":  err,
		}).Error("Connect failed")
		return nil, &device.ConnectError{Name: name, Reason: reason, Err: err}
	}

	if err := c.EnableIfNeeded(ctx); err != nil {
		if ctx.Err() != nil {
			return fail(device.ReasonCanceled, ctx.Err())
		}
		return fail(device.ReasonRadioUnavailable, err)
	}

	c.logger.WithFields(logrus.Fields{
		"name":    name,
		"timeout": timeout,
	}).Info("Scanning for device...")

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := c.scan(scanCtx, func(result bluetooth.ScanResult) bool {
		if result.LocalName() != name {
			return false
		}
		select {
		case found <- result:
		default:
		}
		return true
	})

	var result bluetooth.ScanResult
	select {
	case result = <-found:
	default:
		switch {
		case ctx.Err() != nil:
			return fail(device.ReasonCanceled, ctx.Err())
		case scanErr != nil && errors.Is(scanErr, device.ErrRadioUnavailable):
			return fail(device.ReasonRadioUnavailable, scanErr)
		case scanErr != nil:
			return fail(device.ReasonDialFailed, scanErr)
		}
		<-scanCtx.Done()
		return fail(device.ReasonTimeout, fmt.Errorf("%w: no device named %q within %s", device.ErrDeviceNotFound, name, timeout))
	}

	address := result.Address.String()
	c.logger.WithField("address", address).Debug("Connecting to BLE device...")

	type dialResult struct {
		dev bluetooth.Device
		err error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		d, err := c.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
		dialed <- dialResult{dev: d, err: err}
	}()

	var dev bluetooth.Device
	select {
	case r := <-dialed:
		if r.err != nil {
			return fail(device.ReasonDialFailed, normalizeError(r.err))
		}
		dev = r.dev
	case <-ctx.Done():
		return fail(device.ReasonCanceled, ctx.Err())
	}

	conn, err := newConnection(dev, name, address, c.logger)
	if err != nil {
		_ = dev.Disconnect()
		return fail(device.ReasonDiscoveryFailed, err)
	}
	c.track(conn)

	c.logger.WithFields(logrus.Fields{
		"name":    name,
		"address": address,
	}).Info("BLE device connected successfully")
	return conn, nil
}

// Advertisement is a tinygo scan result reduced to device.Advertisement
type Advertisement struct {
	name string
	addr string
	rssi int
}

func (a *Advertisement) LocalName() string  { return a.name }
func (a *Advertisement) Addr() string       { return a.addr }
func (a *Advertisement) RSSI() int          { return a.rssi }
func (a *Advertisement) Services() []string { return nil }
func (a *Advertisement) Connectable() bool  { return true }

// normalizeError maps tinygo/BlueZ/CoreBluetooth error strings onto the
// device sentinels.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case device.ContainsIgnoreCase(msg, "powered off"),
		device.ContainsIgnoreCase(msg, "not powered"),
		device.ContainsIgnoreCase(msg, "org.bluez.Error.NotReady"),
		device.ContainsIgnoreCase(msg, "no bluetooth adapter"):
		return fmt.Errorf("%w: %w", device.ErrRadioUnavailable, err)
	case device.ContainsIgnoreCase(msg, "not connected"),
		device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %w", device.ErrNotConnected, err)
	default:
		return err
	}
}
