package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/esp32ble/internal/device"
)

// DefaultAdvertiseInterval is how often a simulated peripheral advertises
const DefaultAdvertiseInterval = 20 * time.Millisecond

// Central is an in-memory device.Central over a set of simulated peripherals
type Central struct {
	logger *logrus.Logger

	// AdvertiseInterval paces advertisements during Scan
	AdvertiseInterval time.Duration
	// ConnectDelay is the simulated dial latency
	ConnectDelay time.Duration

	mu          sync.Mutex
	peripherals []*Peripheral
	enabled     bool
	canEnable   bool
	connects    atomic.Int32
}

var _ device.Central = (*Central)(nil)

// NewCentral creates a powered-off but enableable central seeing peripherals
func NewCentral(logger *logrus.Logger, peripherals ...*Peripheral) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{
		logger:            logger,
		AdvertiseInterval: DefaultAdvertiseInterval,
		peripherals:       peripherals,
		canEnable:         true,
	}
}

// AddPeripheral makes another peripheral visible
func (c *Central) AddPeripheral(p *Peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peripherals = append(c.peripherals, p)
}

// SetEnableAllowed controls whether EnableIfNeeded may power the radio on
func (c *Central) SetEnableAllowed(allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canEnable = allowed
}

// PowerOff turns the radio off and drops every link
func (c *Central) PowerOff() {
	c.mu.Lock()
	c.enabled = false
	peripherals := append([]*Peripheral(nil), c.peripherals...)
	c.mu.Unlock()

	c.logger.Warn("Simulated radio powered off")
	for _, p := range peripherals {
		p.DropLink()
	}
}

// Connects returns the number of connection attempts made
func (c *Central) Connects() int {
	return int(c.connects.Load())
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
	if !c.canEnable {
		return device.ErrRadioUnavailable
	}
	c.enabled = true
	c.logger.Debug("Simulated radio enabled")
	return nil
}

func (c *Central) isEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Central) visible() []*Peripheral {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Peripheral, 0, len(c.peripherals))
	for _, p := range c.peripherals {
		if p.isAdvertising() {
			out = append(out, p)
		}
	}
	return out
}

// Scan reports every advertising peripheral each AdvertiseInterval until ctx is done
func (c *Central) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	if !c.isEnabled() {
		return device.ErrRadioUnavailable
	}

	seen := make(map[string]bool)
	ticker := time.NewTicker(c.AdvertiseInterval)
	defer ticker.Stop()

	for {
		for _, p := range c.visible() {
			if !allowDup && seen[p.address] {
				continue
			}
			seen[p.address] = true
			handler(&Advertisement{name: p.name, addr: p.address, rssi: -55, services: []string{p.service}})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ConnectByName connects to the first advertising peripheral named name. The
// attempt waits for the full timeout when no such peripheral is visible.
func (c *Central) ConnectByName(ctx context.Context, name string, timeout time.Duration) (device.Connection, error) {
	c.connects.Add(1)
	fail := func(reason device.ConnectReason, err error) (device.Connection, error) {
		c.logger.WithFields(logrus.Fields{
			"name":   name,
			"reason": reason,
		}).Error("Connect failed")
		return nil, &device.ConnectError{Name: name, Reason: reason, Err: err}
	}

	if !c.isEnabled() {
		return fail(device.ReasonRadioUnavailable, device.ErrRadioUnavailable)
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var target *Peripheral
	ticker := time.NewTicker(c.AdvertiseInterval)
	defer ticker.Stop()
	for target == nil {
		for _, p := range c.visible() {
			if p.name == name {
				target = p
				break
			}
		}
		if target != nil {
			break
		}
		select {
		case <-scanCtx.Done():
			if ctx.Err() != nil {
				return fail(device.ReasonCanceled, ctx.Err())
			}
			return fail(device.ReasonTimeout, device.ErrDeviceNotFound)
		case <-ticker.C:
		}
	}

	if c.ConnectDelay > 0 {
		select {
		case <-time.After(c.ConnectDelay):
		case <-ctx.Done():
			return fail(device.ReasonCanceled, ctx.Err())
		}
	}

	conn := newConnection(target, c.logger)
	if err := target.attach(conn); err != nil {
		return fail(device.ReasonDialFailed, err)
	}

	c.logger.WithFields(logrus.Fields{
		"name":    name,
		"address": target.address,
	}).Info("Simulated device connected")
	return conn, nil
}

// Advertisement is a simulated advertisement
type Advertisement struct {
	name     string
	addr     string
	rssi     int
	services []string
}

func (a *Advertisement) LocalName() string  { return a.name }
func (a *Advertisement) Addr() string       { return a.addr }
func (a *Advertisement) RSSI() int          { return a.rssi }
func (a *Advertisement) Services() []string { return a.services }
func (a *Advertisement) Connectable() bool  { return true }
