package tinygo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/esp32ble/internal/device"
	"tinygo.org/x/bluetooth"
)

// Connection is a tinygo bluetooth link with its discovered characteristics
type Connection struct {
	dev     *bluetooth.Device
	name    string
	address string
	logger  *logrus.Logger

	writeMutex sync.Mutex
	state      atomic.Int32
	chars      map[string]map[string]*bluetooth.DeviceCharacteristic

	mu       sync.Mutex
	subs     map[*subscription]struct{}
	done     chan struct{}
	doneOnce sync.Once

	// onTeardown is set by the Central that tracks the link
	onTeardown func()
}

var _ device.Connection = (*Connection)(nil)

func newConnection(dev bluetooth.Device, name, address string, logger *logrus.Logger) (*Connection, error) {
	services, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", normalizeError(err))
	}

	c := &Connection{
		dev:     &dev,
		name:    name,
		address: address,
		logger:  logger,
		chars:   make(map[string]map[string]*bluetooth.DeviceCharacteristic),
		subs:    make(map[*subscription]struct{}),
		done:    make(chan struct{}),
	}

	for i := range services {
		svc := &services[i]
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics of %s: %w", svc.UUID().String(), normalizeError(err))
		}
		byUUID := make(map[string]*bluetooth.DeviceCharacteristic, len(chars))
		for j := range chars {
			byUUID[device.NormalizeUUID(chars[j].UUID().String())] = &chars[j]
		}
		c.chars[device.NormalizeUUID(svc.UUID().String())] = byUUID
	}

	logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(c.chars),
	}).Debug("Services discovered")

	c.state.Store(int32(device.Connected))
	return c, nil
}

func (c *Connection) Name() string    { return c.name }
func (c *Connection) Address() string { return c.address }

func (c *Connection) State() device.ConnectionState {
	return device.ConnectionState(c.state.Load())
}

func (c *Connection) Disconnected() <-chan struct{} {
	return c.done
}

func (c *Connection) characteristic(serviceUUID, charUUID string) (*bluetooth.DeviceCharacteristic, error) {
	chars, ok := c.chars[device.NormalizeUUID(serviceUUID)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}
	ch, ok := chars[device.NormalizeUUID(charUUID)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	return ch, nil
}

// Write performs a write-with-response
func (c *Connection) Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error {
	if c.State() != device.Connected {
		return device.ErrNotConnected
	}
	ch, err := c.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := ch.Write(data); err != nil {
		err = normalizeError(err)
		if errors.Is(err, device.ErrNotConnected) {
			c.logger.WithField("address", c.address).Warn("Link lost, releasing subscriptions")
			c.teardown()
			return err
		}
		return fmt.Errorf("%w: write characteristic %s: %w", device.ErrGattOperationFailed, charUUID, err)
	}
	return nil
}

func (c *Connection) Subscribe(serviceUUID, charUUID string, handler func([]byte)) (device.Subscription, error) {
	if c.State() != device.Connected {
		return nil, device.ErrNotConnected
	}
	ch, err := c.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}

	sub := &subscription{conn: c, char: ch, uuid: device.NormalizeUUID(charUUID)}
	err = ch.EnableNotifications(func(data []byte) {
		if sub.released.Load() {
			return
		}
		handler(append([]byte(nil), data...))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %w", device.ErrGattOperationFailed, charUUID, normalizeError(err))
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

func (c *Connection) Disconnect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(device.Connected), int32(device.Disconnecting)) {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
		return nil
	}

	c.logger.WithField("address", c.address).Info("Disconnecting BLE device...")
	c.releaseAll(true)

	err := normalizeError(c.dev.Disconnect())
	if errors.Is(err, device.ErrNotConnected) {
		err = nil
	}
	c.teardown()
	return err
}

func (c *Connection) teardown() {
	c.doneOnce.Do(func() {
		c.releaseAll(false)
		c.state.Store(int32(device.Disconnected))
		if c.onTeardown != nil {
			c.onTeardown()
		}
		close(c.done)
	})
}

func (c *Connection) releaseAll(remote bool) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if err := s.release(remote); err != nil {
			c.logger.WithFields(logrus.Fields{
				"char_uuid": s.uuid,
				"error":     err,
			}).Warn("Failed to disable notifications")
		}
	}
}

type subscription struct {
	conn     *Connection
	char     *bluetooth.DeviceCharacteristic
	uuid     string
	released atomic.Bool
}

func (s *subscription) Characteristic() string {
	return s.uuid
}

func (s *subscription) Release() error {
	return s.release(s.conn.State() == device.Connected)
}

func (s *subscription) release(remote bool) error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()

	if !remote {
		return nil
	}
	// A nil callback disables notifications on the peripheral
	if err := s.char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %w", device.ErrGattOperationFailed, s.uuid, normalizeError(err))
	}
	return nil
}
