package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/esp32ble/internal/device"
	"github.com/srg/esp32ble/internal/groutine"
)

// Connection is a live go-ble link with its discovered GATT profile
type Connection struct {
	client  gattClient
	name    string
	address string
	logger  *logrus.Logger

	writeMutex sync.Mutex
	connMutex  sync.Mutex
	state      atomic.Int32

	// service UUID -> characteristic UUID -> handle, both normalized
	chars map[string]map[string]*ble.Characteristic
	subs  map[*subscription]struct{}

	done     chan struct{}
	doneOnce sync.Once
}

var _ device.Connection = (*Connection)(nil)

func newConnection(client gattClient, name, address string, logger *logrus.Logger) (*Connection, error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	c := &Connection{
		client:  client,
		name:    name,
		address: address,
		logger:  logger,
		chars:   make(map[string]map[string]*ble.Characteristic),
		subs:    make(map[*subscription]struct{}),
		done:    make(chan struct{}),
	}

	total := 0
	for _, svc := range profile.Services {
		svcUUID := device.NormalizeUUID(svc.UUID.String())
		chars, ok := c.chars[svcUUID]
		if !ok {
			chars = make(map[string]*ble.Characteristic)
			c.chars[svcUUID] = chars
		}
		for _, ch := range svc.Characteristics {
			chars[device.NormalizeUUID(ch.UUID.String())] = ch
			total++
		}
	}

	logger.WithFields(logrus.Fields{
		"address":         address,
		"services":        len(c.chars),
		"characteristics": total,
	}).Debug("Profile discovered successfully")

	c.state.Store(int32(device.Connected))

	groutine.Go(context.Background(), "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			if c.State() == device.Connected {
				c.logger.WithField("address", c.address).Warn("Link lost, releasing subscriptions")
			}
			c.teardown()
		case <-c.done:
		}
	})

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

func (c *Connection) characteristic(serviceUUID, charUUID string) (*ble.Characteristic, error) {
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

// Write performs an acknowledged write. Writes are serialized per connection.
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
	if err := c.client.WriteCharacteristic(ch, data, false); err != nil {
		err = NormalizeError(err)
		if errors.Is(err, device.ErrNotConnected) {
			return err
		}
		return fmt.Errorf("%w: write characteristic %s: %w", device.ErrGattOperationFailed, charUUID, err)
	}
	return nil
}

// Subscribe enables notifications on a characteristic
func (c *Connection) Subscribe(serviceUUID, charUUID string, handler func([]byte)) (device.Subscription, error) {
	if c.State() != device.Connected {
		return nil, device.ErrNotConnected
	}
	ch, err := c.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}

	sub := &subscription{conn: c, char: ch, uuid: device.NormalizeUUID(charUUID)}
	err = c.client.Subscribe(ch, false, func(data []byte) {
		if sub.released.Load() {
			return
		}
		handler(data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %w", device.ErrGattOperationFailed, charUUID, NormalizeError(err))
	}

	c.connMutex.Lock()
	c.subs[sub] = struct{}{}
	c.connMutex.Unlock()

	c.logger.WithField("char_uuid", sub.uuid).Debug("Subscribed to notifications")
	return sub, nil
}

// Disconnect releases all subscriptions and cancels the link. A link that is
// already gone is not an error.
func (c *Connection) Disconnect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(device.Connected), int32(device.Disconnecting)) {
		c.logger.Debug("Disconnect called but already disconnected")
		select {
		case <-c.done:
		case <-ctx.Done():
		}
		return nil
	}

	c.logger.WithField("address", c.address).Info("Disconnecting BLE device...")

	c.releaseAll(true)

	err := NormalizeError(c.client.CancelConnection())
	if errors.Is(err, device.ErrNotConnected) {
		err = nil
	}

	if err == nil {
		select {
		case <-c.client.Disconnected():
		case <-ctx.Done():
			c.logger.Warn("Timed out waiting for disconnect confirmation")
		}
	}

	c.teardown()

	if err != nil {
		c.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return err
	}
	c.logger.Info("BLE device disconnected successfully")
	return nil
}

// teardown marks the link closed exactly once
func (c *Connection) teardown() {
	c.doneOnce.Do(func() {
		c.releaseAll(false)
		c.state.Store(int32(device.Disconnected))
		close(c.done)
	})
}

// releaseAll detaches every subscription. When remote is set the CCCD is
// cleared on the peripheral too.
func (c *Connection) releaseAll(remote bool) {
	c.connMutex.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.connMutex.Unlock()

	for _, s := range subs {
		if err := s.release(remote); err != nil {
			c.logger.WithFields(logrus.Fields{
				"char_uuid": s.uuid,
				"error":     err,
			}).Warn("Failed to unsubscribe during disconnect")
		}
	}
}

type subscription struct {
	conn     *Connection
	char     *ble.Characteristic
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

	s.conn.connMutex.Lock()
	delete(s.conn.subs, s)
	s.conn.connMutex.Unlock()

	if !remote {
		return nil
	}
	if err := NormalizeError(s.conn.client.Unsubscribe(s.char, false)); err != nil && !errors.Is(err, device.ErrNotConnected) {
		return fmt.Errorf("%w: unsubscribe %s: %w", device.ErrGattOperationFailed, s.uuid, err)
	}
	return nil
}
