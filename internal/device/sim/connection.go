package sim

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/esp32ble/internal/device"
)

// Connection is a simulated link to a Peripheral
type Connection struct {
	peripheral *Peripheral
	logger     *logrus.Logger

	state    atomic.Int32
	mu       sync.Mutex
	subs     map[*subscription]struct{}
	done     chan struct{}
	doneOnce sync.Once
}

var _ device.Connection = (*Connection)(nil)

func newConnection(p *Peripheral, logger *logrus.Logger) *Connection {
	c := &Connection{
		peripheral: p,
		logger:     logger,
		subs:       make(map[*subscription]struct{}),
		done:       make(chan struct{}),
	}
	c.state.Store(int32(device.Connected))
	return c
}

func (c *Connection) Name() string    { return c.peripheral.name }
func (c *Connection) Address() string { return c.peripheral.address }

func (c *Connection) State() device.ConnectionState {
	return device.ConnectionState(c.state.Load())
}

func (c *Connection) Disconnected() <-chan struct{} {
	return c.done
}

func (c *Connection) Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error {
	if c.State() != device.Connected {
		return device.ErrNotConnected
	}
	uuid, err := c.peripheral.lookup(serviceUUID, charUUID, PropWrite)
	if err != nil {
		return err
	}
	if err := c.peripheral.write(ctx, uuid, data); err != nil {
		return err
	}
	if c.State() != device.Connected {
		return device.ErrNotConnected
	}
	return nil
}

func (c *Connection) Subscribe(serviceUUID, charUUID string, handler func([]byte)) (device.Subscription, error) {
	if c.State() != device.Connected {
		return nil, device.ErrNotConnected
	}
	uuid, err := c.peripheral.lookup(serviceUUID, charUUID, PropNotify)
	if err != nil {
		return nil, err
	}

	s := &subscription{conn: c, uuid: uuid, handler: handler}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	c.peripheral.addSub(s)
	return s, nil
}

func (c *Connection) Disconnect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(device.Connected), int32(device.Disconnecting)) {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
		return nil
	}
	c.teardown()
	c.logger.Debug("Simulated device disconnected")
	return nil
}

func (c *Connection) teardown() {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		subs := make([]*subscription, 0, len(c.subs))
		for s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			_ = s.Release()
		}
		c.peripheral.detach(c)
		c.state.Store(int32(device.Disconnected))
		close(c.done)
	})
}

type subscription struct {
	conn     *Connection
	uuid     string
	handler  func([]byte)
	released atomic.Bool
}

func (s *subscription) Characteristic() string {
	return s.uuid
}

func (s *subscription) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	s.conn.peripheral.removeSub(s)
	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()
	return nil
}

func (s *subscription) deliver(payload []byte) {
	if s.released.Load() {
		return
	}
	s.handler(payload)
}
