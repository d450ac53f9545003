package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/esp32ble/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// gattClient is the part of ble.Client a Connection relies on
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// radio is the part of ble.Device a Central relies on
type radio interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, addr ble.Addr) (gattClient, error)
}

type deviceRadio struct {
	dev ble.Device
}

func (r deviceRadio) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return r.dev.Scan(ctx, allowDup, h)
}

func (r deviceRadio) Dial(ctx context.Context, addr ble.Addr) (gattClient, error) {
	return r.dev.Dial(ctx, addr)
}

// Central implements device.Central on top of go-ble
type Central struct {
	logger   *logrus.Logger
	newRadio func() (radio, error)

	mu    sync.Mutex
	radio radio
}

var _ device.Central = (*Central)(nil)

// NewCentral creates a go-ble central. The platform device is created lazily
// by EnableIfNeeded.
func NewCentral(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{
		logger: logger,
		newRadio: func() (radio, error) {
			dev, err := DeviceFactory()
			if err != nil {
				return nil, err
			}
			return deviceRadio{dev: dev}, nil
		},
	}
}

// EnableIfNeeded creates the HCI/CoreBluetooth device. go-ble offers no
// power-on request, so a refused or powered-off adapter is reported as
// device.ErrRadioUnavailable.
func (c *Central) EnableIfNeeded(ctx context.Context) error {
	_, err := c.ensureRadio(ctx)
	return err
}

func (c *Central) ensureRadio(ctx context.Context) (radio, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.radio != nil {
		return c.radio, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, err := c.newRadio()
	if err != nil {
		c.logger.WithField("error", err).Error("Failed to create BLE device")
		err = NormalizeError(err)
		if !errors.Is(err, device.ErrRadioUnavailable) {
			err = fmt.Errorf("%w: %w", device.ErrRadioUnavailable, err)
		}
		return nil, err
	}

	c.logger.Debug("BLE device created")
	c.radio = r
	return r, nil
}

// Scan streams advertisements until ctx is done
func (c *Central) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	r, err := c.ensureRadio(ctx)
	if err != nil {
		return err
	}

	err = r.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewAdvertisement(adv))
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}
	return nil
}

// ConnectByName scans for a connectable peripheral advertising exactly name,
// dials the first match and discovers its GATT profile. Scan and dial share
// one deadline of timeout from the call.
func (c *Central) ConnectByName(ctx context.Context, name string, timeout time.Duration) (device.Connection, error) {
	deadline := time.Now().Add(timeout)

	fail := func(reason device.ConnectReason, err error) (device.Connection, error) {
		c.logger.WithFields(logrus.Fields{
			"name":   name,
			"reason": reason,
			"error":  err,
		}).Error("Connect failed")
		return nil, &device.ConnectError{Name: name, Reason: reason, Err: err}
	}

	r, err := c.ensureRadio(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fail(device.ReasonCanceled, ctx.Err())
		}
		return fail(device.ReasonRadioUnavailable, err)
	}

	c.logger.WithFields(logrus.Fields{
		"name":    name,
		"timeout": timeout,
	}).Info("Scanning for device...")

	addr, err := c.findByName(ctx, r, name, deadline)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return fail(device.ReasonCanceled, ctx.Err())
		case errors.Is(err, device.ErrDeviceNotFound):
			return fail(device.ReasonTimeout, err)
		case errors.Is(err, device.ErrRadioUnavailable):
			return fail(device.ReasonRadioUnavailable, err)
		default:
			return fail(device.ReasonDialFailed, err)
		}
	}

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	c.logger.WithField("address", addr.String()).Debug("Dialing BLE device...")
	client, err := r.Dial(dialCtx, addr)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return fail(device.ReasonCanceled, ctx.Err())
		case dialCtx.Err() != nil:
			return fail(device.ReasonTimeout, fmt.Errorf("%w: dial %s did not complete within %s", device.ErrDeviceNotFound, addr, timeout))
		}
		return fail(device.ReasonDialFailed, NormalizeError(err))
	}

	conn, err := newConnection(client, name, addr.String(), c.logger)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			c.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fail(device.ReasonDiscoveryFailed, err)
	}

	c.logger.WithFields(logrus.Fields{
		"name":    name,
		"address": addr.String(),
	}).Info("BLE device connected successfully")
	return conn, nil
}

// findByName runs a scan bounded by deadline and returns the first connectable
// advertiser whose local name equals name.
func (c *Central) findByName(ctx context.Context, r radio, name string, deadline time.Time) (ble.Addr, error) {
	scanCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	found := make(chan ble.Addr, 1)
	scanErr := r.Scan(scanCtx, false, func(adv ble.Advertisement) {
		if adv.LocalName() != name || !adv.Connectable() {
			return
		}
		select {
		case found <- adv.Addr():
			cancel()
		default:
		}
	})

	select {
	case addr := <-found:
		return addr, nil
	default:
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scanErr != nil && !errors.Is(scanErr, context.Canceled) && !errors.Is(scanErr, context.DeadlineExceeded) {
		return nil, NormalizeError(scanErr)
	}

	// Some platforms return from Scan early; the deadline still has to elapse
	// before the attempt counts as a timeout.
	<-scanCtx.Done()
	return nil, fmt.Errorf("%w: no device named %q before %s", device.ErrDeviceNotFound, name, deadline.Format(time.TimeOnly))
}
