package device

import (
	"context"
	"time"
)

// ConnectionState is the lifecycle state of a Connection
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Advertisement is the subset of advertisement data needed for discovery
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Services() []string
	Connectable() bool
}

// ScanningDevice represents a BLE adapter capable of scanning for advertisements
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Central is the BLE central role: radio enablement plus scan-and-connect.
type Central interface {
	ScanningDevice

	// EnableIfNeeded powers the adapter on when it can be enabled and is
	// currently disabled. Returns ErrRadioUnavailable if the platform refuses.
	EnableIfNeeded(ctx context.Context) error

	// ConnectByName scans for a peripheral advertising exactly name and
	// connects to the first match. A single attempt is made; on failure the
	// returned error is a *ConnectError.
	ConnectByName(ctx context.Context, name string, timeout time.Duration) (Connection, error)
}

// Connection is an active link to a peripheral
type Connection interface {
	Name() string
	Address() string
	State() ConnectionState

	// Write writes data to the characteristic charUUID within serviceUUID,
	// waiting for the peripheral acknowledgement.
	Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error

	// Subscribe installs a notification handler on a characteristic. The
	// handler runs on the transport's delivery goroutine.
	Subscribe(serviceUUID, charUUID string, handler func([]byte)) (Subscription, error)

	// Disconnect tears the link down. Calling it on a closed link is not an error.
	Disconnect(ctx context.Context) error

	// Disconnected is closed once the link is gone, whether by Disconnect or
	// by the radio.
	Disconnected() <-chan struct{}
}

// Subscription is an active notification registration on one characteristic
type Subscription interface {
	Characteristic() string
	// Release stops notification delivery. Safe to call more than once.
	Release() error
}
