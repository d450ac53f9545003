package tinygo

import (
	"errors"
	"testing"

	"github.com/srg/esp32ble/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"bluez not ready", errors.New("org.bluez.Error.NotReady: Resource Not Ready"), device.ErrRadioUnavailable},
		{"corebluetooth powered off", errors.New("bluetooth: adapter powered off"), device.ErrRadioUnavailable},
		{"not connected", errors.New("org.bluez.Error.Failed: Not connected"), device.ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeError(tt.err)
			assert.ErrorIs(t, got, tt.target)
			assert.ErrorIs(t, got, tt.err)
		})
	}

	other := errors.New("att error 0x0e")
	assert.Same(t, other, normalizeError(other))
	assert.NoError(t, normalizeError(nil))
}

func newTrackedConnection(c *Central, address string) *Connection {
	conn := &Connection{
		name:    "Sensore Techno Back Brace",
		address: address,
		logger:  c.logger,
		subs:    make(map[*subscription]struct{}),
		done:    make(chan struct{}),
	}
	conn.state.Store(int32(device.Connected))
	c.track(conn)
	return conn
}

func TestConnectHandlerTearsDownDroppedLink(t *testing.T) {
	// GOAL: A peripheral dropped by the radio closes Disconnected() without any write
	//
	// TEST SCENARIO: tracked link → connected=true event ignored → connected=false event → link torn down and untracked
	c := NewCentral(nil, nil)
	conn := newTrackedConnection(c, "24:0A:C4:00:00:01")
	other := newTrackedConnection(c, "11:22:33:44:55:66")

	c.handleConnectEvent("24:0A:C4:00:00:01", true)
	select {
	case <-conn.Disconnected():
		t.Fatal("connected=true MUST NOT tear the link down")
	default:
	}

	c.handleConnectEvent("24:0A:C4:00:00:01", false)

	select {
	case <-conn.Disconnected():
	default:
		t.Fatal("dropped link MUST close Disconnected()")
	}
	assert.Equal(t, device.Disconnected, conn.State())
	assert.NotContains(t, c.conns, "24:0A:C4:00:00:01")
	assert.Equal(t, device.Connected, other.State(), "other links MUST stay up")

	c.handleConnectEvent("24:0A:C4:00:00:01", false)
	c.handleConnectEvent("AA:BB:CC:DD:EE:FF", false)
}

func TestTeardownUntracksConnection(t *testing.T) {
	c := NewCentral(nil, nil)
	conn := newTrackedConnection(c, "24:0A:C4:00:00:01")

	conn.teardown()

	assert.Empty(t, c.conns, "torn down link MUST NOT receive connect handler events")
}
