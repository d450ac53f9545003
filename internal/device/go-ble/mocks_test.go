package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

type mockClient struct {
	mock.Mock
	disconnected chan struct{}
	closeOnce    sync.Once
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (m *mockClient) drop() {
	m.closeOnce.Do(func() { close(m.disconnected) })
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

type mockRadio struct {
	mock.Mock
}

func (m *mockRadio) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return m.Called(ctx, allowDup, h).Error(0)
}

func (m *mockRadio) Dial(ctx context.Context, addr ble.Addr) (gattClient, error) {
	args := m.Called(ctx, addr)
	c, _ := args.Get(0).(gattClient)
	return c, args.Error(1)
}

// fakeAdvertisement implements ble.Advertisement with fixed values
type fakeAdvertisement struct {
	name        string
	addr        string
	rssi        int
	connectable bool
	services    []ble.UUID
}

func (a fakeAdvertisement) LocalName() string              { return a.name }
func (a fakeAdvertisement) ManufacturerData() []byte       { return nil }
func (a fakeAdvertisement) ServiceData() []ble.ServiceData { return nil }
func (a fakeAdvertisement) Services() []ble.UUID           { return a.services }
func (a fakeAdvertisement) OverflowService() []ble.UUID    { return nil }
func (a fakeAdvertisement) TxPowerLevel() int              { return 127 }
func (a fakeAdvertisement) Connectable() bool              { return a.connectable }
func (a fakeAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (a fakeAdvertisement) RSSI() int                      { return a.rssi }
func (a fakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }
