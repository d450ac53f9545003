package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/esp32ble/internal/device"
	"github.com/srg/esp32ble/internal/esp32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ConnectionTestSuite struct {
	bleSuite
}

func (s *ConnectionTestSuite) TestWriteUsesAcknowledgedWrite() {
	conn := s.connect()
	payload := esp32.EncodeSlider(42)
	s.client.On("WriteCharacteristic", mock.Anything, payload, false).Return(nil).Once()

	err := conn.Write(context.Background(), esp32.ServiceUUID, esp32.SliderUUID, payload)

	s.Require().NoError(err)
	s.client.AssertExpectations(s.T())
}

func (s *ConnectionTestSuite) TestWriteErrors() {
	conn := s.connect()

	s.Run("unknown characteristic", func() {
		err := conn.Write(context.Background(), esp32.ServiceUUID, esp32.ADCUUID, []byte{1})
		var nf *device.NotFoundError
		s.Require().ErrorAs(err, &nf)
		s.Equal("characteristic", nf.Resource)
	})

	s.Run("unknown service", func() {
		err := conn.Write(context.Background(), "180d", esp32.SliderUUID, []byte{1})
		var nf *device.NotFoundError
		s.Require().ErrorAs(err, &nf)
		s.Equal("service", nf.Resource)
	})

	s.Run("platform failure", func() {
		s.client.On("WriteCharacteristic", mock.Anything, mock.Anything, false).Return(errors.New("att: write not permitted")).Once()
		err := conn.Write(context.Background(), esp32.ServiceUUID, esp32.SliderUUID, []byte{1, 0, 0, 0})
		s.ErrorIs(err, device.ErrGattOperationFailed)
		s.Contains(err.Error(), "write not permitted")
	})
}

func (s *ConnectionTestSuite) TestSubscribeDeliversUntilReleased() {
	// GOAL: Notifications reach the handler only while the subscription is held
	//
	// TEST SCENARIO: subscribe → notify → release twice → notify again → one delivery, one Unsubscribe
	conn := s.connect()
	var deliver ble.NotificationHandler
	s.client.On("Subscribe", mock.Anything, false, mock.Anything).
		Run(func(args mock.Arguments) { deliver = args.Get(2).(ble.NotificationHandler) }).
		Return(nil).Once()
	s.client.On("Unsubscribe", mock.Anything, false).Return(nil).Once()

	var got [][]byte
	sub, err := conn.Subscribe(esp32.ServiceUUID, esp32.ButtonUUID, func(b []byte) { got = append(got, b) })
	s.Require().NoError(err)
	s.Equal(device.NormalizeUUID(esp32.ButtonUUID), sub.Characteristic())

	deliver([]byte{1, 0})
	s.Require().NoError(sub.Release())
	s.Require().NoError(sub.Release(), "release MUST be idempotent")
	deliver([]byte{0, 0})

	s.Equal([][]byte{{1, 0}}, got)
	s.client.AssertNumberOfCalls(s.T(), "Unsubscribe", 1)
}

func (s *ConnectionTestSuite) TestDisconnectIsIdempotent() {
	conn := s.connect()
	s.client.On("Subscribe", mock.Anything, false, mock.Anything).Return(nil).Once()
	s.client.On("Unsubscribe", mock.Anything, false).Return(nil).Once()
	s.client.On("CancelConnection").Run(func(mock.Arguments) { s.client.drop() }).Return(nil).Once()

	_, err := conn.Subscribe(esp32.ServiceUUID, esp32.ButtonUUID, func([]byte) {})
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(conn.Disconnect(ctx))
	s.Require().NoError(conn.Disconnect(ctx), "second disconnect MUST succeed")

	s.Equal(device.Disconnected, conn.State())
	s.client.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
	s.client.AssertNumberOfCalls(s.T(), "Unsubscribe", 1)
	s.ErrorIs(conn.Write(ctx, esp32.ServiceUUID, esp32.SliderUUID, []byte{1}), device.ErrNotConnected)
}

func (s *ConnectionTestSuite) TestDisconnectTreatsClosedLinkAsSuccess() {
	conn := s.connect()
	s.client.On("CancelConnection").Run(func(mock.Arguments) { s.client.drop() }).Return(errors.New("device not connected")).Once()

	s.NoError(conn.Disconnect(context.Background()))
	s.Equal(device.Disconnected, conn.State())
}

func (s *ConnectionTestSuite) TestRadioLossClosesConnection() {
	// GOAL: A link dropped by the radio is observable and leaves no subscription behind
	//
	// TEST SCENARIO: subscribe → client reports disconnection → Disconnected() closes, no remote unsubscribe
	conn := s.connect()
	s.client.On("Subscribe", mock.Anything, false, mock.Anything).Return(nil).Once()

	sub, err := conn.Subscribe(esp32.ServiceUUID, esp32.ButtonUUID, func([]byte) {})
	s.Require().NoError(err)

	s.client.drop()

	select {
	case <-conn.Disconnected():
	case <-time.After(time.Second):
		s.FailNow("Disconnected() MUST close after radio loss")
	}
	s.Equal(device.Disconnected, conn.State())
	s.NoError(sub.Release())
	s.client.AssertNotCalled(s.T(), "Unsubscribe", mock.Anything, mock.Anything)
	s.NoError(conn.Disconnect(context.Background()))
}

func TestConnectionTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectionTestSuite))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"darwin powered off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.ErrRadioUnavailable},
		{"generic off", errors.New("Bluetooth is turned off"), device.ErrRadioUnavailable},
		{"hci init", errors.New("can't init hci: no devices available"), device.ErrRadioUnavailable},
		{"not connected", errors.New("device not connected"), device.ErrNotConnected},
		{"already connected", errors.New("device already connected"), device.ErrAlreadyConnected},
		{"context canceled", context.Canceled, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			require.Error(t, got)
			assert.ErrorIs(t, got, tt.target)
			assert.ErrorIs(t, got, tt.err, "original error MUST stay in the chain")
		})
	}

	assert.NoError(t, NormalizeError(nil))
}
