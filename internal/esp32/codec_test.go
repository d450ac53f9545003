package esp32

import (
	"math"
	"math/rand"
	"testing"

	"github.com/srg/esp32ble/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliderRoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 100, 255, 256, -256, math.MaxInt32, math.MinInt32, math.MaxInt32 - 1, math.MinInt32 + 1}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		values = append(values, int32(rng.Uint32()))
	}

	for _, v := range values {
		encoded := EncodeSlider(v)
		require.Len(t, encoded, 4, "slider payload MUST be 4 bytes")

		decoded, err := DecodeSlider(encoded)
		require.NoError(t, err)
		assert.Equal(t, v, decoded, "round trip MUST preserve %d", v)
	}
}

func TestEncodeSliderIsLittleEndian(t *testing.T) {
	assert.Equal(t, []byte{0x64, 0x00, 0x00, 0x00}, EncodeSlider(100))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, EncodeSlider(-1))
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x80}, EncodeSlider(math.MinInt32))
}

func TestDecodeButton(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		expected uint32
		wantErr  bool
	}{
		{name: "uint8 on", payload: []byte{0x01}, expected: 1},
		{name: "uint8 off", payload: []byte{0x00}, expected: 0},
		{name: "uint16 as sent by firmware", payload: []byte{0x01, 0x00}, expected: 1},
		{name: "uint16 high byte", payload: []byte{0x00, 0x01}, expected: 256},
		{name: "uint32", payload: []byte{0x01, 0x00, 0x00, 0x00}, expected: 1},
		{name: "uint32 max", payload: []byte{0xff, 0xff, 0xff, 0xff}, expected: math.MaxUint32},
		{name: "empty payload", payload: []byte{}, wantErr: true},
		{name: "nil payload", payload: nil, wantErr: true},
		{name: "three bytes", payload: []byte{0x01, 0x00, 0x00}, wantErr: true},
		{name: "eight bytes", payload: make([]byte, 8), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeButton(tt.payload)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, device.ErrMalformedNotification)
				assert.Zero(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDecodeButtonNeverReadsPastPayload(t *testing.T) {
	// Trailing bytes beyond the declared width must not leak into the value
	backing := []byte{0x01, 0x00, 0xaa, 0xbb}
	got, err := DecodeButton(backing[:2])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got)

	got, err = DecodeButton(backing[:1])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got)
}

func TestEncodeButtonRoundTrip(t *testing.T) {
	for _, width := range []int{1, 2, 4} {
		payload, err := EncodeButton(1, width)
		require.NoError(t, err)
		assert.Len(t, payload, width)

		v, err := DecodeButton(payload)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), v)
	}

	_, err := EncodeButton(1, 3)
	assert.Error(t, err)
}

func TestDecodeADC(t *testing.T) {
	v, err := DecodeADC(EncodeADC(-1234))
	require.NoError(t, err)
	assert.Equal(t, int32(-1234), v)

	_, err = DecodeADC([]byte{1, 2})
	assert.ErrorIs(t, err, device.ErrMalformedNotification)
}

func TestClampSlider(t *testing.T) {
	assert.Equal(t, int32(0), ClampSlider(-5))
	assert.Equal(t, int32(42), ClampSlider(42))
	assert.Equal(t, int32(100), ClampSlider(1000))
}
