package esp32

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/esp32ble/internal/device"
)

// EncodeSlider encodes a slider value as a little-endian 32-bit signed integer
func EncodeSlider(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

// DecodeSlider is the peripheral-side inverse of EncodeSlider
func DecodeSlider(data []byte) (int32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: slider payload is %d bytes, want 4", device.ErrMalformedNotification, len(data))
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// DecodeButton decodes a button notification. The firmware decides the width
// (uint8, uint16 or uint32), so only 1, 2 or 4 byte payloads are accepted.
func DecodeButton(data []byte) (uint32, error) {
	switch len(data) {
	case 1:
		return uint32(data[0]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(data)), nil
	case 4:
		return binary.LittleEndian.Uint32(data), nil
	default:
		return 0, fmt.Errorf("%w: button payload is %d bytes, want 1, 2 or 4", device.ErrMalformedNotification, len(data))
	}
}

// EncodeButton encodes a button value with the given width (1, 2 or 4 bytes)
func EncodeButton(v uint32, width int) ([]byte, error) {
	switch width {
	case 1:
		return []byte{byte(v)}, nil
	case 2:
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(v))
		return buf, nil
	case 4:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v)
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported button width %d", width)
	}
}

// DecodeADC decodes an ADC notification: a little-endian 32-bit signed integer
func DecodeADC(data []byte) (int32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: adc payload is %d bytes, want 4", device.ErrMalformedNotification, len(data))
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

// EncodeADC is the peripheral-side inverse of DecodeADC
func EncodeADC(v int32) []byte {
	return EncodeSlider(v)
}

// ClampSlider limits v to the range accepted by the firmware
func ClampSlider(v int) int32 {
	if v < SliderMin {
		return SliderMin
	}
	if v > SliderMax {
		return SliderMax
	}
	return int32(v)
}
