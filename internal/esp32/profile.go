// Package esp32 describes the ESP32 demo peripheral: its advertised name, the
// GATT identifiers it exposes, the per-screen variants that wire a subset of
// them, and the fixed-width encodings used on the wire.
package esp32

import (
	"fmt"
	"strings"
	"time"
)

// DeviceName is the advertised local name of the firmware
const DeviceName = "Sensore Techno Back Brace"

// GATT identifiers exposed by the firmware
const (
	ServiceUUID = "ABCD1234-0aaa-467a-9538-01f0652c74e8"
	SliderUUID  = "ABCD1235-0aaa-467a-9538-01f0652c74e8"
	ButtonUUID  = "ABCD1236-0aaa-467a-9538-01f0652c74e8"
	ADCUUID     = "ABCD1237-0aaa-467a-9538-01f0652c74e8"
	// LegacyUUID is the single read/write/notify characteristic of the first firmware revision
	LegacyUUID = "ABCD1238-0aaa-467a-9538-01f0652c74e8"
)

// Slider range accepted by the firmware (mapped to 0..255 PWM on the device)
const (
	SliderMin = 0
	SliderMax = 100
)

// Identity is the set of identifiers a session talks to. Empty characteristic
// fields mean the characteristic is not wired for that session.
type Identity struct {
	Name    string
	Service string
	Slider  string
	Button  string
	ADC     string
	// Legacy is the combined slider/button characteristic of the first firmware revision
	Legacy string
}

// DefaultIdentity returns the identifiers of the current firmware
func DefaultIdentity() Identity {
	return Identity{
		Name:    DeviceName,
		Service: ServiceUUID,
		Slider:  SliderUUID,
		Button:  ButtonUUID,
		ADC:     ADCUUID,
		Legacy:  LegacyUUID,
	}
}

// Variant is a preset selecting which characteristics a session wires and at
// what cadence it runs.
type Variant struct {
	Name         string
	Slider       bool
	Button       bool
	ADC          bool
	Legacy       bool
	TickInterval time.Duration
	ScanTimeout  time.Duration
}

var (
	// VariantBasic mirrors the button state only
	VariantBasic = Variant{
		Name:         "basic",
		Button:       true,
		TickInterval: 200 * time.Millisecond,
		ScanTimeout:  30 * time.Second,
	}

	// VariantSlider mirrors the button and streams the slider
	VariantSlider = Variant{
		Name:         "slider",
		Slider:       true,
		Button:       true,
		TickInterval: 200 * time.Millisecond,
		ScanTimeout:  10 * time.Second,
	}

	// VariantChart adds the ADC sample stream
	VariantChart = Variant{
		Name:         "chart",
		Slider:       true,
		Button:       true,
		ADC:          true,
		TickInterval: time.Second,
		ScanTimeout:  30 * time.Second,
	}

	// VariantLegacy writes the slider to and receives the button from one characteristic
	VariantLegacy = Variant{
		Name:         "legacy",
		Slider:       true,
		Button:       true,
		Legacy:       true,
		TickInterval: time.Second,
		ScanTimeout:  30 * time.Second,
	}
)

// Variants lists the known presets in display order
func Variants() []Variant {
	return []Variant{VariantBasic, VariantSlider, VariantChart, VariantLegacy}
}

// LookupVariant finds a preset by name (case-insensitive)
func LookupVariant(name string) (Variant, error) {
	for _, v := range Variants() {
		if strings.EqualFold(v.Name, name) {
			return v, nil
		}
	}
	names := make([]string, 0, 4)
	for _, v := range Variants() {
		names = append(names, v.Name)
	}
	return Variant{}, fmt.Errorf("unknown variant %q: use %s", name, strings.Join(names, ", "))
}

// Wire narrows an identity to the characteristics this variant uses.
// For the legacy variant both slider and button resolve to id.Legacy, or to
// LegacyUUID when the identity leaves it empty.
func (v Variant) Wire(id Identity) Identity {
	wired := Identity{Name: id.Name, Service: id.Service}
	if v.Legacy {
		legacy := id.Legacy
		if legacy == "" {
			legacy = LegacyUUID
		}
		wired.Legacy = legacy
		if v.Slider {
			wired.Slider = legacy
		}
		if v.Button {
			wired.Button = legacy
		}
		return wired
	}
	if v.Slider {
		wired.Slider = id.Slider
	}
	if v.Button {
		wired.Button = id.Button
	}
	if v.ADC {
		wired.ADC = id.ADC
	}
	return wired
}
