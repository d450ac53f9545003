// Package sim is an in-memory device backend that emulates the ESP32 demo
// firmware. It backs the test suites and the --backend sim mode of the CLI.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/srg/esp32ble/internal/device"
	"github.com/srg/esp32ble/internal/esp32"
	"github.com/srg/esp32ble/internal/groutine"
)

// Characteristic capabilities
const (
	PropWrite = 1 << iota
	PropNotify
)

// Peripheral emulates the firmware's GATT table and behaviour
type Peripheral struct {
	name    string
	address string
	service string

	mu          sync.Mutex
	chars       map[string]int // normalized char UUID -> props
	buttonChars []string
	sliderChars map[string]bool
	adcChar     string
	advertising bool
	buttonWidth int
	button      uint32
	slider      int32
	writes      [][]byte
	failWrites  []error
	writeGate   chan struct{}
	dialErr     error
	subs        map[string]map[*subscription]struct{}
	conns       map[*Connection]struct{}
}

// NewPeripheral creates a peripheral exposing the characteristics of id.
// Empty identifiers in id are omitted; the legacy characteristic is always
// present, as on the first firmware revision.
func NewPeripheral(id esp32.Identity, address string) *Peripheral {
	p := &Peripheral{
		name:        id.Name,
		address:     address,
		service:     device.NormalizeUUID(id.Service),
		chars:       make(map[string]int),
		advertising: true,
		buttonWidth: 2,
		sliderChars: make(map[string]bool),
		subs:        make(map[string]map[*subscription]struct{}),
		conns:       make(map[*Connection]struct{}),
	}
	add := func(uuid string, props int) string {
		if uuid == "" {
			return ""
		}
		u := device.NormalizeUUID(uuid)
		p.chars[u] |= props
		return u
	}
	if u := add(id.Slider, PropWrite); u != "" {
		p.sliderChars[u] = true
	}
	if u := add(id.Button, PropNotify); u != "" {
		p.buttonChars = append(p.buttonChars, u)
	}
	p.adcChar = add(id.ADC, PropNotify)
	if id.Legacy == "" {
		id.Legacy = esp32.LegacyUUID
	}
	legacy := add(id.Legacy, PropWrite|PropNotify)
	p.sliderChars[legacy] = true
	p.buttonChars = append(p.buttonChars, legacy)
	return p
}

// NewESP32 creates a peripheral with the default firmware identity
func NewESP32(address string) *Peripheral {
	return NewPeripheral(esp32.DefaultIdentity(), address)
}

func (p *Peripheral) Name() string    { return p.name }
func (p *Peripheral) Address() string { return p.address }

// SetAdvertising controls whether scans see the peripheral
func (p *Peripheral) SetAdvertising(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = on
}

func (p *Peripheral) isAdvertising() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertising
}

// SetButtonWidth sets the notification payload width (1, 2 or 4). The
// firmware sends 2.
func (p *Peripheral) SetButtonWidth(width int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buttonWidth = width
}

// FailDial makes the next connection attempts fail with err (nil clears it)
func (p *Peripheral) FailDial(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialErr = err
}

// FailNextWrites queues errors returned by the next len(errs) writes
func (p *Peripheral) FailNextWrites(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWrites = append(p.failWrites, errs...)
}

// HoldWrites makes writes block until ReleaseWrites is called
func (p *Peripheral) HoldWrites() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeGate == nil {
		p.writeGate = make(chan struct{})
	}
}

// ReleaseWrites unblocks writes held by HoldWrites
func (p *Peripheral) ReleaseWrites() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeGate != nil {
		close(p.writeGate)
		p.writeGate = nil
	}
}

// Writes returns a copy of every accepted write payload in order
func (p *Peripheral) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	for i, w := range p.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// SliderValues decodes accepted slider writes
func (p *Peripheral) SliderValues() []int32 {
	var out []int32
	for _, w := range p.Writes() {
		if v, err := esp32.DecodeSlider(w); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// Slider returns the last slider value the firmware applied
func (p *Peripheral) Slider() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slider
}

// Subscribers returns the number of active subscriptions on a characteristic
func (p *Peripheral) Subscribers(charUUID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[device.NormalizeUUID(charUUID)])
}

// TotalSubscribers returns the number of active subscriptions on all characteristics
func (p *Peripheral) TotalSubscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subs {
		n += len(s)
	}
	return n
}

// SetButton changes the button state and notifies subscribers of the button
// and legacy characteristics, as the firmware does when the pin changes.
func (p *Peripheral) SetButton(v uint32) {
	p.mu.Lock()
	changed := p.button != v
	p.button = v
	width := p.buttonWidth
	p.mu.Unlock()

	if !changed {
		return
	}
	payload, err := esp32.EncodeButton(v, width)
	if err != nil {
		return
	}
	for _, uuid := range p.buttonChars {
		p.Notify(uuid, payload)
	}
}

// EmitADC notifies an ADC sample
func (p *Peripheral) EmitADC(v int32) {
	if p.adcChar != "" {
		p.Notify(p.adcChar, esp32.EncodeADC(v))
	}
}

// Notify delivers a raw payload to every subscriber of charUUID
func (p *Peripheral) Notify(charUUID string, payload []byte) {
	uuid := device.NormalizeUUID(charUUID)
	p.mu.Lock()
	subs := make([]*subscription, 0, len(p.subs[uuid]))
	for s := range p.subs[uuid] {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		s.deliver(append([]byte(nil), payload...))
	}
}

// DropLink simulates radio loss on every open connection
func (p *Peripheral) DropLink() {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.teardown()
	}
}

// Run emulates the firmware main loop: an ADC sample every adcEvery and a
// button toggle every buttonEvery, until ctx is done.
func (p *Peripheral) Run(ctx context.Context, adcEvery, buttonEvery time.Duration) {
	groutine.Go(ctx, "sim-firmware", func(ctx context.Context) {
		adc := time.NewTicker(adcEvery)
		defer adc.Stop()
		btn := time.NewTicker(buttonEvery)
		defer btn.Stop()

		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		level := int32(2048)
		var pressed uint32
		for {
			select {
			case <-ctx.Done():
				return
			case <-adc.C:
				level += int32(rng.Intn(201) - 100)
				level = max(0, min(4095, level))
				p.EmitADC(level)
			case <-btn.C:
				pressed ^= 1
				p.SetButton(pressed)
			}
		}
	})
}

func (p *Peripheral) lookup(serviceUUID, charUUID string, prop int) (string, error) {
	if device.NormalizeUUID(serviceUUID) != p.service {
		return "", &device.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}
	uuid := device.NormalizeUUID(charUUID)
	p.mu.Lock()
	props, ok := p.chars[uuid]
	p.mu.Unlock()
	if !ok {
		return "", &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	if props&prop == 0 {
		return "", fmt.Errorf("%w: characteristic %s does not support this operation", device.ErrGattOperationFailed, charUUID)
	}
	return uuid, nil
}

func (p *Peripheral) write(ctx context.Context, uuid string, data []byte) error {
	p.mu.Lock()
	gate := p.writeGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.failWrites) > 0 {
		err := p.failWrites[0]
		p.failWrites = p.failWrites[1:]
		return fmt.Errorf("%w: %w", device.ErrGattOperationFailed, err)
	}

	p.writes = append(p.writes, append([]byte(nil), data...))
	if v, err := esp32.DecodeSlider(data); err == nil && p.sliderChars[uuid] {
		p.slider = max(esp32.SliderMin, min(esp32.SliderMax, v))
	}
	return nil
}

func (p *Peripheral) attach(c *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dialErr != nil {
		return p.dialErr
	}
	p.conns[c] = struct{}{}
	return nil
}

func (p *Peripheral) detach(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, c)
}

func (p *Peripheral) addSub(s *subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.subs[s.uuid]
	if !ok {
		set = make(map[*subscription]struct{})
		p.subs[s.uuid] = set
	}
	set[s] = struct{}{}
}

func (p *Peripheral) removeSub(s *subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs[s.uuid], s)
}
