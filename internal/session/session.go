// Package session runs the BLE session against the ESP32 peripheral: it
// connects by advertised name, installs notification subscriptions, mirrors
// the button into the switch state, records ADC samples and streams the
// slider target to the device on a fixed tick.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/esp32ble/internal/device"
	"github.com/srg/esp32ble/internal/esp32"
	"github.com/srg/esp32ble/internal/groutine"
	"github.com/srg/esp32ble/internal/samples"
)

// ErrClosed is returned by operations on a closed session
var ErrClosed = errors.New("session closed")

// Options configures a Session
type Options struct {
	Identity esp32.Identity
	Variant  esp32.Variant

	// TickInterval and ScanTimeout fall back to the variant's values when zero
	TickInterval time.Duration
	ScanTimeout  time.Duration

	QueueSize      uint32 `default:"64"`
	SampleCapacity int    `default:"100"`
}

type eventKind int

const (
	buttonEvent eventKind = iota
	adcEvent
)

// event is a queued notification. gen is the link generation it arrived on;
// events of an older generation are dropped.
type event struct {
	kind eventKind
	gen  uint64
	data []byte
}

// Session owns one connection to the peripheral and the loop that keeps it
// in sync. The zero value is not usable; create one with New.
type Session struct {
	central device.Central
	view    View
	logger  *logrus.Logger
	opts    Options
	wired   esp32.Identity
	buffer  *samples.Buffer

	events mpmc.RichOverlappedRingBuffer[event]
	wake   chan struct{}

	mu    sync.Mutex
	state State
	conn  device.Connection
	subs  []device.Subscription
	// gen advances on every connect attempt and every teardown
	gen uint64

	// set while a Connect is in flight
	connectCancel context.CancelFunc
	connectDone   chan struct{}

	writing atomic.Bool
	closed  atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	lost      chan struct{}
	lostOnce  sync.Once
}

// New creates a disconnected session. A nil view discards presentation
// updates; a nil logger falls back to logrus.New().
func New(central device.Central, view View, logger *logrus.Logger, opts Options) (*Session, error) {
	if central == nil {
		return nil, fmt.Errorf("central cannot be nil")
	}
	if view == nil {
		view = nopView{}
	}
	if logger == nil {
		logger = logrus.New()
	}

	defaults.SetDefaults(&opts)
	if opts.Variant.Name == "" {
		opts.Variant = esp32.VariantSlider
	}
	if opts.Identity == (esp32.Identity{}) {
		opts.Identity = esp32.DefaultIdentity()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = opts.Variant.TickInterval
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = opts.Variant.ScanTimeout
	}
	if opts.TickInterval <= 0 || opts.ScanTimeout <= 0 {
		return nil, fmt.Errorf("tick interval and scan timeout must be positive")
	}

	wired := opts.Variant.Wire(opts.Identity)
	if wired.Name == "" || wired.Service == "" {
		return nil, fmt.Errorf("device name and service UUID are required")
	}
	for _, uuid := range []string{wired.Service, wired.Slider, wired.Button, wired.ADC} {
		if uuid == "" {
			continue
		}
		if _, err := device.ValidateUUID(uuid); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		central: central,
		view:    view,
		logger:  logger,
		opts:    opts,
		wired:   wired,
		buffer:  samples.NewBuffer(opts.SampleCapacity),
		events:  mpmc.NewOverlappedRingBuffer[event](opts.QueueSize),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		lost:    make(chan struct{}),
	}, nil
}

// Wired returns the identifiers this session talks to
func (s *Session) Wired() esp32.Identity {
	return s.wired
}

// Options returns the effective options after defaults were applied
func (s *Session) Options() Options {
	return s.opts
}

// Connect enables the radio if needed, connects to the configured device
// name and installs the subscriptions of the variant. The sync loop starts
// on the first successful connect and keeps running until Close.
//
// Failures are reported to the view as an alert and returned; the error is
// a *device.ConnectError carrying the reason. A Disconnect issued while the
// attempt is in flight cancels it with ReasonCanceled.
func (s *Session) Connect(parent context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.mu.Lock()
	if s.state.Connection != device.Disconnected {
		s.mu.Unlock()
		cancel()
		return device.ErrAlreadyConnected
	}
	s.state.Connection = device.Connecting
	s.gen++
	gen := s.gen
	s.connectCancel = cancel
	s.connectDone = done
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.connectCancel = nil
		s.connectDone = nil
		s.mu.Unlock()
		close(done)
	}()
	s.view.ShowConnection(device.Connecting, false)

	cleanupCtx := context.WithoutCancel(parent)
	name := s.wired.Name
	fail := func(err error) error {
		s.mu.Lock()
		s.gen++
		s.state.markDisconnected()
		s.mu.Unlock()
		s.view.ShowConnection(device.Disconnected, false)
		if !errors.Is(err, context.Canceled) {
			s.view.Alert("Connection failed", err.Error())
		}
		return err
	}

	if err := s.central.EnableIfNeeded(ctx); err != nil {
		reason := device.ReasonRadioUnavailable
		if ctx.Err() != nil {
			reason = device.ReasonCanceled
		}
		return fail(&device.ConnectError{Name: name, Reason: reason, Err: err})
	}

	conn, err := s.central.ConnectByName(ctx, name, s.opts.ScanTimeout)
	if err != nil {
		var cerr *device.ConnectError
		if !errors.As(err, &cerr) {
			err = &device.ConnectError{Name: name, Reason: device.ReasonDialFailed, Err: err}
		}
		return fail(err)
	}

	subs, err := s.subscribe(conn, gen)
	if err != nil {
		if dErr := conn.Disconnect(cleanupCtx); dErr != nil {
			s.logger.WithField("error", dErr).Warn("Failed to disconnect after subscribe failure")
		}
		return fail(&device.ConnectError{Name: name, Reason: device.ReasonDiscoveryFailed, Err: err})
	}

	// closed and gen are re-checked under mu so no goroutine is tracked after
	// Close started waiting and a Disconnect issued meanwhile wins.
	s.mu.Lock()
	if s.closed.Load() || s.gen != gen {
		closed := s.closed.Load()
		s.mu.Unlock()
		releaseAll(subs, s.logger)
		_ = conn.Disconnect(cleanupCtx)
		if closed {
			return fail(ErrClosed)
		}
		return fail(&device.ConnectError{Name: name, Reason: device.ReasonCanceled, Err: context.Canceled})
	}
	s.conn = conn
	s.subs = subs
	s.state.Connection = device.Connected
	s.state.DeviceName = conn.Name()
	s.state.Address = conn.Address()
	s.state.HasSent = false
	s.startOnce.Do(s.start)
	groutine.GoTracked(s.ctx, &s.wg, "session-link-monitor", func(ctx context.Context) {
		select {
		case <-conn.Disconnected():
			s.onLinkLost(conn)
		case <-ctx.Done():
		}
	})
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"name":          conn.Name(),
		"address":       conn.Address(),
		"variant":       s.opts.Variant.Name,
		"subscriptions": len(subs),
	}).Info("Session connected")

	s.view.ShowConnection(device.Connected, false)
	return nil
}

// subscribe installs the notification handlers of the wired identity. On
// error every subscription acquired so far is released.
func (s *Session) subscribe(conn device.Connection, gen uint64) ([]device.Subscription, error) {
	type target struct {
		uuid string
		kind eventKind
	}
	var targets []target
	if s.wired.Button != "" {
		targets = append(targets, target{uuid: s.wired.Button, kind: buttonEvent})
	}
	if s.wired.ADC != "" {
		targets = append(targets, target{uuid: s.wired.ADC, kind: adcEvent})
	}

	subs := make([]device.Subscription, 0, len(targets))
	for _, t := range targets {
		kind := t.kind
		sub, err := conn.Subscribe(s.wired.Service, t.uuid, func(data []byte) {
			s.enqueue(event{kind: kind, gen: gen, data: data})
		})
		if err != nil {
			releaseAll(subs, s.logger)
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func releaseAll(subs []device.Subscription, logger *logrus.Logger) {
	for _, sub := range subs {
		if err := sub.Release(); err != nil {
			logger.WithFields(logrus.Fields{
				"char_uuid": sub.Characteristic(),
				"error":     err,
			}).Warn("Failed to release subscription")
		}
	}
}

func (s *Session) start() {
	groutine.GoTracked(s.ctx, &s.wg, "session-tick", s.runTicker)
	groutine.GoTracked(s.ctx, &s.wg, "session-events", s.runEvents)
}

func (s *Session) runTicker(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick advances the indicator and starts a slider write when the target
// differs from the last value the device acknowledged. A tick that finds the
// previous write still in flight skips its write.
func (s *Session) tick(ctx context.Context) {
	s.mu.Lock()
	s.state.Counters.Ticks++
	if s.state.Connection != device.Connected {
		s.state.Switch = false
	}
	s.state.advanceIndicator()
	connState := s.state.Connection
	indicator := s.state.IndicatorOn
	switchOn := s.state.Switch
	value, pending := s.state.pendingWrite()
	conn := s.conn
	if s.wired.Slider == "" {
		pending = false
	}
	s.mu.Unlock()

	s.view.ShowConnection(connState, indicator)
	if connState != device.Connected {
		s.view.ShowSwitch(switchOn)
	}

	if !pending || conn == nil {
		return
	}
	if !s.writing.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.state.Counters.SkippedWrites++
		s.mu.Unlock()
		s.logger.WithField("value", value).Debug("Previous write in flight, skipping tick")
		return
	}

	groutine.GoTracked(ctx, &s.wg, "session-write", func(ctx context.Context) {
		defer s.writing.Store(false)
		s.write(ctx, conn, value)
	})
}

func (s *Session) write(ctx context.Context, conn device.Connection, value int32) {
	if ctx.Err() != nil {
		return
	}
	err := conn.Write(ctx, s.wired.Service, s.wired.Slider, esp32.EncodeSlider(value))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.state.Counters.WriteFailures++
		s.logger.WithFields(logrus.Fields{
			"value": value,
			"error": err,
		}).Warn("Slider write failed, retrying next tick")
		return
	}

	s.state.Counters.Writes++
	if s.conn == conn {
		s.state.LastSent = value
		s.state.HasSent = true
	}
	s.logger.WithField("value", value).Debug("Slider written")
}

func (s *Session) enqueue(ev event) {
	overwrites, err := s.events.EnqueueM(ev)
	if err != nil {
		s.logger.WithField("error", err).Error("Unexpected event queue error")
		return
	}
	if overwrites > 0 {
		s.mu.Lock()
		s.state.Counters.DroppedEvents += uint64(overwrites)
		s.mu.Unlock()
		s.logger.WithField("dropped", overwrites).Debug("Event queue full, oldest notifications dropped")
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) runEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for !s.events.IsEmpty() {
			ev, err := s.events.Dequeue()
			if err != nil {
				break
			}
			s.handle(ev)
		}
	}
}

// apply runs fn under mu when ev belongs to the current link. Events queued
// before a teardown are counted as stale and never touch the state.
func (s *Session) apply(ev event, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.gen != s.gen {
		s.state.Counters.StaleEvents++
		return false
	}
	fn()
	return true
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case buttonEvent:
		v, err := esp32.DecodeButton(ev.data)
		if err != nil {
			s.malformed(ev, "button", err)
			return
		}
		on := v == 1
		if !s.apply(ev, func() {
			s.state.Counters.Notifications++
			s.state.Switch = on
		}) {
			return
		}
		s.logger.WithField("value", v).Debug("Button notification")
		s.view.ShowSwitch(on)

	case adcEvent:
		v, err := esp32.DecodeADC(ev.data)
		if err != nil {
			s.malformed(ev, "adc", err)
			return
		}
		if !s.apply(ev, func() {
			s.buffer.Record(v)
			s.state.Counters.Notifications++
		}) {
			return
		}
		s.logger.WithField("value", v).Debug("ADC notification")
		s.view.ShowChart(s.buffer.Snapshot())
	}
}

func (s *Session) malformed(ev event, source string, err error) {
	if !s.apply(ev, func() { s.state.Counters.Malformed++ }) {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"source": source,
		"length": len(ev.data),
		"error":  err,
	}).Warn("Dropping malformed notification")
}

func (s *Session) onLinkLost(conn device.Connection) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	subs := s.subs
	s.conn = nil
	s.subs = nil
	s.gen++
	s.state.markDisconnected()
	s.mu.Unlock()

	releaseAll(subs, s.logger)
	s.logger.WithField("address", conn.Address()).Warn("Connection lost")

	s.view.ShowConnection(device.Disconnected, false)
	s.view.ShowSwitch(false)
	s.view.Alert("ESP32 disconnected!", "the radio link was lost")
	s.lostOnce.Do(func() { close(s.lost) })
}

// Lost is closed the first time the radio drops an established link
func (s *Session) Lost() <-chan struct{} {
	return s.lost
}

// SetSlider sets the value the loop streams to the device, clamped to the
// firmware range.
func (s *Session) SetSlider(v int) int32 {
	value := esp32.ClampSlider(v)
	s.mu.Lock()
	s.state.Slider = value
	s.mu.Unlock()
	s.view.ShowSlider(value)
	return value
}

// WriteSlider writes a value immediately, outside the loop. It serves one-shot
// writes and does not change the loop's target.
func (s *Session) WriteSlider(ctx context.Context, v int) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || s.wired.Slider == "" {
		return device.ErrNotConnected
	}
	return conn.Write(ctx, s.wired.Service, s.wired.Slider, esp32.EncodeSlider(esp32.ClampSlider(v)))
}

// Snapshot returns a copy of the current state
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Samples returns the recorded ADC samples in arrival order
func (s *Session) Samples() []samples.Sample {
	return s.buffer.Snapshot()
}

// Disconnect releases the subscriptions and closes the link while keeping
// the session usable for another Connect. A Connect in flight is canceled and
// waited for. Disconnecting an idle session is a no-op. Notifications queued
// before Disconnect returns are dropped.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	subs := s.subs
	if conn == nil {
		cancelConnect, connectDone := s.connectCancel, s.connectDone
		if cancelConnect != nil {
			s.gen++
		}
		s.mu.Unlock()
		if cancelConnect == nil {
			return nil
		}
		cancelConnect()
		select {
		case <-connectDone:
		case <-ctx.Done():
			return fmt.Errorf("disconnect: %w", ctx.Err())
		}
		s.logger.Info("Pending connect canceled")
		return nil
	}
	s.conn = nil
	s.subs = nil
	s.gen++
	s.state.Connection = device.Disconnecting
	s.mu.Unlock()

	s.view.ShowConnection(device.Disconnecting, false)
	releaseAll(subs, s.logger)
	err := conn.Disconnect(ctx)

	s.mu.Lock()
	s.state.markDisconnected()
	s.mu.Unlock()
	s.view.ShowConnection(device.Disconnected, false)
	s.view.ShowSwitch(false)

	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	s.logger.Info("Session disconnected")
	return nil
}

// Close stops the loop and its goroutines, then releases the subscriptions
// and disconnects. No write starts after Close returns. Safe to call more
// than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		s.mu.Unlock()
		s.cancel()

		stopped := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.logger.Warn("Timed out waiting for session goroutines")
		}

		err = s.Disconnect(ctx)
	})
	return err
}
