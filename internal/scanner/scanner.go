package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/esp32ble/internal/device"
	"github.com/srg/esp32ble/internal/ringchan"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DeviceInfo is what the scanner knows about one advertiser
type DeviceInfo struct {
	Name        string
	Address     string
	RSSI        int
	Services    []string
	Connectable bool
	FirstSeen   time.Time
	LastSeen    time.Time
	Seen        int
}

type DeviceEvent struct {
	Type   DeviceEventType
	Device DeviceInfo
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration `default:"10s"`
	DuplicateFilter bool          `default:"true"`
	// Name keeps only advertisers whose local name matches exactly
	Name         string
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	opts := &ScanOptions{}
	defaults.SetDefaults(opts)
	return opts
}

type entry struct {
	mu   sync.Mutex
	info DeviceInfo
}

func (e *entry) snapshot() DeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := e.info
	info.Services = append([]string(nil), e.info.Services...)
	return info
}

// Scanner handles BLE device discovery
type Scanner struct {
	central device.Central
	logger  *logrus.Logger
	events  *ringchan.RingChannel[DeviceEvent]

	devices *hashmap.Map[string, *entry]

	orderMu sync.Mutex
	order   *orderedmap.OrderedMap[string, *entry]

	scanOptions *ScanOptions
}

// NewScanner creates a new BLE scanner on top of central
func NewScanner(central device.Central, logger *logrus.Logger) (*Scanner, error) {
	if central == nil {
		return nil, fmt.Errorf("central cannot be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		central: central,
		logger:  logger,
		events:  ringchan.New[DeviceEvent](100),
	}, nil
}

// Scan performs BLE discovery and returns the matching devices in the order
// they were first seen
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]DeviceInfo, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.devices = hashmap.New[string, *entry]()
	s.order = orderedmap.New[string, *entry]()
	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()

	if err := s.central.EnableIfNeeded(ctx); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"name":     opts.Name,
	}).Info("Starting BLE scan...")

	progressCallback("Scanning")

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err := s.central.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	if ctx.Err() != nil {
		return s.makeDeviceList(), ctx.Err()
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")

	progressCallback("Processing results")

	return s.makeDeviceList(), nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	deviceID := adv.Addr()
	now := time.Now()

	e, existing := s.devices.Get(deviceID)
	if !existing {
		if !s.shouldIncludeDevice(adv, s.scanOptions) {
			return
		}
		e, existing = s.devices.GetOrInsert(deviceID, &entry{info: DeviceInfo{
			Address:   deviceID,
			FirstSeen: now,
		}})
		if !existing {
			s.orderMu.Lock()
			s.order.Set(deviceID, e)
			s.orderMu.Unlock()
		}
	}

	e.mu.Lock()
	if name := adv.LocalName(); name != "" {
		e.info.Name = name
	}
	e.info.RSSI = adv.RSSI()
	if services := adv.Services(); len(services) > 0 {
		e.info.Services = device.NormalizeUUIDs(services)
	}
	e.info.Connectable = adv.Connectable()
	e.info.LastSeen = now
	e.info.Seen++
	e.mu.Unlock()

	event := DeviceEvent{Device: e.snapshot()}
	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  event.Device.Name,
			"address": event.Device.Address,
			"rssi":    event.Device.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.ForceSend(event)
}

// shouldIncludeDevice applies the name, allow, block and service filters
func (s *Scanner) shouldIncludeDevice(adv device.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr()

	if opts.Name != "" && adv.LocalName() != opts.Name {
		return false
	}

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, required := range opts.ServiceUUIDs {
			for _, advUUID := range adv.Services() {
				if device.EqualUUID(required, advUUID) {
					hasRequired = true
					break
				}
			}
			if hasRequired {
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	return true
}

// makeDeviceList returns a snapshot of discovered devices in first-seen order
func (s *Scanner) makeDeviceList() []DeviceInfo {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	devs := make([]DeviceInfo, 0, s.order.Len())
	for pair := s.order.Oldest(); pair != nil; pair = pair.Next() {
		devs = append(devs, pair.Value.snapshot())
	}
	return devs
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
