package session

import "github.com/srg/esp32ble/internal/device"

// indicatorPeriod is the number of connected ticks between indicator toggles
const indicatorPeriod = 4

// Counters tracks session activity
type Counters struct {
	Ticks         uint64
	Notifications uint64
	Malformed     uint64
	Writes        uint64
	WriteFailures uint64
	SkippedWrites uint64
	DroppedEvents uint64
	// StaleEvents counts notifications that arrived after their link was torn down
	StaleEvents uint64
}

// State is a point-in-time copy of the session
type State struct {
	Connection device.ConnectionState
	DeviceName string
	Address    string

	Switch bool
	Slider int32

	// LastSent is meaningful only when HasSent is set
	LastSent int32
	HasSent  bool

	IndicatorOn    bool
	indicatorTicks int

	Counters Counters
}

// advanceIndicator moves the blink state one tick forward. Disconnected
// resets it to off.
func (s *State) advanceIndicator() {
	if s.Connection != device.Connected {
		s.indicatorTicks = 0
		s.IndicatorOn = false
		return
	}
	s.indicatorTicks++
	if s.indicatorTicks >= indicatorPeriod {
		s.indicatorTicks = 0
		s.IndicatorOn = !s.IndicatorOn
	}
}

// pendingWrite reports the slider value that still has to reach the device
func (s *State) pendingWrite() (int32, bool) {
	if s.Connection != device.Connected {
		return 0, false
	}
	if s.HasSent && s.LastSent == s.Slider {
		return 0, false
	}
	return s.Slider, true
}

// markDisconnected clears link-bound state. The switch is forced off since
// its value can no longer be observed.
func (s *State) markDisconnected() {
	s.Connection = device.Disconnected
	s.Switch = false
	s.HasSent = false
	s.advanceIndicator()
}
