package session

import (
	"github.com/srg/esp32ble/internal/device"
	"github.com/srg/esp32ble/internal/samples"
)

// View is the presentation side of a session. Methods are called from the
// tick, event and monitor goroutines, so implementations must be safe for
// concurrent use and must not block.
type View interface {
	ShowConnection(state device.ConnectionState, indicatorOn bool)
	ShowSwitch(on bool)
	ShowSlider(value int32)
	ShowChart(points []samples.Sample)
	Alert(title, message string)
}

type nopView struct{}

func (nopView) ShowConnection(device.ConnectionState, bool) {}
func (nopView) ShowSwitch(bool)                             {}
func (nopView) ShowSlider(int32)                            {}
func (nopView) ShowChart([]samples.Sample)                  {}
func (nopView) Alert(string, string)                        {}
