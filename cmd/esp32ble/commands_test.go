package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/srg/esp32ble/internal/device"
	"github.com/srg/esp32ble/internal/esp32"
	"github.com/srg/esp32ble/internal/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"gopkg.in/yaml.v3"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

func (s *CommandsTestSuite) writeConfig(content string) {
	s.Require().NoError(os.WriteFile(s.configPath, []byte(content), 0o644))
}

// ---- config ----

func (s *CommandsTestSuite) TestConfigPrintsEffectiveYAML() {
	s.writeConfig("variant: chart\ndevice:\n  name: Bench Board\n")

	out, err := s.Execute("config", "--backend", "sim")

	s.Require().NoError(err)
	var fields map[string]any
	s.Require().NoError(yaml.Unmarshal([]byte(out), &fields), "output MUST be valid YAML")
	s.Equal("chart", fields["variant"])
	s.Equal("sim", fields["backend"], "--backend MUST override the file")
	s.Equal("Bench Board", fields["device"].(map[string]any)["name"])
}

func (s *CommandsTestSuite) TestConfigRejectsInvalidValues() {
	tests := []struct {
		name    string
		file    string
		args    []string
		wantErr string
	}{
		{"unknown variant", "variant: dial\n", nil, "invalid configuration"},
		{"unknown backend flag", "", []string{"--backend", "bluez"}, "backend must be one of"},
		{"bad log level flag", "", []string{"--log-level", "loud"}, "invalid log level"},
		{"broken file", "variant: [\n", nil, "parsing config file"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.writeConfig(tt.file)

			_, err := s.Execute(append([]string{"config"}, tt.args...)...)

			s.ErrorContains(err, tt.wantErr)
		})
	}
}

// ---- scan ----

func (s *CommandsTestSuite) TestScanListsTheBoard() {
	out, err := s.Execute("scan", "--duration", "30ms", "--name", esp32.DeviceName)

	s.Require().NoError(err)
	s.Contains(out, "NAME")
	s.Contains(out, esp32.DeviceName)
	s.Contains(out, testBoardAddress)
	s.Contains(out, "-55 dBm")
}

func (s *CommandsTestSuite) TestScanWithoutMatches() {
	out, err := s.Execute("scan", "--duration", "20ms", "--name", "Nobody")

	s.Require().NoError(err)
	s.Equal("No devices discovered\n", out)
}

func (s *CommandsTestSuite) TestScanWatchPrintsDevicesLive() {
	// GOAL: --watch reports each device once as it is discovered, repeats with the same RSSI are quiet
	//
	// TEST SCENARIO: board advertises repeatedly during a watch scan → one "new" line → summary line
	out, err := s.Execute("scan", "--watch", "--duration", "40ms", "--name", esp32.DeviceName)

	s.Require().NoError(err)
	s.Equal(fmt.Sprintf("new     %s  %s  -55 dBm\n1 device(s) discovered\n", testBoardAddress, esp32.DeviceName), out)
}

func (s *CommandsTestSuite) TestScanRejectsNonPositiveDuration() {
	_, err := s.Execute("scan", "--duration", "0s")

	s.ErrorContains(err, "must be positive")
}

func (s *CommandsTestSuite) TestScanRadioUnavailable() {
	s.central.SetEnableAllowed(false)

	_, err := s.Execute("scan", "--duration", "20ms")

	s.ErrorIs(err, device.ErrRadioUnavailable)
}

// ---- write ----

func (s *CommandsTestSuite) TestWriteSetsSlider() {
	out, err := s.Execute("write", "42")

	s.Require().NoError(err)
	s.Equal(int32(42), s.board.Slider())
	s.Equal(fmt.Sprintf("Slider set to 42 on %s (%s)\n", esp32.DeviceName, testBoardAddress), out)
	s.Eventually(func() bool { return s.board.TotalSubscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func (s *CommandsTestSuite) TestWriteLegacyVariant() {
	_, err := s.Execute("write", "7", "--variant", "legacy")

	s.Require().NoError(err)
	s.Equal(int32(7), s.board.Slider(), "legacy characteristic MUST drive the slider")
}

func (s *CommandsTestSuite) TestWriteRejectsInvalidInput() {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"not a number", []string{"write", "bright"}, "must be an integer"},
		{"above range", []string{"write", "101"}, "between 0 and 100"},
		{"far above range", []string{"write", "250"}, "between 0 and 100"},
		{"no slider in variant", []string{"write", "5", "--variant", "basic"}, "has no slider"},
		{"missing value", []string{"write"}, "accepts 1 arg"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.Execute(tt.args...)

			s.ErrorContains(err, tt.wantErr)
		})
	}
	s.Zero(s.central.Connects(), "invalid input MUST NOT reach the radio")
}

func (s *CommandsTestSuite) TestWriteDeviceNotFound() {
	s.board.SetAdvertising(false)

	_, err := s.Execute("write", "10", "--timeout", "30ms")

	reason, ok := device.ConnectFailureReason(err)
	s.Require().True(ok)
	s.Equal(device.ReasonTimeout, reason)
	s.Contains(FormatUserError(err), "not found")
}

// ---- run ----

type runResult struct {
	out string
	err error
}

func (s *CommandsTestSuite) startRun(ctx context.Context, stdin io.Reader, args ...string) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		out, _, err := s.ExecuteCommand(ctx, stdin, append([]string{"run", "--tick", "10ms"}, args...)...)
		done <- runResult{out: out, err: err}
	}()
	return done
}

func (s *CommandsTestSuite) wait(done <-chan runResult) runResult {
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		s.FailNow("run did not return")
		return runResult{}
	}
}

func (s *CommandsTestSuite) TestRunStreamsSliderUntilQuit() {
	// GOAL: Values typed on stdin reach the board and q ends the session cleanly
	//
	// TEST SCENARIO: run → type 42 → board applies 42 → type q → run returns nil, subscriptions released
	r, w := io.Pipe()
	done := s.startRun(context.Background(), r)

	_, err := io.WriteString(w, "42\n")
	s.Require().NoError(err)
	s.Eventually(func() bool { return s.board.Slider() == 42 }, 2*time.Second, 5*time.Millisecond)

	_, err = io.WriteString(w, "q\n")
	s.Require().NoError(err)
	res := s.wait(done)
	_ = w.Close()

	s.Require().NoError(res.err)
	s.Contains(res.out, "ESP32 connected")
	s.Zero(s.board.TotalSubscribers())
}

func (s *CommandsTestSuite) TestRunReportsConnectionLoss() {
	r, w := io.Pipe()
	defer w.Close()
	done := s.startRun(context.Background(), r)

	s.Eventually(func() bool { return s.board.TotalSubscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.board.DropLink()

	res := s.wait(done)
	s.ErrorIs(res.err, ErrConnectionLost)
	s.Contains(res.out, "ESP32 disconnected!")
}

func (s *CommandsTestSuite) TestRunKeepsSyncingAfterEndOfInput() {
	ctx, cancel := context.WithCancel(context.Background())
	done := s.startRun(ctx, strings.NewReader("64\n"))

	s.Eventually(func() bool { return s.board.Slider() == 64 }, 2*time.Second, 5*time.Millisecond)
	select {
	case res := <-done:
		s.FailNow("run MUST keep running after end of input", "returned %v", res.err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	res := s.wait(done)
	s.ErrorIs(res.err, context.Canceled)
}

func (s *CommandsTestSuite) TestRunConnectFailure() {
	s.board.SetAdvertising(false)

	res := s.wait(s.startRun(context.Background(), nil, "--timeout", "30ms"))

	reason, _ := device.ConnectFailureReason(res.err)
	s.Equal(device.ReasonTimeout, reason)
	s.Contains(res.out, "Connection failed")
}

func (s *CommandsTestSuite) TestRunRejectsBadTick() {
	_, err := s.Execute("run", "--tick", "0s")

	s.ErrorContains(err, "must be positive")
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}

// ---- helpers ----

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"timeout", &device.ConnectError{Name: "B", Reason: device.ReasonTimeout}, `device "B" not found`},
		{"radio", &device.ConnectError{Name: "B", Reason: device.ReasonRadioUnavailable}, "Bluetooth is unavailable"},
		{"wrapped radio", fmt.Errorf("scan: %w", device.ErrRadioUnavailable), "Bluetooth is unavailable"},
		{"dial", &device.ConnectError{Name: "B", Reason: device.ReasonDialFailed, Err: errors.New("refused")}, "failed to connect"},
		{"profile", &device.ConnectError{Name: "B", Reason: device.ReasonDiscoveryFailed, Err: errors.New("x")}, "GATT profile"},
		{"lost", ErrConnectionLost, "was lost"},
		{"other", errors.New("boom"), "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.contains)
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestProgressPrinterStopsOnStopPhase(t *testing.T) {
	var out bytes.Buffer
	p := NewCountdownProgressPrinter(&out, "Scanning for BLE devices", "Scanning", 2*time.Second, "Processing results")

	p.Start()
	time.Sleep(150 * time.Millisecond)
	p.Callback()("Processing results")
	p.Stop()

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "\rScanning for BLE devices (Scanning...)"))
	assert.Contains(t, text, "(Scanning 2s)")
	assert.True(t, strings.HasSuffix(text, clearLineSequence))
	assert.Panics(t, p.Start, "printer MUST be single-use")
}

func TestWatchDevicesReportsRSSIChanges(t *testing.T) {
	var out bytes.Buffer
	events := make(chan scanner.DeviceEvent, 4)
	board := scanner.DeviceInfo{Name: esp32.DeviceName, Address: testBoardAddress, RSSI: -60}
	events <- scanner.DeviceEvent{Type: scanner.EventNew, Device: board}
	events <- scanner.DeviceEvent{Type: scanner.EventUpdated, Device: board}
	board.RSSI = -48
	events <- scanner.DeviceEvent{Type: scanner.EventUpdated, Device: board}
	events <- scanner.DeviceEvent{Type: scanner.EventNew, Device: scanner.DeviceInfo{Address: "11:22:33:44:55:66", RSSI: -90}}

	stop := watchDevices(context.Background(), &out, events)
	stop()

	assert.Equal(t, "new     24:0A:C4:00:00:09  Sensore Techno Back Brace  -60 dBm\n"+
		"update  24:0A:C4:00:00:09  -48 dBm\n"+
		"new     11:22:33:44:55:66  (unnamed)  -90 dBm\n", out.String())
}
