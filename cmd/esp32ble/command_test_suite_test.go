package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/esp32ble/internal/config"
	"github.com/srg/esp32ble/internal/device"
	"github.com/srg/esp32ble/internal/device/sim"
	"github.com/stretchr/testify/suite"
)

const testBoardAddress = "24:0A:C4:00:00:09"

// CommandTestSuite runs commands against a simulated board injected through
// CentralFactory. Every command gets a config path inside a temp dir so the
// user's own config is never read.
type CommandTestSuite struct {
	suite.Suite

	board      *sim.Peripheral
	central    *sim.Central
	configPath string

	originalFactory func(context.Context, *config.Config, *logrus.Logger) (device.Central, func(), error)
}

func (s *CommandTestSuite) SetupTest() {
	s.board = sim.NewESP32(testBoardAddress)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s.central = sim.NewCentral(logger, s.board)
	s.central.AdvertiseInterval = 5 * time.Millisecond
	s.configPath = filepath.Join(s.T().TempDir(), "config.yaml")

	s.originalFactory = CentralFactory
	CentralFactory = func(context.Context, *config.Config, *logrus.Logger) (device.Central, func(), error) {
		return s.central, func() {}, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	CentralFactory = s.originalFactory
}

// ExecuteCommand runs a fresh command tree with args and stdin, returns
// stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(ctx context.Context, stdin io.Reader, args ...string) (string, string, error) {
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if stdin == nil {
		stdin = &bytes.Buffer{}
	}
	cmd.SetIn(stdin)
	cmd.SetArgs(append(args, "--config", s.configPath))
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// Execute is ExecuteCommand with a background context and no input
func (s *CommandTestSuite) Execute(args ...string) (string, error) {
	out, _, err := s.ExecuteCommand(context.Background(), nil, args...)
	return out, err
}
