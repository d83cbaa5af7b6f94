package main

import (
	"bytes"
	"context"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/bar228/internal/device"
	"github.com/srg/bar228/internal/testutils"
	"github.com/srg/bar228/session"
)

// CommandTestSuite runs commands against the scripted platform.
// All cmd/bar228 test suites should embed this instead of PlatformSuite.
type CommandTestSuite struct {
	testutils.PlatformSuite

	originalFactory func(*logrus.Logger) (device.Platform, error)
	originalNoColor bool
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalFactory = platformFactory
	s.originalNoColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	platformFactory = s.originalFactory
	color.NoColor = s.originalNoColor
}

// SetupTest resets every package-level flag so commands start from defaults.
func (s *CommandTestSuite) SetupTest() {
	s.PlatformSuite.SetupTest()
	platformFactory = func(*logrus.Logger) (device.Platform, error) {
		return s.Platform, nil
	}

	d := session.DefaultOptions()
	readFormat = "table"
	readScanTimeout = d.ScanTimeout
	readConnectTimeout = d.ConnectTimeout
	readTimeout = d.ReadTimeout
	readNoDeviceInfo = false
	readUnits = unitFlags{radonUnit: "bq/m3"}

	decodeVariant = "gatt"
	decodeFormat = "table"
	decodeUnits = unitFlags{radonUnit: "bq/m3"}

	discoverDuration = 0
	discoverFormat = "table"
	discoverAllowList = nil
	discoverBlockList = nil
	discoverUnits = unitFlags{radonUnit: "bq/m3"}

	runConfigPath = ""
	runAddress = ""
	runPollInterval = ""
	runMQTTBroker = ""

	for _, name := range []string{"log-level", "verbose"} {
		f := rootCmd.PersistentFlags().Lookup(name)
		s.Require().NoError(f.Value.Set(f.DefValue))
		f.Changed = false
	}
}

// ExecuteCommand runs the root command with args, returns stdout and the error.
// Logs go to a separate buffer.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	out, _, err := s.ExecuteCommandContext(context.Background(), args...)
	return out, err
}

// ExecuteCommandContext runs the root command under ctx and returns stdout and stderr.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, string, error) {
	out := new(bytes.Buffer)
	errOut := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}
