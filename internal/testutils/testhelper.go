package testutils

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// NewCapturingLogger returns a logger writing plain text into the returned buffer.
func NewCapturingLogger() (*logrus.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return logger, buf
}

// PlatformSuite provides a reusable suite with a scripted fake BLE platform.
//
// Usage:
//
//	type SessionSuite struct {
//	    testutils.PlatformSuite
//	}
//
//	func (s *SessionSuite) SetupTest() {
//	    s.PlatformSuite.SetupTest()
//	    s.Platform.Advertisements = []device.Advertisement{testutils.NewGATTAdvertisement(testutils.TestAddress)}
//	}
type PlatformSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	Platform    *FakePlatform
	TestTimeout time.Duration
}

// SetupTest creates a fresh platform for every test.
func (s *PlatformSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Platform = NewFakePlatform()
	if s.TestTimeout == 0 {
		s.TestTimeout = 5 * time.Second
	}
}

// RequireNoLeaks asserts every connection handed out was disconnected.
func (s *PlatformSuite) RequireNoLeaks() {
	s.Require().Equal(0, s.Platform.OpenConnections(), "MUST NOT leave open connections")
	for i, c := range s.Platform.Connections() {
		s.Require().GreaterOrEqual(c.DisconnectCount(), 1, "connection %d MUST be disconnected", i)
	}
}
