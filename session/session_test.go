package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/bar228/internal/device"
	"github.com/srg/bar228/internal/testutils"
	"github.com/srg/bar228/protocol"
	"github.com/srg/bar228/session"
	"github.com/stretchr/testify/suite"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

type SessionTestSuite struct {
	testutils.PlatformSuite

	sleeper     *sleepRecorder
	opts        session.Options
	mu          sync.Mutex
	transitions []session.Transition
	now         time.Time
}

func (suite *SessionTestSuite) SetupTest() {
	suite.PlatformSuite.SetupTest()

	suite.sleeper = &sleepRecorder{}
	suite.transitions = nil
	suite.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	suite.opts = session.DefaultOptions()
	suite.opts.Address = testutils.TestAddress
	suite.opts.ScanTimeout = 50 * time.Millisecond
	suite.opts.ConnectTimeout = 30 * time.Millisecond
	suite.opts.ReadTimeout = 500 * time.Millisecond
	suite.opts.StaleGrace = 100 * time.Millisecond
	suite.opts.PollInterval = 10 * time.Millisecond
	suite.opts.DisconnectTimeout = 100 * time.Millisecond
	suite.opts.BackoffBase = 30 * time.Second
	suite.opts.BackoffMax = 15 * time.Minute
	suite.opts.Sleep = suite.sleeper.Sleep
	suite.opts.Now = func() time.Time { return suite.now }
}

func (suite *SessionTestSuite) newSession() *session.Session {
	s, err := session.New(suite.Platform, suite.opts, suite.Logger)
	suite.Require().NoError(err)
	s.OnTransition(func(tr session.Transition) {
		suite.mu.Lock()
		suite.transitions = append(suite.transitions, tr)
		suite.mu.Unlock()
	})
	return s
}

func (suite *SessionTestSuite) phases() []session.Phase {
	suite.mu.Lock()
	defer suite.mu.Unlock()
	out := []session.Phase{session.Idle}
	for _, tr := range suite.transitions {
		out = append(out, tr.To)
	}
	return out
}

// requireDisconnectBeforeIdle checks that every Connected is followed by
// Disconnecting before the next Idle.
func (suite *SessionTestSuite) requireDisconnectBeforeIdle() {
	connected := false
	for _, p := range suite.phases() {
		switch p {
		case session.Connected:
			connected = true
		case session.Disconnecting:
			connected = false
		case session.Idle:
			suite.Require().False(connected, "MUST pass Disconnecting before Idle once Connected: %v", suite.phases())
		}
	}
}

func (suite *SessionTestSuite) gattConnection() *testutils.FakeConnection {
	return testutils.NewFakeConnection().
		WithValue(protocol.CharHardwareRevision, []byte("1.2\x00")).
		WithValue(protocol.CharFirmwareRevision, []byte("3.4.5"))
}

func (suite *SessionTestSuite) TestNew_Validation() {
	_, err := session.New(nil, suite.opts, suite.Logger)
	suite.Error(err, "MUST reject nil platform")

	opts := suite.opts
	opts.Address = " "
	_, err = session.New(suite.Platform, opts, suite.Logger)
	suite.Error(err, "MUST reject empty address")

	s, err := session.New(suite.Platform, suite.opts, nil)
	suite.NoError(err, "nil logger MUST fall back to a default")
	suite.Equal(session.Idle, s.State().Phase)
	suite.Equal(30*time.Second, s.State().Backoff)
}

func (suite *SessionTestSuite) TestAdvertisementReading() {
	// GOAL: Advertisement variants decode straight from the scan without connecting
	//
	// TEST SCENARIO: Advertise v1 payload → scan matches → reading synthesized → no Connect call

	suite.Platform.Advertisements = []device.Advertisement{
		testutils.NewGATTAdvertisement(testutils.TestOtherAddress),
		testutils.NewPayloadAdvertisement(testutils.TestAddress, 0x01, 0x64, 0x00, 0xFF, 0xFF),
	}
	s := suite.newSession()

	out := s.RunCycle(context.Background())

	suite.Require().True(out.OK(), "MUST succeed: %v", out.Err)
	suite.Equal(10.0, *out.Reading.Temperature)
	suite.Nil(out.Reading.RadonShort)
	suite.Equal(suite.now, out.Reading.Timestamp, "session MUST stamp the reading")
	suite.Equal(protocol.VariantAdvertisement, out.Identity.Variant)
	suite.Equal(0, suite.Platform.ConnectCount(), "MUST NOT connect for advertisement payloads")
	suite.Equal([]session.Phase{session.Idle, session.Scanning, session.Idle}, suite.phases())
	suite.Equal(suite.now, s.State().LastSuccess)
}

func (suite *SessionTestSuite) TestGATTNotificationReading() {
	// GOAL: GATT devices are read through notifications and always disconnected
	//
	// TEST SCENARIO: Connect → subscribe → frame on measurement characteristic → decode → disconnect → Idle

	suite.Platform.Advertisements = []device.Advertisement{testutils.NewGATTAdvertisement(testutils.TestAddress)}
	conn := suite.gattConnection().
		WithNotification(protocol.CharMeasurement, testutils.GATTFrame(215, 48, 10132), 5*time.Millisecond)
	suite.Platform.ScriptConnect(testutils.ConnectResult{Conn: conn})
	s := suite.newSession()

	out := s.RunCycle(context.Background())

	suite.Require().True(out.OK(), "MUST succeed: %v", out.Err)
	suite.Equal(21.5, *out.Reading.Temperature)
	suite.Equal(48.0, *out.Reading.Humidity)
	suite.Equal(101320.0, *out.Reading.Pressure)
	suite.Equal(protocol.DeviceInfo{HardwareRevision: "1.2", FirmwareRevision: "3.4.5"}, out.Info)
	suite.ElementsMatch(protocol.NotifyCharacteristics, conn.Subscribed(), "MUST subscribe every notify characteristic")
	suite.Equal([]session.Phase{
		session.Idle, session.Scanning, session.Connecting, session.Connected,
		session.Reading, session.Disconnecting, session.Idle,
	}, suite.phases())
	suite.RequireNoLeaks()
}

func (suite *SessionTestSuite) TestPollFallback() {
	// GOAL: When notifications cannot be enabled the measurement characteristic is polled
	//
	// TEST SCENARIO: Subscribe fails → Read(measurement) returns frame → reading decoded

	suite.Platform.Advertisements = []device.Advertisement{testutils.NewGATTAdvertisement(testutils.TestAddress)}
	conn := testutils.NewFakeConnection().
		WithSubscribeError(errors.New("notify not permitted")).
		WithValue(protocol.CharMeasurement, testutils.GATTFrame(-35, 90, 9990))
	suite.Platform.ScriptConnect(testutils.ConnectResult{Conn: conn})
	s := suite.newSession()

	out := s.RunCycle(context.Background())

	suite.Require().True(out.OK(), "MUST succeed: %v", out.Err)
	suite.Equal(-3.5, *out.Reading.Temperature)
	suite.Contains(conn.Reads(), protocol.CharMeasurement)
	suite.RequireNoLeaks()
}

func (suite *SessionTestSuite) TestStaleConnection() {
	// GOAL: A connection that never delivers data is torn down after the grace window
	//
	// TEST SCENARIO: Connect → silence → StaleConnection → Disconnecting → Backoff → Idle

	suite.Platform.Advertisements = []device.Advertisement{testutils.NewGATTAdvertisement(testutils.TestAddress)}
	s := suite.newSession()

	out := s.RunCycle(context.Background())

	suite.Require().False(out.OK())
	suite.Equal(session.KindStaleConnection, out.Kind)
	suite.ErrorIs(out.Err, session.ErrStaleConnection)
	suite.Equal(30*time.Second, out.Waited)
	suite.Equal([]session.Phase{
		session.Idle, session.Scanning, session.Connecting, session.Connected,
		session.Reading, session.Disconnecting, session.Backoff, session.Idle,
	}, suite.phases())
	suite.Equal(1, s.State().ConsecutiveFailures)
	suite.RequireNoLeaks()
}

func (suite *SessionTestSuite) TestNonMeasurementTrafficIsNotStale() {
	// GOAL: Traffic on control characteristics proves the link is alive, so the cycle ends in ReadTimeout
	//
	// TEST SCENARIO: Notification on control characteristic → no measurement → ReadTimeout (not stale)

	suite.opts.StaleGrace = 50 * time.Millisecond
	suite.opts.ReadTimeout = 150 * time.Millisecond
	suite.Platform.Advertisements = []device.Advertisement{testutils.NewGATTAdvertisement(testutils.TestAddress)}
	conn := testutils.NewFakeConnection().
		WithNotification(protocol.CharControl1, []byte{0x01}, 5*time.Millisecond)
	suite.Platform.ScriptConnect(testutils.ConnectResult{Conn: conn})
	s := suite.newSession()

	out := s.RunCycle(context.Background())

	suite.Equal(session.KindReadTimeout, out.Kind)
	suite.requireDisconnectBeforeIdle()
	suite.RequireNoLeaks()
}

func (suite *SessionTestSuite) TestDisconnectedDuringRead() {
	suite.Platform.Advertisements = []device.Advertisement{testutils.NewGATTAdvertisement(testutils.TestAddress)}
	conn := testutils.NewFakeConnection().WithDrop(10 * time.Millisecond)
	suite.Platform.ScriptConnect(testutils.ConnectResult{Conn: conn})
	s := suite.newSession()

	out := s.RunCycle(context.Background())

	suite.Equal(session.KindDisconnected, out.Kind)
	suite.ErrorIs(out.Err, device.ErrNotConnected)
	suite.GreaterOrEqual(conn.DisconnectCount(), 1, "MUST still release the connection")
	suite.requireDisconnectBeforeIdle()
}

func (suite *SessionTestSuite) TestDecodeFailureReleasesConnection() {
	// GOAL: A malformed frame is a transient failure and the connection is still released
	//
	// TEST SCENARIO: Short frame on measurement characteristic → DecodeError(TooShort) → Disconnecting → Backoff

	suite.Platform.Advertisements = []device.Advertisement{testutils.NewGATTAdvertisement(testutils.TestAddress)}
	conn := testutils.NewFakeConnection().
		WithNotification(protocol.CharMeasurement, []byte{0x30, 0x00, 0x00}, time.Millisecond)
	suite.Platform.ScriptConnect(testutils.ConnectResult{Conn: conn})
	s := suite.newSession()

	out := s.RunCycle(context.Background())

	suite.Equal(session.KindDecode, out.Kind)
	suite.ErrorIs(out.Err, protocol.ErrTooShort)
	suite.Equal(30*time.Second, out.Waited, "decode errors MUST back off like connection errors")
	suite.requireDisconnectBeforeIdle()
	suite.RequireNoLeaks()
}

func (suite *SessionTestSuite) TestAdvertisementDecodeFailure() {
	suite.Platform.Advertisements = []device.Advertisement{
		testutils.NewPayloadAdvertisement(testutils.TestAddress, 0x02, 0x29, 0x09, 0x5B, 0x94),
	}
	s := suite.newSession()

	out := s.RunCycle(context.Background())

	suite.Equal(session.KindDecode, out.Kind)
	suite.ErrorIs(out.Err, protocol.ErrTooShort)
	suite.Equal(0, suite.Platform.ConnectCount())
}

func (suite *SessionTestSuite) TestScanTimeout() {
	suite.Platform.Advertisements = []device.Advertisement{testutils.NewGATTAdvertisement(testutils.TestOtherAddress)}
	s := suite.newSession()

	out := s.RunCycle(context.Background())

	suite.Equal(session.KindScanTimeout, out.Kind)
	suite.Equal(0, suite.Platform.ConnectCount(), "MUST NOT connect to unmatched peripherals")
	suite.Equal([]session.Phase{session.Idle, session.Scanning, session.Backoff, session.Idle}, suite.phases())
}

func (suite *SessionTestSuite) TestScanPlatformError() {
	suite.Platform.ScanErr = errors.New("bluetooth is turned off")
	s := suite.newSession()

	out := s.RunCycle(context.Background())

	suite.Equal(session.KindScanTimeout, out.Kind)
	suite.ErrorIs(out.Err, device.ErrBluetoothOff)
}

func (suite *SessionTestSuite) TestConnectFailed() {
	suite.Platform.Advertisements = []device.Advertisement{testutils.NewGATTAdvertisement(testutils.TestAddress)}
	suite.Platform.ScriptConnect(testutils.ConnectResult{Err: errors.New("le-connection-abort-by-local")})
	s := suite.newSession()

	out := s.RunCycle(context.Background())

	suite.Equal(session.KindConnectFailed, out.Kind)
	suite.ErrorIs(out.Err, session.ErrConnectFailed)
}

func (suite *SessionTestSuite) TestConnectTimeoutBackoffSequence() {
	// GOAL: Consecutive connect timeouts back off base, 2×base, 4×base and reset after a success
	//
	// TEST SCENARIO: 3× ConnectTimeout → waits 30s/60s/120s → success → counter and backoff reset

	suite.Platform.Advertisements = []device.Advertisement{testutils.NewGATTAdvertisement(testutils.TestAddress)}
	suite.Platform.ScriptConnect(
		testutils.ConnectResult{Hang: true},
		testutils.ConnectResult{Hang: true},
		testutils.ConnectResult{Hang: true},
		testutils.ConnectResult{Conn: testutils.NewFakeConnection().
			WithNotification(protocol.CharMeasurement, testutils.GATTFrame(200, 50, 10100), time.Millisecond)},
	)
	s := suite.newSession()

	for i := 0; i < 3; i++ {
		out := s.RunCycle(context.Background())
		suite.Require().Equal(session.KindConnectTimeout, out.Kind, "cycle %d", i)
		suite.Equal(i+1, s.State().ConsecutiveFailures)
	}
	suite.Equal([]time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}, suite.sleeper.Waits())
	suite.Equal(240*time.Second, s.State().Backoff)

	out := s.RunCycle(context.Background())
	suite.Require().True(out.OK(), "MUST recover: %v", out.Err)
	suite.Equal(0, s.State().ConsecutiveFailures, "success MUST reset the failure counter")
	suite.Equal(30*time.Second, s.State().Backoff, "success MUST reset backoff to base")
	suite.Equal(session.Idle, s.State().Phase)
	suite.RequireNoLeaks()
}

func (suite *SessionTestSuite) TestOrphanConnectionReleased() {
	// GOAL: A platform connection the session did not open is released before dialing
	//
	// TEST SCENARIO: Platform reports orphan for target → Release → Connect → reading

	suite.Platform.Advertisements = []device.Advertisement{testutils.NewGATTAdvertisement(testutils.TestAddress)}
	suite.Platform.AddOrphan(testutils.TestAddress)
	suite.Platform.AddOrphan(testutils.TestOtherAddress)
	suite.Platform.ScriptConnect(testutils.ConnectResult{Conn: testutils.NewFakeConnection().
		WithNotification(protocol.CharHistory, testutils.GATTFrame(200, 50, 10100), time.Millisecond)})
	s := suite.newSession()

	out := s.RunCycle(context.Background())

	suite.Require().True(out.OK(), "MUST succeed: %v", out.Err)
	suite.Equal([]string{"C4:7C:8D:6A:12:34"}, suite.Platform.Released(), "MUST release only the target's orphan")
	suite.Equal(1, suite.Platform.ConnectCount())
}

func (suite *SessionTestSuite) TestCancelDuringRead() {
	// GOAL: Cancelling mid-read still forces Disconnecting and is not counted as a device failure
	//
	// TEST SCENARIO: Silent connection → cancel ctx → Canceled outcome → connection released → no backoff

	suite.opts.StaleGrace = 10 * time.Second
	suite.opts.ReadTimeout = 10 * time.Second
	suite.Platform.Advertisements = []device.Advertisement{testutils.NewGATTAdvertisement(testutils.TestAddress)}
	s := suite.newSession()

	ctx, cancel := context.WithCancel(context.Background())
	s.OnTransition(func(tr session.Transition) {
		if tr.To == session.Reading {
			go func() {
				time.Sleep(10 * time.Millisecond)
				cancel()
			}()
		}
	})

	done := make(chan session.Outcome, 1)
	go func() { done <- s.RunCycle(ctx) }()

	select {
	case out := <-done:
		suite.True(out.Canceled())
		suite.ErrorIs(out.Err, context.Canceled)
	case <-time.After(suite.TestTimeout):
		suite.FailNow("RunCycle MUST return promptly after cancellation")
	}

	suite.Empty(suite.sleeper.Waits(), "cancellation MUST NOT back off")
	suite.Equal(0, s.State().ConsecutiveFailures)
	suite.Equal(session.Idle, s.State().Phase)
	suite.requireDisconnectBeforeIdle()
	suite.RequireNoLeaks()
}

func (suite *SessionTestSuite) TestIdentityIsStable() {
	suite.Platform.Advertisements = []device.Advertisement{
		testutils.NewPayloadAdvertisement(testutils.TestAddress, 0x01, 0x64, 0x00, 0x10, 0x00),
	}
	s := suite.newSession()

	_, known := s.Identity()
	suite.False(known)

	suite.Require().True(s.RunCycle(context.Background()).OK())
	first, known := s.Identity()
	suite.True(known)

	// same address now advertises without payload
	suite.Platform.Advertisements = []device.Advertisement{
		testutils.NewAdvertisementBuilder().WithAddress(testutils.TestAddress).WithName("IDTBA228-renamed").Build(),
	}
	suite.Platform.ScriptConnect(testutils.ConnectResult{Conn: testutils.NewFakeConnection().
		WithNotification(protocol.CharMeasurement, []byte{0x01, 0x64, 0x00, 0x10, 0x00}, time.Millisecond)})

	out := s.RunCycle(context.Background())
	suite.Equal(first, out.Identity, "identity MUST NOT change once captured")
	suite.Equal("IDTBA228-1234", out.Identity.Name)
	suite.True(out.OK(), "frames MUST decode with the captured variant's layouts: %v", out.Err)
}

func (suite *SessionTestSuite) TestKindOf() {
	suite.Equal(session.KindNone, session.KindOf(nil))
	suite.Equal(session.KindDecode, session.KindOf(protocol.ErrUnrecognizedVariant))
	suite.Equal(session.KindCanceled, session.KindOf(context.Canceled))
	suite.Equal(session.KindConnectFailed, session.KindOf(errors.New("boom")))
	suite.Equal(session.KindReadTimeout, session.KindOf(&session.Error{Kind: session.KindReadTimeout}))
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
