// Package session runs one scan/connect/read/disconnect cycle at a time
// against a single BAR228 peripheral, with stale-connection recovery and
// exponential backoff between failed cycles.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bar228/internal/device"
	"github.com/srg/bar228/internal/groutine"
	"github.com/srg/bar228/protocol"
)

// Options configures a Session.
type Options struct {
	Address string

	ScanTimeout       time.Duration
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	StaleGrace        time.Duration // no traffic at all within this window means the link is stale
	PollInterval      time.Duration // read fallback cadence when notifications are unavailable
	DisconnectTimeout time.Duration

	BackoffBase time.Duration
	BackoffMax  time.Duration

	Decoder        protocol.Decoder
	ReadDeviceInfo bool

	// Now and Sleep default to the wall clock; tests replace them.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns defaults tuned for the device's 15 minute cadence.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:       30 * time.Second,
		ConnectTimeout:    20 * time.Second,
		ReadTimeout:       30 * time.Second,
		StaleGrace:        10 * time.Second,
		PollInterval:      2 * time.Second,
		DisconnectTimeout: 5 * time.Second,
		BackoffBase:       DefaultBackoffBase,
		BackoffMax:        DefaultBackoffMax,
		Decoder:           protocol.Decoder{Battery: protocol.DefaultVoltageRange},
		ReadDeviceInfo:    true,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = d.ScanTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.StaleGrace <= 0 {
		o.StaleGrace = d.StaleGrace
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = d.DisconnectTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
}

// Outcome is the single result of one cycle.
type Outcome struct {
	Identity protocol.DeviceIdentity
	Reading  protocol.Reading
	Info     protocol.DeviceInfo
	Err      error
	Kind     ErrorKind
	// Waited is the backoff applied after a failure.
	Waited time.Duration
}

// OK reports whether the cycle produced a reading.
func (o Outcome) OK() bool { return o.Err == nil }

// Canceled reports whether the cycle was interrupted by its caller.
func (o Outcome) Canceled() bool { return o.Kind == KindCanceled }

// Session owns the connection lifecycle for one device. RunCycle must not be
// called concurrently; State and Identity are safe from any goroutine.
type Session struct {
	platform device.Platform
	opts     Options
	logger   *logrus.Logger
	matcher  protocol.Matcher
	backoff  *BackoffSchedule

	mu         sync.RWMutex
	state      State
	identity   *protocol.DeviceIdentity
	info       protocol.DeviceInfo
	observers  []func(Transition)
	cycleGuard sync.Mutex
}

// New creates a session for opts.Address on platform.
func New(platform device.Platform, opts Options, logger *logrus.Logger) (*Session, error) {
	if platform == nil {
		return nil, fmt.Errorf("BLE platform is required")
	}
	if strings.TrimSpace(opts.Address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if logger == nil {
		logger = logrus.New()
	}
	opts.applyDefaults()

	b := NewBackoff(opts.BackoffBase, opts.BackoffMax)
	return &Session{
		platform: platform,
		opts:     opts,
		logger:   logger,
		matcher:  protocol.Matcher{Address: opts.Address},
		backoff:  b,
		state:    State{Phase: Idle, Backoff: b.Base()},
	}, nil
}

// OnTransition registers an observer called synchronously on every phase change.
func (s *Session) OnTransition(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// State returns a snapshot of the session bookkeeping.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns the identity captured on the first successful match.
func (s *Session) Identity() (protocol.DeviceIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return protocol.DeviceIdentity{Address: s.opts.Address}, false
	}
	return *s.identity, true
}

// Address returns the target address.
func (s *Session) Address() string { return s.opts.Address }

func (s *Session) transition(to Phase) {
	s.mu.Lock()
	from := s.state.Phase
	s.state.Phase = to
	observers := append(([]func(Transition))(nil), s.observers...)
	s.mu.Unlock()

	if from == to {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"address": s.opts.Address,
		"from":    from.String(),
		"to":      to.String(),
	}).Debug("Session phase changed")
	for _, fn := range observers {
		fn(Transition{From: from, To: to})
	}
}

// RunCycle performs one complete cycle and always ends in Idle. On failure
// it waits out the backoff interval before returning, unless ctx is done.
func (s *Session) RunCycle(ctx context.Context) Outcome {
	s.cycleGuard.Lock()
	defer s.cycleGuard.Unlock()

	out := s.cycle(ctx)
	if id, ok := s.Identity(); ok || out.Identity.Address == "" {
		out.Identity = id
	}

	if out.Err == nil {
		s.succeed(&out)
		s.transition(Idle)
		return out
	}

	out.Kind = KindOf(out.Err)
	if out.Kind == KindCanceled || ctx.Err() != nil {
		if out.Kind != KindCanceled {
			out.Err = newError(KindCanceled, s.State().Phase, errors.Join(ctx.Err(), out.Err))
			out.Kind = KindCanceled
		}
		s.logger.WithFields(logrus.Fields{
			"address": s.opts.Address,
			"error":   out.Err,
		}).Info("Session cycle cancelled")
		s.transition(Idle)
		return out
	}

	s.fail(ctx, &out)
	s.transition(Idle)
	return out
}

func (s *Session) succeed(out *Outcome) {
	s.backoff.Reset()
	s.mu.Lock()
	s.state.ConsecutiveFailures = 0
	s.state.LastSuccess = out.Reading.Timestamp
	s.state.Backoff = s.backoff.Peek()
	out.Info = s.info
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": s.opts.Address,
		"layout":  out.Reading.Layout,
	}).Info("Reading received")
}

func (s *Session) fail(ctx context.Context, out *Outcome) {
	wait := s.backoff.Next()
	s.mu.Lock()
	s.state.ConsecutiveFailures++
	s.state.Backoff = s.backoff.Peek()
	failures := s.state.ConsecutiveFailures
	out.Info = s.info
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address":  s.opts.Address,
		"kind":     string(out.Kind),
		"failures": failures,
		"backoff":  wait,
		"error":    out.Err,
	}).Warn("Session cycle failed, backing off")

	s.transition(Backoff)
	out.Waited = wait
	if err := s.opts.Sleep(ctx, wait); err != nil {
		s.logger.WithField("address", s.opts.Address).Debug("Backoff interrupted")
	}
}

func (s *Session) cycle(ctx context.Context) Outcome {
	s.transition(Scanning)
	id, payload, err := s.scan(ctx)
	if err != nil {
		return Outcome{Err: err}
	}

	if id.Variant == protocol.VariantAdvertisement && payload != nil {
		reading, err := s.opts.Decoder.Decode(payload, id)
		if err != nil {
			return Outcome{Identity: id, Err: newError(KindDecode, Scanning, err)}
		}
		reading.Timestamp = s.opts.Now()
		return Outcome{Identity: id, Reading: reading}
	}

	s.transition(Connecting)
	s.releaseOrphans(ctx, id.Address)

	s.logger.WithFields(logrus.Fields{
		"address": id.Address,
		"timeout": s.opts.ConnectTimeout,
	}).Info("Connecting to device...")
	conn, err := s.platform.Connect(ctx, id.Address, s.opts.ConnectTimeout)
	if err != nil {
		return Outcome{Identity: id, Err: classifyConnect(ctx, err)}
	}
	defer s.disconnect(conn)

	s.transition(Connected)
	s.readDeviceInfo(ctx, conn)

	s.transition(Reading)
	reading, err := s.read(ctx, conn, id)
	if err != nil {
		return Outcome{Identity: id, Err: err}
	}
	reading.Timestamp = s.opts.Now()
	return Outcome{Identity: id, Reading: reading}
}

type match struct {
	id      protocol.DeviceIdentity
	payload []byte
}

// scan listens until the first matched advertisement from the target.
func (s *Session) scan(ctx context.Context) (protocol.DeviceIdentity, []byte, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.opts.ScanTimeout)
	defer cancel()

	found := make(chan match, 1)
	handler := func(adv device.Advertisement) {
		id, ok := s.matcher.Match(adv)
		if !ok {
			return
		}
		var payload []byte
		if p, ok := protocol.AdvertisementPayload(adv); ok {
			payload = append([]byte(nil), p...)
		}
		select {
		case found <- match{id: id, payload: payload}:
			cancel()
		default:
		}
	}

	s.logger.WithFields(logrus.Fields{
		"address": s.opts.Address,
		"timeout": s.opts.ScanTimeout,
	}).Debug("Scanning for device...")
	filter := device.ScanFilter{Addresses: []string{s.opts.Address}}
	scanErr := s.platform.Scan(scanCtx, filter, handler)

	select {
	case m := <-found:
		return s.remember(m.id), m.payload, nil
	default:
	}

	if ctx.Err() != nil {
		return protocol.DeviceIdentity{}, nil, newError(KindCanceled, Scanning, ctx.Err())
	}
	if scanErr != nil && !errors.Is(scanErr, context.Canceled) && !errors.Is(scanErr, context.DeadlineExceeded) {
		return protocol.DeviceIdentity{}, nil, newError(KindScanTimeout, Scanning,
			fmt.Errorf("scan ended without a match: %w", device.NormalizeError(scanErr)))
	}
	return protocol.DeviceIdentity{}, nil, newError(KindScanTimeout, Scanning,
		fmt.Errorf("no advertisement from %s within %s", s.opts.Address, s.opts.ScanTimeout))
}

// remember keeps the first identity seen; later matches reuse it so the
// variant never changes for the process lifetime.
func (s *Session) remember(id protocol.DeviceIdentity) protocol.DeviceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		s.identity = &id
		s.logger.WithFields(logrus.Fields{
			"address": id.Address,
			"name":    id.Name,
			"variant": id.Variant.String(),
		}).Info("Device identified")
	}
	return *s.identity
}

// releaseOrphans drops platform connections to the target that this session
// does not own. Such half-open links block new connections and never deliver data.
func (s *Session) releaseOrphans(ctx context.Context, address string) {
	reporter, ok := s.platform.(device.ConnectionReporter)
	if !ok {
		return
	}
	for _, addr := range reporter.ConnectedAddresses() {
		if !strings.EqualFold(addr, address) {
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"address": addr,
			"kind":    string(KindStaleConnection),
		}).Warn("Releasing connection the session did not open")

		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DisconnectTimeout)
		if err := reporter.Release(relCtx, addr); err != nil {
			s.logger.WithFields(logrus.Fields{
				"address": addr,
				"error":   err,
			}).Warn("Failed to release stale connection")
		}
		cancel()
	}
}

// disconnect always runs once a connection was handed out, bounded by
// DisconnectTimeout so a wedged adapter cannot block the worker.
func (s *Session) disconnect(conn device.Connection) {
	s.transition(Disconnecting)

	done := make(chan error, 1)
	groutine.Go(context.Background(), "bar228-disconnect", func(context.Context) {
		done <- conn.Disconnect()
	})

	t := time.NewTimer(s.opts.DisconnectTimeout)
	defer t.Stop()
	select {
	case err := <-done:
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"address": conn.Address(),
				"error":   err,
			}).Warn("Device disconnected with errors")
			return
		}
		s.logger.WithField("address", conn.Address()).Debug("Device disconnected")
	case <-t.C:
		s.logger.WithField("address", conn.Address()).Warn("Disconnect timed out, connection left to the platform")
	}
}
