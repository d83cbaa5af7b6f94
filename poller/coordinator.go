// Package poller drives a session on a schedule and turns cycle outcomes
// into availability snapshots for the host.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/srg/bar228/internal/groutine"
	"github.com/srg/bar228/protocol"
	"github.com/srg/bar228/session"
)

const (
	DefaultFailureThreshold = 3
	publishTimeout          = 10 * time.Second
)

var ErrAlreadyRunning = errors.New("coordinator already running")

// Cycler is the part of a session the coordinator drives.
type Cycler interface {
	RunCycle(ctx context.Context) session.Outcome
	Identity() (protocol.DeviceIdentity, bool)
}

// Options configures a Coordinator.
type Options struct {
	// Schedule decides when the next cycle starts after a success. Nil
	// means every DefaultInterval.
	Schedule cron.Schedule
	// FailureThreshold consecutive failures mark the device unavailable.
	FailureThreshold int
	Sink             Sink
	Now              func() time.Time
}

// Coordinator runs one worker per device; cycles never overlap.
type Coordinator struct {
	session Cycler
	opts    Options
	logger  *logrus.Logger

	mu       sync.RWMutex
	snapshot AvailabilitySnapshot
	last     *protocol.Reading
	cancel   context.CancelFunc
	running  bool
	group    groutine.Group
	updates  []chan AvailabilitySnapshot
}

// New creates a coordinator for s.
func New(s Cycler, opts Options, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Schedule == nil {
		opts.Schedule = cron.Every(DefaultInterval)
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	id, _ := s.Identity()
	return &Coordinator{
		session: s,
		opts:    opts,
		logger:  logger,
		snapshot: AvailabilitySnapshot{
			Identity:  id,
			Available: true,
		},
	}
}

// Start launches the worker. The first cycle begins immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	id, _ := c.session.Identity()
	c.group.Go(workerCtx, "bar228-poller-"+id.Address, c.loop)

	c.logger.WithFields(logrus.Fields{
		"address":   id.Address,
		"threshold": c.opts.FailureThreshold,
	}).Info("Polling started")
	return nil
}

// Stop interrupts any in-progress wait and blocks until the worker has
// returned, which implies the session has released its connection.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.group.Wait()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.logger.Info("Polling stopped")
}

// Current returns the latest snapshot.
func (c *Coordinator) Current() AvailabilitySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Updates returns a channel receiving every snapshot after it is published.
// Slow readers miss updates rather than blocking the worker.
func (c *Coordinator) Updates() <-chan AvailabilitySnapshot {
	ch := make(chan AvailabilitySnapshot, 8)
	c.mu.Lock()
	c.updates = append(c.updates, ch)
	c.mu.Unlock()
	return ch
}

func (c *Coordinator) loop(ctx context.Context) {
	for ctx.Err() == nil {
		out := c.session.RunCycle(ctx)
		if out.Canceled() {
			return
		}

		snap := c.apply(out)
		c.publish(ctx, snap)

		if !out.OK() {
			// the session already waited out its backoff
			continue
		}
		if err := c.waitNext(ctx); err != nil {
			return
		}
	}
}

// apply folds one outcome into the snapshot.
func (c *Coordinator) apply(out session.Outcome) AvailabilitySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snapshot
	snap.UpdatedAt = c.opts.Now()
	if out.Identity.Address != "" {
		snap.Identity = out.Identity
	}
	if !out.Info.Empty() {
		snap.Info = out.Info
	}

	if out.OK() {
		reading := out.Reading
		snap.Duplicate = c.last != nil && c.last.Equal(reading)
		snap.LastReading = &reading
		snap.LastError = session.KindNone
		snap.Failures = 0
		snap.Available = true
		c.last = &reading
	} else {
		snap.Duplicate = false
		snap.LastError = out.Kind
		snap.Failures++
		if snap.Failures >= c.opts.FailureThreshold {
			if snap.Available {
				c.logger.WithFields(logrus.Fields{
					"address":  snap.Identity.Address,
					"failures": snap.Failures,
					"kind":     string(out.Kind),
				}).Warn("Device marked unavailable")
			}
			snap.Available = false
		}
	}

	c.snapshot = snap
	return snap
}

func (c *Coordinator) publish(ctx context.Context, snap AvailabilitySnapshot) {
	c.mu.RLock()
	updates := append([]chan AvailabilitySnapshot(nil), c.updates...)
	c.mu.RUnlock()
	for _, ch := range updates {
		select {
		case ch <- snap:
		default:
		}
	}

	if c.opts.Sink == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := c.opts.Sink.Publish(pubCtx, snap); err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": snap.Identity.Address,
			"error":   err,
		}).Warn("Failed to publish snapshot")
	}
}

func (c *Coordinator) waitNext(ctx context.Context) error {
	now := c.opts.Now()
	next := c.opts.Schedule.Next(now)
	wait := next.Sub(now)
	c.logger.WithFields(logrus.Fields{
		"next": next.Format(time.RFC3339),
		"wait": wait,
	}).Debug("Waiting for next poll")
	if wait <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
