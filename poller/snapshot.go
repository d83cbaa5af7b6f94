package poller

import (
	"context"
	"time"

	"github.com/srg/bar228/protocol"
	"github.com/srg/bar228/session"
)

// AvailabilitySnapshot is the host-facing view of a device, recomputed on
// every completed cycle.
type AvailabilitySnapshot struct {
	Identity    protocol.DeviceIdentity `json:"identity"`
	Available   bool                    `json:"available"`
	LastReading *protocol.Reading       `json:"last_reading,omitempty"`
	LastError   session.ErrorKind       `json:"last_error,omitempty"`
	// Duplicate is set when LastReading is identical to the previous reading.
	Duplicate bool                `json:"duplicate"`
	Failures  int                 `json:"failures"`
	UpdatedAt time.Time           `json:"updated_at"`
	Info      protocol.DeviceInfo `json:"device_info"`
}

// Sink receives every snapshot the coordinator produces.
type Sink interface {
	Publish(ctx context.Context, snap AvailabilitySnapshot) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, snap AvailabilitySnapshot) error

func (f SinkFunc) Publish(ctx context.Context, snap AvailabilitySnapshot) error {
	return f(ctx, snap)
}
