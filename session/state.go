package session

import "time"

// Phase is a lifecycle phase of the session state machine.
type Phase int

const (
	Idle Phase = iota
	Scanning
	Connecting
	Connected
	Reading
	Disconnecting
	Backoff
)

var phaseNames = [...]string{
	Idle:          "idle",
	Scanning:      "scanning",
	Connecting:    "connecting",
	Connected:     "connected",
	Reading:       "reading",
	Disconnecting: "disconnecting",
	Backoff:       "backoff",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Active reports whether the phase holds or acquires a BLE resource.
func (p Phase) Active() bool {
	switch p {
	case Scanning, Connecting, Connected, Reading, Disconnecting:
		return true
	default:
		return false
	}
}

// State is a read-only snapshot of the session bookkeeping.
type State struct {
	Phase               Phase
	ConsecutiveFailures int
	LastSuccess         time.Time
	// Backoff is the wait the next failure would incur.
	Backoff time.Duration
}

// Transition is reported to observers on every phase change.
type Transition struct {
	From Phase
	To   Phase
}
