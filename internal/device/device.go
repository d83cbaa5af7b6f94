package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [charUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// NormalizeError maps known platform error strings and context errors to the
// sentinels above. Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "is Bluetooth turned on"):
		if errors.Is(err, ErrBluetoothOff) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	case containsIgnoreCase(msg, "timed out"), containsIgnoreCase(msg, "timeout"):
		if errors.Is(err, ErrTimeout) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Advertisement is a single received advertising report.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ServiceData
	Services() []string
	Connectable() bool
	RSSI() int
	Addr() string
}

// ServiceData is one service-data element of an advertisement.
type ServiceData struct {
	UUID string
	Data []byte
}

// ScanFilter narrows the advertisements delivered to a scan handler.
// Empty fields do not filter.
type ScanFilter struct {
	Addresses       []string
	AllowDuplicates bool
}

// Accepts reports whether an advertisement from addr passes the address filter.
func (f ScanFilter) Accepts(addr string) bool {
	if len(f.Addresses) == 0 {
		return true
	}
	for _, a := range f.Addresses {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	return false
}

// Platform is the BLE stack the driver runs on. Every call is fallible and
// bounded by the supplied context or timeout.
type Platform interface {
	// Scan delivers advertisements to handler until ctx is done. Returning
	// because ctx was cancelled or expired is not an error.
	Scan(ctx context.Context, filter ScanFilter, handler func(Advertisement)) error

	// Connect establishes a GATT connection to address within timeout.
	Connect(ctx context.Context, address string, timeout time.Duration) (Connection, error)
}

// ConnectionReporter is implemented by platforms that can report the GATT
// connections they currently hold, including ones no caller owns anymore.
type ConnectionReporter interface {
	ConnectedAddresses() []string
	Release(ctx context.Context, address string) error
}

// NotificationHandler receives characteristic value notifications.
type NotificationHandler func(uuid string, data []byte)

// Connection is a live GATT connection.
type Connection interface {
	Address() string
	Read(ctx context.Context, uuid string) ([]byte, error)
	Subscribe(ctx context.Context, uuid string, handler NotificationHandler) error
	// Disconnected is closed when the platform observes the link going down.
	Disconnected() <-chan struct{}
	Disconnect() error
}
