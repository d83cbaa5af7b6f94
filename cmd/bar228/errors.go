package main

import (
	"errors"
	"fmt"

	"github.com/srg/bar228/internal/device"
	"github.com/srg/bar228/protocol"
	"github.com/srg/bar228/session"
)

// Command-level errors
var (
	// ErrNoReading is returned when a cycle finished without a reading and
	// without a classified failure.
	ErrNoReading = errors.New("no reading received")
)

// FormatUserError turns driver errors into a one-line hint for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or the adapter is unavailable. Enable Bluetooth and try again."
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("operation not supported on this system: %v", err)
	}

	var decErr *protocol.DecodeError
	if errors.As(err, &decErr) {
		return fmt.Sprintf("cannot decode payload: %v", decErr)
	}

	var serr *session.Error
	if !errors.As(err, &serr) {
		return err.Error()
	}
	switch serr.Kind {
	case session.KindScanTimeout:
		return fmt.Sprintf("device not found: %v. Make sure it is powered on and in range.", serr.Err)
	case session.KindConnectTimeout:
		return "timed out connecting to the device. It may be connected to another host."
	case session.KindConnectFailed:
		return fmt.Sprintf("failed to connect to the device: %v", serr.Err)
	case session.KindReadTimeout:
		return "the device connected but sent no measurement in time."
	case session.KindStaleConnection:
		return "the connection went silent and was dropped. Try again."
	case session.KindDisconnected:
		return "the device disconnected before sending a measurement."
	case session.KindDecode:
		return fmt.Sprintf("the device sent a payload that could not be decoded: %v", serr.Err)
	default:
		return err.Error()
	}
}
