package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bar228/internal/device"
	"github.com/srg/bar228/protocol"
)

// ErrorKind classifies why a cycle failed. Every kind is transient.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindScanTimeout     ErrorKind = "scan_timeout"
	KindConnectTimeout  ErrorKind = "connect_timeout"
	KindConnectFailed   ErrorKind = "connect_failed"
	KindReadTimeout     ErrorKind = "read_timeout"
	KindDecode          ErrorKind = "decode_error"
	KindStaleConnection ErrorKind = "stale_connection"
	KindDisconnected    ErrorKind = "disconnected"
	// KindCanceled marks a cycle interrupted by its caller; it is not a device failure.
	KindCanceled ErrorKind = "canceled"
)

// Error is a failed cycle.
type Error struct {
	Kind  ErrorKind
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s during %s", e.Kind, e.Phase)
	}
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is checks
var (
	ErrScanTimeout     = &Error{Kind: KindScanTimeout}
	ErrConnectTimeout  = &Error{Kind: KindConnectTimeout}
	ErrConnectFailed   = &Error{Kind: KindConnectFailed}
	ErrReadTimeout     = &Error{Kind: KindReadTimeout}
	ErrDecode          = &Error{Kind: KindDecode}
	ErrStaleConnection = &Error{Kind: KindStaleConnection}
	ErrDisconnected    = &Error{Kind: KindDisconnected}
	ErrCanceled        = &Error{Kind: KindCanceled}
)

// KindOf returns the kind of a cycle error, or KindNone for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	if protocol.IsDecodeError(err) {
		return KindDecode
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindConnectFailed
}

func newError(kind ErrorKind, phase Phase, err error) *Error {
	return &Error{Kind: kind, Phase: phase, Err: err}
}

// classifyConnect maps a platform Connect failure onto the taxonomy.
func classifyConnect(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return newError(KindCanceled, Connecting, ctx.Err())
	}
	err = device.NormalizeError(err)
	if errors.Is(err, device.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return newError(KindConnectTimeout, Connecting, err)
	}
	return newError(KindConnectFailed, Connecting, err)
}
