// Package scanerr defines the error taxonomy shared by every core component.
//
// Operations never panic across their public API; they return an error that
// wraps one of the sentinels below with errors.Is-compatible %w, so callers
// can branch on Kind without string matching.
package scanerr

import "errors"

// ErrorKind classifies a failure by what the caller can do about it.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNotConnected
	KindIoError
	KindTimeout
	KindOutOfRange
	KindProbeUnavailable
	KindNotReady
	KindInvalidArgument
	KindAlreadyActive
	KindShuttingDown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotConnected:
		return "not_connected"
	case KindIoError:
		return "io_error"
	case KindTimeout:
		return "timeout"
	case KindOutOfRange:
		return "out_of_range"
	case KindProbeUnavailable:
		return "probe_unavailable"
	case KindNotReady:
		return "not_ready"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindAlreadyActive:
		return "already_active"
	case KindShuttingDown:
		return "shutting_down"
	default:
		return "none"
	}
}

var (
	ErrNotConnected     = errors.New("serial port not connected")
	ErrIoError          = errors.New("serial i/o error")
	ErrTimeout          = errors.New("operation timed out")
	ErrOutOfRange       = errors.New("target out of range")
	ErrProbeUnavailable = errors.New("ultrasound probe unavailable")
	ErrNotReady         = errors.New("probe not ready")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrAlreadyActive    = errors.New("operation already active")
	ErrShuttingDown     = errors.New("shutting down")
)

var sentinels = map[ErrorKind]error{
	KindNotConnected:     ErrNotConnected,
	KindIoError:          ErrIoError,
	KindTimeout:          ErrTimeout,
	KindOutOfRange:       ErrOutOfRange,
	KindProbeUnavailable: ErrProbeUnavailable,
	KindNotReady:         ErrNotReady,
	KindInvalidArgument:  ErrInvalidArgument,
	KindAlreadyActive:    ErrAlreadyActive,
	KindShuttingDown:     ErrShuttingDown,
}

// Kind inspects err and reports the first matching ErrorKind, or KindNone if
// err is nil or doesn't wrap one of the known sentinels.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for k, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return KindNone
}
