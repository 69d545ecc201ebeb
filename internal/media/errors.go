package media

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies pipeline failures.
type ErrorKind int

const (
	// KindConfiguration: device, track or output setup refused.
	KindConfiguration ErrorKind = iota + 1
	// KindWrite: a sample append was rejected; the writer stops.
	KindWrite
	// KindFinalize: the container could not be finalized.
	KindFinalize
	// KindTrim: export failed or was cancelled.
	KindTrim
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindWrite:
		return "write error"
	case KindFinalize:
		return "finalize error"
	case KindTrim:
		return "trim error"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

var (
	ErrNoSession         = errors.New("no write session was active")
	ErrAlreadyClosed     = errors.New("writer already closed")
	ErrDeviceUnavailable = errors.New("requested capture device is unavailable")
	ErrIncompatible      = errors.New("no pass-through export profile for asset")

	ErrNotPreviewing = errors.New("preview is not running")
	ErrNotCapturing  = errors.New("no capture in progress")
	ErrBusy          = errors.New("a recording is being finalized")
)

// Error is a classified pipeline error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets errors.Cause walk through classified errors.
func (e *Error) Cause() error { return e.Err }

func newError(kind ErrorKind, err error, op string) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func ConfigurationError(err error, op string) error { return newError(KindConfiguration, err, op) }
func WriteError(err error, op string) error         { return newError(KindWrite, err, op) }
func FinalizeError(err error, op string) error      { return newError(KindFinalize, err, op) }
func TrimError(err error, op string) error          { return newError(KindTrim, err, op) }

// KindOf returns the kind of the first classified error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
