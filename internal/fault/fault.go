// Package fault defines the error taxonomy shared by the transport and both sessions.
package fault

import (
	"errors"
	"fmt"
)

// Kinds. Every *Error carries exactly one of these.
var (
	// ErrConnection covers socket, handshake and unexpected-close failures.
	ErrConnection = errors.New("connection error")

	// ErrTimeout is returned when a read, command or stream deadline passes.
	ErrTimeout = errors.New("timeout")

	// ErrProtocol is returned for malformed frames or error-carrying responses.
	ErrProtocol = errors.New("protocol error")

	// ErrBrowser is returned for missing targets or missing screenshot data.
	ErrBrowser = errors.New("browser error")

	// ErrGateway is returned when the gateway reports a terminal error.
	ErrGateway = errors.New("gateway error")
)

// Error wraps a failure with the operation that produced it.
type Error struct {
	Op     string // e.g. "ws.Dial", "cdp.Page.navigate", "gateway.agent"
	Kind   error  // one of the kind sentinels above
	Detail string
	Err    error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New creates an Error of the given kind wrapping err.
func New(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Newf creates an Error of the given kind with a formatted detail and no cause.
func Newf(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool { return errors.Is(err, ErrConnection) }

// KindOf returns the taxonomy kind of err, or nil when err is not classified.
func KindOf(err error) error {
	for _, kind := range []error{ErrConnection, ErrTimeout, ErrProtocol, ErrBrowser, ErrGateway} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
