package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies relay failures
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindProtocol
	KindValidation
	KindChannelUnavailable
	KindTimeout
	KindSuperseded
	KindShutdown
)

// String returns a human-readable representation of the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol_error"
	case KindValidation:
		return "validation_error"
	case KindChannelUnavailable:
		return "channel_unavailable"
	case KindTimeout:
		return "timeout"
	case KindSuperseded:
		return "superseded"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error is a classified relay failure. Action is the extension action the
// error relates to, when there is one.
type Error struct {
	Kind      ErrorKind
	Message   string
	Action    string
	Cause     error
	Timestamp time.Time
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is. They carry no message and match any error of
// their kind.
var (
	ErrProtocol           = &Error{Kind: KindProtocol}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrChannelUnavailable = &Error{Kind: KindChannelUnavailable}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrSuperseded         = &Error{Kind: KindSuperseded}
	ErrShutdown           = &Error{Kind: KindShutdown}
)

func newError(kind ErrorKind, action, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Action:    action,
		Timestamp: time.Now(),
	}
}

// NewProtocolError reports a malformed or unroutable request
func NewProtocolError(format string, args ...interface{}) *Error {
	return newError(KindProtocol, "", format, args...)
}

// NewValidationError reports arguments that failed their schema
func NewValidationError(cause error, format string, args ...interface{}) *Error {
	e := newError(KindValidation, "", format, args...)
	e.Cause = cause
	return e
}

// NotConnectedError is returned by Invoke when no extension is attached.
func NotConnectedError(action string) *Error {
	return newError(KindChannelUnavailable, action, "browser extension is not connected")
}

// ConnectionLostError rejects calls whose peer went away mid-flight.
func ConnectionLostError() *Error {
	return newError(KindChannelUnavailable, "", "extension disconnected before response received")
}

// TimeoutError rejects a call that saw no reply within the ceiling.
func TimeoutError(action string, after time.Duration) *Error {
	return newError(KindTimeout, action, "extension response timeout for action: %s (after %s)", action, after)
}

// SupersededError rejects calls made against a peer replaced by a newer one.
func SupersededError() *Error {
	return newError(KindSuperseded, "", "extension connection superseded by a new peer")
}

// ShutdownError rejects calls still in flight when the relay closes.
func ShutdownError() *Error {
	return newError(KindShutdown, "", "server shutting down")
}

// ActionError is a failure reported by the extension itself for one action.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	return e.Message
}

// KindOf returns the kind of the first *Error in err's chain. Context errors
// are classified so callers waiting on a cancelled request see a sensible kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindShutdown
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
