package protocol

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindConnection    ErrorKind = "connection"
	KindProtocol      ErrorKind = "protocol"
	KindToolExecution ErrorKind = "tool_execution"
	KindTimeout       ErrorKind = "timeout"
	KindConfiguration ErrorKind = "configuration"
	KindCanceled      ErrorKind = "canceled"
	KindNotRunning    ErrorKind = "not_running"
)

// Error is the typed error returned across component boundaries.
type Error struct {
	Kind      ErrorKind
	Component string
	Op        string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so sentinel errors such as
// ErrNotRunning work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Component == "" && t.Op == ""
}

func NewError(kind ErrorKind, component, op, message string, err error) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Op:        op,
		Message:   message,
		Err:       err,
	}
}

// ErrNotRunning is matched (errors.Is) by every not-running error.
var ErrNotRunning = &Error{Kind: KindNotRunning, Message: "bridge is not running"}

// IsKind reports whether err carries a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not a *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// FromContext converts a context error into a timeout or canceled *Error.
// Other errors are wrapped with fallback.
func FromContext(ctx context.Context, component, op string, err error, fallback ErrorKind) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return NewError(KindTimeout, component, op, "request timed out", err)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return NewError(KindCanceled, component, op, "request canceled", err)
	default:
		return NewError(fallback, component, op, "request failed", err)
	}
}
