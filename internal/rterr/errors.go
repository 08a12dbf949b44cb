// Package rterr defines the runtime's error taxonomy: typed, wrapped errors
// instead of bare strings, in the style of the embedded-interpreter teacher's
// LuaError (Error()/Unwrap()/Is()).
package rterr

import "fmt"

// Kind classifies a runtime error per the error handling design: recoverable
// conditions the caller can branch on, versus Internal which is fatal.
type Kind string

const (
	// InvalidArgument: unsupported value type for push, bad timeout, closed channel.
	InvalidArgument Kind = "invalid_argument"
	// Resource: allocation failure, out of file descriptors.
	Resource Kind = "resource"
	// Capacity: queue full; returned as again/timeout to a deadline-bound caller.
	Capacity Kind = "capacity"
	// Empty: queue empty; same treatment as Capacity.
	Empty Kind = "empty"
	// ThreadStartBusy: OS refused to start the worker thread right now ("again").
	ThreadStartBusy Kind = "thread_start_busy"
	// ThreadFailure: the user script raised; message captured on the Thread.
	ThreadFailure Kind = "thread_failure"
	// ThreadCancelled: terminal state for a hard-cancelled thread.
	ThreadCancelled Kind = "thread_cancelled"
	// Internal: invariant violation. Unrecoverable; callers should treat as fatal.
	Internal Kind = "internal"
)

// Error is the runtime's typed error. Recoverable kinds are meant to be
// branched on via Is/errors.Is against the sentinel Kind values below;
// Internal errors should propagate to a panic at the boundary that detects them.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, rterr.New(SomeKind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a typed error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a typed error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if asErr, ok := err.(*Error); ok {
			e = asErr
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
