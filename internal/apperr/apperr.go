// Package apperr defines the closed set of failure kinds surfaced by the
// livestream core and an operation-scoped error carrying one of them.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers that need to branch on it.
type Kind int

const (
	Unknown Kind = iota
	Validation
	Transient
	NotFound
	Unauthorized
	Forbidden
	ServerError
	UserCancelled
	DeviceUnavailable
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Transient:
		return "transient"
	case NotFound:
		return "not_found"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case ServerError:
		return "server_error"
	case UserCancelled:
		return "user_cancelled"
	case DeviceUnavailable:
		return "device_unavailable"
	default:
		return "unknown"
	}
}

// Error is returned at component boundaries. Op names the failing
// operation, e.g. "session.create" or "rtc.connect".
type Error struct {
	Op      string
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the operation may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == Transient || e.Kind == ServerError
}

// New builds an Error without a cause.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Message: msg}
}

// Wrap builds an Error around err. A nil err yields nil.
func Wrap(op string, kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the user-facing message of err's first *Error, falling
// back to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
