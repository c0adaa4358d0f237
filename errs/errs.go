// Package errs defines the closed error-kind taxonomy makerd uses across
// the store, policy, transport, and state machine layers, grounded on
// eve's executor.ExecutionError (Code/Message/Details) and the sentinel-
// error style of auth/errors.go.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error classes a makerd component can raise.
type Kind int

const (
	ConfigError Kind = iota
	BindError
	PersistError
	PolicyDenied
	ActuatorFailure
	ProtocolViolation
	Overload
	Shutdown
	NotFound
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "config_error"
	case BindError:
		return "bind_error"
	case PersistError:
		return "persist_error"
	case PolicyDenied:
		return "policy_denied"
	case ActuatorFailure:
		return "actuator_failure"
	case ProtocolViolation:
		return "protocol_violation"
	case Overload:
		return "overload"
	case Shutdown:
		return "shutdown"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every makerd component returns for a
// known failure class. It wraps an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// WithDetails attaches structured context, mirroring
// executor.ExecutionError.Details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// User-visible sentinel errors — the RPC surface only ever returns one
// of these three to a client (spec §7: "User-visible failure surface is
// limited to {Denied, Unavailable, NotFound}").
var (
	ErrDenied      = New(PolicyDenied, "denied")
	ErrUnavailable = New(Overload, "unavailable")
	ErrNotFound    = New(NotFound, "not found")
)
