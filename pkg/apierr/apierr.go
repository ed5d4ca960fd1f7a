// Package apierr defines the error taxonomy shared by every component, and
// its mapping onto canonical HTTP status codes for the MDM control API.
//
// Control flow in this codebase never uses exceptions/panics for expected
// failure modes: every fallible operation returns an error whose Kind can
// be inspected and mapped by callers.
package apierr

import "fmt"

// Kind is a taxonomy of error categories, not Go types.
type Kind string

const (
	NotFound                     Kind = "NotFound"
	Conflict                     Kind = "Conflict"
	InvalidArgument               Kind = "InvalidArgument"
	InsufficientCapacity          Kind = "InsufficientCapacity"
	InsufficientReplicationTargets Kind = "InsufficientReplicationTargets"
	MappingForbidden              Kind = "MappingForbidden"
	Unauthorized                  Kind = "Unauthorized"
	Expired                       Kind = "Expired"
	Replay                        Kind = "Replay"
	NoActiveTargets               Kind = "NoActiveTargets"
	TargetIOError                 Kind = "TargetIOError"
	Stalled                       Kind = "Stalled"
	Internal                      Kind = "Internal"
)

// Error is the concrete error type carrying a Kind and a human message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an *Error for the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to Internal for errors that
// don't carry one.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if e, ok := err.(*Error); ok {
		apiErr = e
	} else {
		return Internal
	}
	return apiErr.Kind
}

// HTTPStatus maps a Kind to its canonical HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidArgument:
		return 400
	case Unauthorized, Expired, Replay:
		return 403
	case NotFound:
		return 404
	case Conflict, InsufficientCapacity, InsufficientReplicationTargets, MappingForbidden, Stalled:
		return 409
	case NoActiveTargets:
		return 503
	case TargetIOError, Internal:
		return 500
	default:
		return 500
	}
}
