// Package apperr defines the error kinds surfaced across operation boundaries.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller.
type Kind int

const (
	Internal Kind = iota
	InvalidInput
	NotFound
	UpstreamUnavailable
	StorageFailure
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case StorageFailure:
		return "storage_failure"
	default:
		return "internal"
	}
}

// Error carries a kind, a caller-safe message and the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// E builds an *Error. cause may be nil.
func E(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, Internal otherwise.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Message returns the caller-safe message of err. Storage and internal
// failures never expose their cause.
func Message(err error) string {
	var ae *Error
	if !errors.As(err, &ae) {
		return "Internal server error"
	}
	switch ae.Kind {
	case StorageFailure, Internal:
		return "Internal server error"
	}
	return ae.Msg
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}
