// Package apperr defines the user-facing error vocabulary shared by the API,
// the service layer and the processing pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, user-facing failure category.
type Kind string

const (
	Unauthorized            Kind = "unauthorized"
	NotFound                Kind = "not_found"
	InvalidArgument         Kind = "invalid_argument"
	PayloadTooLarge         Kind = "payload_too_large"
	UpstreamUnavailable     Kind = "upstream_unavailable"
	SourceUnavailable       Kind = "source_unavailable"
	EngineMalformedResponse Kind = "engine_malformed_response"
	EngineConnectionLost    Kind = "engine_connection_lost"
	NotReady                Kind = "not_ready"
	Conflict                Kind = "conflict"
	RateLimited             Kind = "rate_limited"
	Cancelled               Kind = "cancelled"
	Internal                Kind = "internal"
)

// Error carries a kind, a message safe to show to users and the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to cause. A nil cause yields nil.
func Wrap(cause error, kind Kind, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf reports the kind of err; errors outside the taxonomy are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return "Internal server error"
}
