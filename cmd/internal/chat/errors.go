package chat

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match with errors.Is or the IsX helpers.
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrSelfConversation is a validation failure for a conversation with oneself.
	ErrSelfConversation = fmt.Errorf("%w: self conversation", ErrValidation)
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is one of the sentinel kinds above. Err optionally carries the cause.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsUnauthenticated reports whether err represents ErrUnauthenticated.
func IsUnauthenticated(err error) bool { return errors.Is(err, ErrUnauthenticated) }

// IsUpstreamUnavailable reports whether err represents ErrUpstreamUnavailable.
func IsUpstreamUnavailable(err error) bool { return errors.Is(err, ErrUpstreamUnavailable) }

// PublicMessage returns the client-facing text for err. Only the Msg of a
// typed caller error is exposed; internal and upstream causes are not.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var op OpError
	if errors.As(err, &op) && op.Msg != "" && op.Kind != ErrUpstreamUnavailable && Code(err) != "internal" {
		return op.Msg
	}
	switch Code(err) {
	case "unauthenticated":
		return "authentication required"
	case "forbidden":
		return "not a participant of this conversation"
	case "not_found":
		return "conversation not found"
	case "validation_failed":
		return "invalid request"
	case "upstream_unavailable":
		return "upstream unavailable"
	default:
		return "internal error"
	}
}

// Code maps err to the stable wire code used by REST and realtime acks.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsUnauthenticated(err):
		return "unauthenticated"
	case IsForbidden(err):
		return "forbidden"
	case IsNotFound(err):
		return "not_found"
	case IsValidation(err):
		return "validation_failed"
	case IsUpstreamUnavailable(err):
		return "upstream_unavailable"
	default:
		return "internal"
	}
}
