package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing decisions: retry, breaker
// accounting, and HTTP status mapping all key off it.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindTransient
	KindTimeout
	KindUnavailable
	KindIntegrity
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "service_unavailable"
	case KindIntegrity:
		return "integrity"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind. It satisfies errors.Is/As
// chains so callers can still unwrap the cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error from a message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err returns nil. If err already
// carries a kind it is preserved.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the router should retry the call.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	}
	return false
}
