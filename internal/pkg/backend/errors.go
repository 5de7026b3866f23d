package backend

import (
	"errors"
	"fmt"
)

// Kind classifies backend failures by how callers must react.
type Kind int

const (
	// KindTransient failures are retried with backoff.
	KindTransient Kind = iota + 1
	// KindAuthExpired failures are retried once after refreshing credentials.
	KindAuthExpired
	// KindPermanent failures are not retried.
	KindPermanent
	// KindUnavailable means the backend is down. The resource is skipped this cycle.
	KindUnavailable
	// KindRejected means the backend refused the request (invalid name, duplicate). Terminal.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth_expired"
	case KindPermanent:
		return "permanent"
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is the typed error adapters return.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrTransient) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrTransient   = &Error{Kind: KindTransient}
	ErrAuthExpired = &Error{Kind: KindAuthExpired}
	ErrPermanent   = &Error{Kind: KindPermanent}
	ErrUnavailable = &Error{Kind: KindUnavailable}
	ErrRejected    = &Error{Kind: KindRejected}

	ErrUnsupported = errors.New("operation not supported by backend")
)

// NewError wraps err with a kind and the failing operation.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Timeouts count as transient. Unclassified errors are treated as
// transient so they are retried a bounded number of times rather than dropped.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, ErrUnsupported) {
		return KindPermanent
	}
	return KindTransient
}

// Retryable reports whether the failure may succeed if tried again later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnavailable:
		return true
	}
	return false
}
