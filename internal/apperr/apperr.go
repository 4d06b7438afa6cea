package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by how callers are expected to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindClient is a non-success answer other than 5xx or 429. Never retried.
	KindClient
	// KindTransient covers 5xx, network failures and explicit rate limiting.
	KindTransient
	// KindProtocol is a malformed push envelope. Logged and dropped.
	KindProtocol
	// KindConnection is an abnormal socket closure.
	KindConnection
	// KindValidation is an invalid caller-supplied argument.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindConnection:
		return "connection"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the error type shared by the fetch, push and polling layers.
type Error struct {
	Kind   Kind
	Op     string
	Status int // HTTP status when the failure came from a response
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation is a shorthand for a validation failure with a formatted message.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// FromStatus classifies an HTTP status code. Only 5xx and 429 are transient: the
// server asked us to slow down, not to give up. Anything else is a client error.
func FromStatus(op string, status int, body string) *Error {
	kind := KindClient
	if status >= 500 || status == http.StatusTooManyRequests {
		kind = KindTransient
	}
	if body == "" {
		body = "empty response body"
	}
	return &Error{Kind: kind, Op: op, Status: status, Err: errors.New(body)}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
