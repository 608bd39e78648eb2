// Package errkind classifies errors crossing component boundaries.
//
// Only Transient errors are retryable across a boundary; every other kind is
// terminal to the caller. Dead-letter partitions capture exhausted retries.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

// Error kinds, in rough order of severity to the caller.
const (
	Unknown Kind = iota
	Auth         // bad signature, bad JWT → 401/403, never retried
	Validation   // unparsable payload, missing tenant → 400
	NotFound     // unknown tenant/channel/rule → 404
	Conflict     // idempotency collision with different payload → 409
	Transient    // timeouts, 5xx, connection reset → retried, then 503
	Permanent    // quota exhausted, unsupported format → terminal
	Degraded     // fallback behavior engaged; pipeline continues
)

func (k Kind) String() string {
	switch k {
	case Auth:
		return "auth"
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// New wraps err with a kind. A nil err returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Newf wraps a formatted error with a kind.
func Newf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Of returns the kind of err, walking the wrap chain. Unclassified errors
// are Unknown.
func Of(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// Retryable reports whether err may be retried by the caller. Unclassified
// errors are treated as transient so that infrastructure hiccups are not
// silently terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	k := Of(err)
	return k == Transient || k == Unknown
}
