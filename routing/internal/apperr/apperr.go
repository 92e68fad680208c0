// Package apperr classifies routing failures so the ingestors and the HTTP
// layer can decide between committing, retrying and exiting.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	// KindNone is reported for a nil error.
	KindNone Kind = iota
	// KindNotAvailable: no eligible worker. Expected, not exceptional.
	KindNotAvailable
	// KindConflict: lock contention or duplicate assignment. Retryable.
	KindConflict
	// KindTransient: cache, store or broker unreachable. Retry at the boundary.
	KindTransient
	// KindPoison: malformed event payload. Skip and commit forward.
	KindPoison
	// KindFatal: programmer or configuration error. Terminate.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotAvailable:
		return "not_available"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindPoison:
		return "poison"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with kind and op. A nil err still produces an error so that
// business outcomes (not available, conflict) can be reported without a cause.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotAvailable(op string, err error) error { return E(KindNotAvailable, op, err) }
func Conflict(op string, err error) error     { return E(KindConflict, op, err) }
func Transient(op string, err error) error    { return E(KindTransient, op, err) }
func Poison(op string, err error) error       { return E(KindPoison, op, err) }
func Fatal(op string, err error) error        { return E(KindFatal, op, err) }

// KindOf returns the Kind of the outermost classified error in err's chain.
// Unclassified errors are Transient: an unexpected failure must never be
// committed past.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransient
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
