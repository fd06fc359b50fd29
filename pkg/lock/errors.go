package lock

import (
	"errors"
	"fmt"

	"github.com/dyluth/factcask/pkg/fact"
)

// Kind classifies the outcome of an optimistic-lock operation.
type Kind int

const (
	// KindAborted means the business logic declined to publish. Never retried.
	KindAborted Kind = iota + 1

	// KindConflict means the conditional publish found the matching state changed.
	// It is absorbed by the retry loop and never returned from Attempt.
	KindConflict

	// KindRetriesExceeded means every permitted attempt ended in a conflict.
	KindRetriesExceeded

	// KindExceptionAfterPublish means the facts were committed but the follow-up
	// action failed. The error carries the published facts.
	KindExceptionAfterPublish

	// KindContractViolation means the business logic broke its contract, e.g. by
	// returning an empty fact list without aborting.
	KindContractViolation
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindAborted:
		return "aborted"
	case KindConflict:
		return "conflict"
	case KindRetriesExceeded:
		return "retries exceeded"
	case KindExceptionAfterPublish:
		return "exception after publish"
	case KindContractViolation:
		return "contract violation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the single error type returned for classified outcomes. Callers switch on
// Kind rather than on the concrete cause.
type Error struct {
	Kind      Kind
	Retries   int         // Configured bound, set for KindRetriesExceeded
	Published []fact.Fact // Committed facts, set for KindExceptionAfterPublish
	Err       error       // Underlying cause, may be nil
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRetriesExceeded:
		return fmt.Sprintf("exceeded the maximum number of retries allowed (%d)", e.Retries)
	case KindExceptionAfterPublish:
		return fmt.Sprintf("%d facts published, but follow-up action failed: %v", len(e.Published), e.Err)
	default:
		if e.Err == nil {
			return "attempt " + e.Kind.String()
		}
		return fmt.Sprintf("attempt %s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Abort returns an error the business logic can return to stop the operation
// without publishing. It is never retried.
func Abort(format string, args ...any) error {
	return &Error{Kind: KindAborted, Err: fmt.Errorf(format, args...)}
}

// AbortWith is like Abort but keeps err as the cause.
func AbortWith(err error) error {
	return &Error{Kind: KindAborted, Err: err}
}

// KindOf extracts the Kind of a classified error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsAborted reports whether err ends an operation that the business logic aborted.
func IsAborted(err error) bool {
	return isKind(err, KindAborted)
}

// IsRetriesExceeded reports whether err is the terminal retries-exceeded outcome.
func IsRetriesExceeded(err error) bool {
	return isKind(err, KindRetriesExceeded)
}

// IsExceptionAfterPublish reports whether err carries facts that were committed
// before a follow-up action failed.
func IsExceptionAfterPublish(err error) bool {
	return isKind(err, KindExceptionAfterPublish)
}

// IsContractViolation reports whether err signals a misbehaving attempt.
func IsContractViolation(err error) bool {
	return isKind(err, KindContractViolation)
}

func isKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}
