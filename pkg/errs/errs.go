package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a billing error for callers that need to branch on the
// failure mode rather than the message.
type Kind int

const (
	// KindValidation means the request was malformed and rejected before
	// any state change.
	KindValidation Kind = iota
	// KindNotFound means a referenced entity does not exist.
	KindNotFound
	// KindInvalidState means the operation is not legal for the entity's
	// current status (e.g. voiding a paid invoice).
	KindInvalidState
	// KindConflict means the operation lost to a concurrent writer or
	// would create a duplicate (coupon code, invoice for a period).
	KindConflict
	// KindTransient means a downstream call failed in a retryable way
	// (gateway timeout or rejection). The dunning path handles these.
	KindTransient
	// KindExhaustedRetries means the dunning schedule is spent and the
	// cancellation path has taken over.
	KindExhaustedRetries
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindExhaustedRetries:
		return "exhausted_retries"
	default:
		return "unknown"
	}
}

// Error is a classified billing error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a classified error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef creates a classified error with a formatted message.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or ok=false if err carries no
// classification.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool { return is(err, KindValidation) }

// IsNotFound checks if an error is a not-found error.
func IsNotFound(err error) bool { return is(err, KindNotFound) }

// IsInvalidState checks if an error is an invalid-state error.
func IsInvalidState(err error) bool { return is(err, KindInvalidState) }

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool { return is(err, KindConflict) }

// IsTransient checks if an error is a transient downstream failure.
func IsTransient(err error) bool { return is(err, KindTransient) }

// IsExhaustedRetries checks if an error means the dunning schedule is spent.
func IsExhaustedRetries(err error) bool { return is(err, KindExhaustedRetries) }
