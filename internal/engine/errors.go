package engine

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	KindIOError
	KindCorruptPage
	KindCorruptLog
	KindUniquenessViolation
	KindNotNullViolation
	KindTypeMismatch
	KindSchemaMismatch
	KindNotFound
	KindConstraintViolation
	KindDeadlockAborted
	KindCancelled
	KindTimeout
	KindOutOfMemory
	KindOptimizerBudgetExhausted
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindIOError:
		return "IOError"
	case KindCorruptPage:
		return "CorruptPage"
	case KindCorruptLog:
		return "CorruptLog"
	case KindUniquenessViolation:
		return "UniquenessViolation"
	case KindNotNullViolation:
		return "NotNullViolation"
	case KindTypeMismatch:
		return "TypeMismatch"
	case KindSchemaMismatch:
		return "SchemaMismatch"
	case KindNotFound:
		return "NotFound"
	case KindConstraintViolation:
		return "ConstraintViolation"
	case KindDeadlockAborted:
		return "DeadlockAborted"
	case KindCancelled:
		return "Cancelled"
	case KindTimeout:
		return "Timeout"
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindOptimizerBudgetExhausted:
		return "OptimizerBudgetExhausted"
	case KindInvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error is the engine's single error type, carrying a taxonomy Kind and
// wrapping an underlying cause.
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

// NewError constructs an *Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// reporting KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
