package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidReference indicates a reference to a product, store or party that does not exist.
	ErrInvalidReference = fmt.Errorf("invalid reference: %w", ErrNotFound)
	// ErrAlreadyConverted indicates the source document has no convertible quantity left.
	ErrAlreadyConverted = errors.New("document already converted")
	// ErrInvalidStateTransition indicates a status change or conversion the document's state forbids.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrDuplicatePosting indicates a ledger posting with an idempotency key that already exists.
	ErrDuplicatePosting = errors.New("duplicate posting")
	// ErrAlreadyPaid indicates a commission that has been paid out.
	ErrAlreadyPaid = errors.New("already paid")
	// ErrConcurrentModification indicates a lost race on a locked or versioned record.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrTimeout indicates a persistence call exceeded its deadline.
	ErrTimeout = errors.New("persistence timeout")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

// InvalidReference wraps ErrInvalidReference with the missing entity.
func InvalidReference(kind string, id int64) error {
	return fmt.Errorf("%w: %s %d", ErrInvalidReference, kind, id)
}

// Validation wraps ErrValidation with a message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
