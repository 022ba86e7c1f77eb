package ledger

import "errors"

var (
	// ErrInsufficientCredits is returned when a debit would take the
	// balance below zero. An expected business outcome, not a fault.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned when delta is zero
	ErrInvalidAmount = errors.New("invalid amount: must be non-zero")

	// ErrInvalidReason is returned for an unknown transaction reason
	ErrInvalidReason = errors.New("invalid transaction reason")

	// ErrIdempotencyConflict is returned when an idempotency key is
	// reused with a different delta. This indicates a bug in the caller
	// and is logged loudly rather than silently retried.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")

	ErrInternal = errors.New("ledger internal error")
)
