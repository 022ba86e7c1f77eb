package execution

import "errors"

var (
	// ErrTrialExhausted rejects an anonymous request whose device has no
	// trial queries left.
	ErrTrialExhausted = errors.New("trial quota exhausted")
	// ErrAuthRequired rejects an anonymous request for an agent that is
	// not trial-eligible.
	ErrAuthRequired = errors.New("authentication required")
	// ErrExecutorFailed wraps a downstream executor failure after the
	// reservation has been reversed. The caller may retry.
	ErrExecutorFailed = errors.New("executor failed")
	// ErrInProgress is returned when an idempotency key matches an
	// execution that is still reserved.
	ErrInProgress = errors.New("execution in progress")
	// ErrIdempotencyConflict is returned when a caller reuses an
	// idempotency key against a different agent than the recorded run.
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different request")
	ErrNotFound   = errors.New("execution not found")
)
