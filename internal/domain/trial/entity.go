package trial

import (
	"time"

	"github.com/google/uuid"
)

// Usage is one device's trial consumption (matches trial_usage table).
// Created lazily on the first anonymous query; the window reset is
// evaluated on read, never by a background sweep.
type Usage struct {
	Fingerprint  string     `db:"fingerprint"`
	UserID       *uuid.UUID `db:"user_id"`
	QueryCount   int        `db:"query_count"`
	FirstQueryAt time.Time  `db:"first_query_at"`
	LastQueryAt  time.Time  `db:"last_query_at"`
}

// ConsumeResult is the outcome of an atomic check-and-increment.
type ConsumeResult struct {
	Allowed   bool
	Remaining int
}
