package execution

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the execution record state machine. A record is created as
// reserved and transitions exactly once to committed, reversed, or
// failed.
type Status string

const (
	// StatusReserved holds the cost while the executor runs.
	StatusReserved Status = "reserved"
	// StatusCommitted means the executor succeeded and the debit stands.
	StatusCommitted Status = "committed"
	// StatusReversed means the executor failed and the debit was refunded.
	StatusReversed Status = "reversed"
	// StatusFailed records an executor failure on the trial path, where
	// there is no ledger debit to reverse.
	StatusFailed Status = "failed"
)

// Mode says which budget paid for the execution.
type Mode string

const (
	ModeTrial   Mode = "trial"
	ModeCredits Mode = "credits"
)

// Record is one agent invocation attempt (matches execution_records table)
type Record struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	UserID         *uuid.UUID      `db:"user_id" json:"user_id,omitempty"`
	Fingerprint    string          `db:"fingerprint" json:"-"`
	AgentID        uuid.UUID       `db:"agent_id" json:"agent_id"`
	AgentSlug      string          `db:"agent_slug" json:"agent_slug"`
	Mode           Mode            `db:"mode" json:"mode"`
	Cost           int64           `db:"cost" json:"cost"`
	Status         Status          `db:"status" json:"status"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Input          json.RawMessage `db:"input" json:"input,omitempty"`
	Output         json.RawMessage `db:"output" json:"output,omitempty"`
	Error          *string         `db:"error" json:"error,omitempty"`
	StartedAt      time.Time       `db:"started_at" json:"started_at"`
	FinishedAt     *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// Result is the gate's answer for a successful execution.
type Result struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	Output      json.RawMessage `json:"result"`
	Mode        Mode            `json:"mode"`
	CreditsUsed int64           `json:"credits_used"`
	// TrialRemaining is set on the trial path only.
	TrialRemaining *int `json:"trial_remaining,omitempty"`
	// Replayed is true when an idempotency key matched a completed
	// execution and the recorded outcome was returned without a new run.
	Replayed bool `json:"replayed,omitempty"`
}
