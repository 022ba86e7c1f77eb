package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Reason classifies why a ledger transaction exists.
type Reason string

const (
	ReasonExecutionDebit  Reason = "execution_debit"
	ReasonExecutionRefund Reason = "execution_refund"
	ReasonPaymentCredit   Reason = "payment_credit"
	ReasonSignupGrant     Reason = "signup_grant"
)

// ValidReason reports whether r is a known transaction reason.
func ValidReason(r Reason) bool {
	switch r {
	case ReasonExecutionDebit, ReasonExecutionRefund, ReasonPaymentCredit, ReasonSignupGrant:
		return true
	}
	return false
}

// TxRef optionally links a transaction to its originating entity
// (an execution record, a payment event).
type TxRef struct {
	Type string
	ID   string
}

// CreditTransaction is an append-only ledger row. Rows are never
// updated or deleted; a user's balance is the sum of their deltas,
// with balance_after as a per-row snapshot for auditing.
type CreditTransaction struct {
	ID             uuid.UUID `db:"id" json:"id"`
	UserID         uuid.UUID `db:"user_id" json:"user_id"`
	AmountDelta    int64     `db:"amount_delta" json:"amount_delta"`
	BalanceAfter   int64     `db:"balance_after" json:"balance_after"`
	Reason         string    `db:"reason" json:"reason"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	ReferenceType  *string   `db:"reference_type" json:"reference_type,omitempty"`
	ReferenceID    *string   `db:"reference_id" json:"reference_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ApplyResult reports the outcome of a ledger apply.
// Applied is false when the idempotency key had already been used with
// the same delta (a benign replay).
type ApplyResult struct {
	Applied bool
	Balance int64
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}
