package agent

import (
	"time"

	"github.com/google/uuid"
)

// Agent is a runnable catalog entry. CreditCost is the fixed price in
// credits for one execution; trial-eligible agents can also be run by
// anonymous devices against the trial quota.
type Agent struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Slug          string    `db:"slug" json:"slug"`
	Name          string    `db:"name" json:"name"`
	Description   string    `db:"description" json:"description"`
	CreditCost    int64     `db:"credit_cost" json:"credit_cost"`
	TrialEligible bool      `db:"trial_eligible" json:"trial_eligible"`
	Active        bool      `db:"active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}
