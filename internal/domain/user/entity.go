package user

import (
	"time"

	"github.com/google/uuid"
)

// Tier represents user tier (matches user_tier enum)
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Status represents user status (matches user_status enum).
// Users are never hard-deleted; deactivation is a status change.
type Status string

const (
	StatusActive      Status = "active"
	StatusDeactivated Status = "deactivated"
)

// User represents a user account (matches users table)
type User struct {
	ID           uuid.UUID `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	Status       Status    `db:"status"`
	Tier         Tier      `db:"tier"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// IsActive returns true if the account may authenticate
func (u *User) IsActive() bool {
	return u.Status == StatusActive
}
