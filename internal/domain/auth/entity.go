package auth

import (
	"time"

	"github.com/google/uuid"
)

// Session is a refresh-token session row. The raw token never touches
// the database, only its SHA-256 hash. A session is single-use: Refresh
// marks it used and issues a replacement, so a second presentation of
// the same token is a replay.
type Session struct {
	ID          uuid.UUID  `db:"id"`
	UserID      uuid.UUID  `db:"user_id"`
	TokenHash   string     `db:"token_hash"`
	Fingerprint string     `db:"fingerprint"`
	UserAgent   string     `db:"user_agent"`
	IP          string     `db:"ip"`
	ExpiresAt   time.Time  `db:"expires_at"`
	UsedAt      *time.Time `db:"used_at"`
	RevokedAt   *time.Time `db:"revoked_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

// Valid reports whether the session can still be exchanged for tokens.
func (s *Session) Valid(now time.Time) bool {
	return s.UsedAt == nil && s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
