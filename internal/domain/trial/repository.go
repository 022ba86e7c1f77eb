package trial

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Repository tracks per-fingerprint trial usage.
type Repository interface {
	// TryConsume atomically checks the quota and increments the counter.
	// Two concurrent calls for one fingerprint can never both consume
	// the last remaining query. The rolling window resets lazily inside
	// the same atomic step.
	TryConsume(ctx context.Context, fp string, userID *uuid.UUID, quota int, window time.Duration) (ConsumeResult, error)

	// Refund decrements the counter (floored at zero). Only used when
	// the refund-on-failure policy is enabled.
	Refund(ctx context.Context, fp string) error

	// Remaining reports queries left without consuming one, applying
	// the lazy window reset read-only.
	Remaining(ctx context.Context, fp string, quota int, window time.Duration) (int, error)

	// AttachUser links anonymous usage to an authenticated user so a
	// login/logout cycle cannot reset the device's trial.
	AttachUser(ctx context.Context, fp string, userID uuid.UUID) error
}

// PostgresRepository implements Repository on the trial_usage table.
type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) TryConsume(ctx context.Context, fp string, userID *uuid.UUID, quota int, window time.Duration) (ConsumeResult, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Create the row lazily, then lock it. The FOR UPDATE lock
	// serializes concurrent consumes for one fingerprint.
	if _, err := tx.ExecContext(ctx2, `
		INSERT INTO trial_usage (fingerprint, user_id, query_count, first_query_at, last_query_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (fingerprint) DO NOTHING
	`, fp, userID, now); err != nil {
		return ConsumeResult{}, fmt.Errorf("%w: ensure usage row", ErrInternal)
	}

	var usage Usage
	if err := tx.GetContext(ctx2, &usage, `
		SELECT fingerprint, user_id, query_count, first_query_at, last_query_at
		FROM trial_usage WHERE fingerprint = $1 FOR UPDATE
	`, fp); err != nil {
		return ConsumeResult{}, fmt.Errorf("%w: lock usage row", ErrInternal)
	}

	count := usage.QueryCount
	first := usage.FirstQueryAt
	if now.Sub(first) > window {
		// Lazy window reset
		count = 0
		first = now
	}

	if count >= quota {
		if err := tx.Commit(); err != nil {
			return ConsumeResult{}, fmt.Errorf("%w: commit tx", ErrInternal)
		}
		return ConsumeResult{Allowed: false, Remaining: 0}, nil
	}

	count++
	if _, err := tx.ExecContext(ctx2, `
		UPDATE trial_usage
		SET query_count = $2, first_query_at = $3, last_query_at = $4, user_id = COALESCE($5, user_id)
		WHERE fingerprint = $1
	`, fp, count, first, now, userID); err != nil {
		return ConsumeResult{}, fmt.Errorf("%w: update usage row", ErrInternal)
	}

	if err := tx.Commit(); err != nil {
		return ConsumeResult{}, fmt.Errorf("%w: commit tx", ErrInternal)
	}
	return ConsumeResult{Allowed: true, Remaining: quota - count}, nil
}

func (r *PostgresRepository) Refund(ctx context.Context, fp string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		UPDATE trial_usage SET query_count = GREATEST(query_count - 1, 0) WHERE fingerprint = $1
	`, fp)
	if err != nil {
		return fmt.Errorf("%w: refund", ErrInternal)
	}
	return nil
}

func (r *PostgresRepository) Remaining(ctx context.Context, fp string, quota int, window time.Duration) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var usage Usage
	err := r.db.GetContext(ctx2, &usage, `
		SELECT fingerprint, user_id, query_count, first_query_at, last_query_at
		FROM trial_usage WHERE fingerprint = $1
	`, fp)
	if errors.Is(err, sql.ErrNoRows) {
		return quota, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: get usage row", ErrInternal)
	}

	if time.Now().UTC().Sub(usage.FirstQueryAt) > window {
		return quota, nil
	}
	remaining := quota - usage.QueryCount
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (r *PostgresRepository) AttachUser(ctx context.Context, fp string, userID uuid.UUID) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		UPDATE trial_usage SET user_id = $2 WHERE fingerprint = $1 AND user_id IS NULL
	`, fp, userID)
	if err != nil {
		return fmt.Errorf("%w: attach user", ErrInternal)
	}
	return nil
}
