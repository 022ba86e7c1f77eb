package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

// Repository is the single write path for every balance change.
type Repository interface {
	// Apply inserts a transaction unless the idempotency key was already
	// used. A debit that would take the balance negative returns
	// ErrInsufficientCredits; a key reuse with a different delta returns
	// ErrIdempotencyConflict.
	Apply(ctx context.Context, userID uuid.UUID, delta int64, reason Reason, idempotencyKey string, ref TxRef) (ApplyResult, error)

	// ApplyTx is Apply within an external transaction. The caller owns
	// commit/rollback; used when a debit must be atomic with another
	// write (reserving an execution record).
	ApplyTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, delta int64, reason Reason, idempotencyKey string, ref TxRef) (ApplyResult, error)

	// Balance returns the current balance projection.
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)

	// ListTransactions returns a user's ledger history, newest first.
	ListTransactions(ctx context.Context, userID uuid.UUID, p Pagination) ([]CreditTransaction, error)
}

// PostgresRepository journals transactions in credit_transactions and
// maintains the user_wallets balance projection in the same database
// transaction, so the projection can never drift from the journal.
type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Apply(ctx context.Context, userID uuid.UUID, delta int64, reason Reason, idempotencyKey string, ref TxRef) (ApplyResult, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	result, err := r.ApplyTx(ctx2, tx, userID, delta, reason, idempotencyKey, ref)
	if err != nil {
		return ApplyResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("%w: commit tx", ErrInternal)
	}
	return result, nil
}

func (r *PostgresRepository) ApplyTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, delta int64, reason Reason, idempotencyKey string, ref TxRef) (ApplyResult, error) {
	if delta == 0 {
		return ApplyResult{}, ErrInvalidAmount
	}
	if !ValidReason(reason) {
		return ApplyResult{}, ErrInvalidReason
	}
	if idempotencyKey == "" {
		return ApplyResult{}, fmt.Errorf("%w: empty idempotency key", ErrInternal)
	}

	balance, err := r.lockWallet(ctx, tx, userID)
	if err != nil {
		return ApplyResult{}, err
	}

	// Replay check: the unique key makes double-application structurally
	// impossible, but checking first lets a benign retry return the
	// recorded outcome instead of a constraint error.
	prior, exists, err := r.transactionByKey(ctx, tx, idempotencyKey)
	if err != nil {
		return ApplyResult{}, err
	}
	if exists {
		if prior.AmountDelta != delta {
			return ApplyResult{}, ErrIdempotencyConflict
		}
		// Report the balance the original application produced, not the
		// wallet's current balance, so a redelivered event sees a stable
		// outcome.
		return ApplyResult{Applied: false, Balance: prior.BalanceAfter}, nil
	}

	nextBalance := balance + delta
	if nextBalance < 0 {
		return ApplyResult{}, ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_wallets SET balance = $2, updated_at = NOW() WHERE user_id = $1
	`, userID, nextBalance); err != nil {
		return ApplyResult{}, fmt.Errorf("%w: update wallet", ErrInternal)
	}

	if err := r.insertTransaction(ctx, tx, userID, delta, nextBalance, reason, idempotencyKey, ref); err != nil {
		return ApplyResult{}, err
	}

	return ApplyResult{Applied: true, Balance: nextBalance}, nil
}

func (r *PostgresRepository) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var balance int64
	err := r.db.GetContext(ctx2, &balance, `SELECT balance FROM user_wallets WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: get balance", ErrInternal)
	}
	return balance, nil
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, userID uuid.UUID, p Pagination) ([]CreditTransaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	transactions := make([]CreditTransaction, 0)
	err := r.db.SelectContext(ctx2, &transactions, `
		SELECT id, user_id, amount_delta, balance_after, reason, idempotency_key, reference_type, reference_id, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions", ErrInternal)
	}
	return transactions, nil
}

// lockWallet upserts the projection row and takes a FOR UPDATE lock,
// serializing all balance changes for one user across the check and
// the write.
func (r *PostgresRepository) lockWallet(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_wallets (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return 0, fmt.Errorf("%w: ensure wallet", ErrInternal)
	}

	var balance int64
	if err := tx.GetContext(ctx, &balance, `SELECT balance FROM user_wallets WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return 0, fmt.Errorf("%w: lock wallet", ErrInternal)
	}
	return balance, nil
}

type priorTransaction struct {
	AmountDelta  int64 `db:"amount_delta"`
	BalanceAfter int64 `db:"balance_after"`
}

func (r *PostgresRepository) transactionByKey(ctx context.Context, tx *sqlx.Tx, idempotencyKey string) (priorTransaction, bool, error) {
	var prior priorTransaction
	err := tx.GetContext(ctx, &prior, `
		SELECT amount_delta, balance_after FROM credit_transactions WHERE idempotency_key = $1 LIMIT 1
	`, idempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return priorTransaction{}, false, nil
	}
	if err != nil {
		return priorTransaction{}, false, fmt.Errorf("%w: check idempotency key", ErrInternal)
	}
	return prior, true, nil
}

func (r *PostgresRepository) insertTransaction(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, delta, balanceAfter int64, reason Reason, idempotencyKey string, ref TxRef) error {
	var refType, refID interface{}
	if ref.Type != "" {
		refType = ref.Type
	}
	if ref.ID != "" {
		refID = ref.ID
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, amount_delta, balance_after, reason, idempotency_key, reference_type, reference_id
		)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
	`, userID, delta, balanceAfter, string(reason), idempotencyKey, refType, refID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Lost a race on the unique key despite the wallet lock
			// (concurrent apply for a different user sharing the key).
			return ErrIdempotencyConflict
		}
		return fmt.Errorf("%w: insert transaction", ErrInternal)
	}
	return nil
}
