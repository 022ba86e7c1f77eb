package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentdeck/agentdeck-api/internal/domain/ledger"
)

const queryTimeout = 3 * time.Second

// Repository persists execution records. Paid reservations and their
// reversals pair the status write with the ledger write in one database
// transaction.
type Repository interface {
	// ReservePaid inserts a reserved record and debits the cost
	// atomically. Returns ledger.ErrInsufficientCredits when the balance
	// cannot cover the cost.
	ReservePaid(ctx context.Context, rec *Record) error

	// ReserveTrial inserts a reserved record for a trial execution. The
	// trial counter has already been consumed by the caller.
	ReserveTrial(ctx context.Context, rec *Record) error

	// Commit finalizes a reserved record with the executor output.
	// Returns false when the record is no longer reserved.
	Commit(ctx context.Context, id uuid.UUID, output json.RawMessage) (bool, error)

	// Reverse undoes a reserved record: credit-mode reservations get a
	// compensating refund in the same transaction, trial-mode records
	// are marked failed. Returns false when the record was already
	// finalized.
	Reverse(ctx context.Context, rec *Record, errMsg string) (bool, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)

	// GetByIdempotencyKey resolves a key within the caller's scope:
	// authenticated records by user id, anonymous records by
	// fingerprint. Keys are unique per caller, not globally, so one
	// client can never surface another client's record.
	GetByIdempotencyKey(ctx context.Context, key string, userID *uuid.UUID, fingerprint string) (*Record, error)

	// ListStaleReserved returns reserved records older than the cutoff,
	// for the sweeper.
	ListStaleReserved(ctx context.Context, olderThan time.Time, limit int) ([]*Record, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db     *sqlx.DB
	ledger ledger.Repository
}

// NewPostgresRepository creates execution repository
func NewPostgresRepository(db *sqlx.DB, ledgerRepo ledger.Repository) *PostgresRepository {
	return &PostgresRepository{db: db, ledger: ledgerRepo}
}

func (r *PostgresRepository) ReservePaid(ctx context.Context, rec *Record) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	// Conditional debit and record insert commit together, so the
	// balance reflects the hold the instant the reservation exists.
	_, err = r.ledger.ApplyTx(ctx2, tx, *rec.UserID, -rec.Cost, ledger.ReasonExecutionDebit,
		"debit:"+rec.ID.String(), ledger.TxRef{Type: "execution", ID: rec.ID.String()})
	if err != nil {
		return err
	}

	if err := insertRecord(ctx2, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reserve tx: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ReserveTrial(ctx context.Context, rec *Record) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, nil)
	if err != nil {
		return fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertRecord(ctx2, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepository) Commit(ctx context.Context, id uuid.UUID, output json.RawMessage) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE execution_records
		SET status = 'committed', output = $2, finished_at = NOW()
		WHERE id = $1 AND status = 'reserved'
	`, id, []byte(output))
	if err != nil {
		return false, fmt.Errorf("commit execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *PostgresRepository) Reverse(ctx context.Context, rec *Record, errMsg string) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	nextStatus := StatusFailed
	if rec.Mode == ModeCredits {
		nextStatus = StatusReversed
	}

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, fmt.Errorf("begin reverse tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx2, `
		UPDATE execution_records
		SET status = $2, error = $3, finished_at = NOW()
		WHERE id = $1 AND status = 'reserved'
	`, rec.ID, string(nextStatus), errMsg)
	if err != nil {
		return false, fmt.Errorf("reverse execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		// Already committed or reversed by a concurrent finalizer.
		return false, nil
	}

	if rec.Mode == ModeCredits {
		_, err = r.ledger.ApplyTx(ctx2, tx, *rec.UserID, rec.Cost, ledger.ReasonExecutionRefund,
			"refund:"+rec.ID.String(), ledger.TxRef{Type: "execution", ID: rec.ID.String()})
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reverse tx: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	var rec Record
	err := r.db.GetContext(ctx, &rec, selectRecord+` WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *PostgresRepository) GetByIdempotencyKey(ctx context.Context, key string, userID *uuid.UUID, fingerprint string) (*Record, error) {
	var rec Record
	err := r.db.GetContext(ctx, &rec, selectRecord+`
		WHERE idempotency_key = $1
		  AND (user_id = $2 OR ($2::uuid IS NULL AND user_id IS NULL AND fingerprint = $3))
	`, key, userID, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *PostgresRepository) ListStaleReserved(ctx context.Context, olderThan time.Time, limit int) ([]*Record, error) {
	records := []*Record{}
	err := r.db.SelectContext(ctx, &records, selectRecord+`
		WHERE status = 'reserved' AND started_at < $1
		ORDER BY started_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return records, nil
}

const selectRecord = `
	SELECT id, user_id, fingerprint, agent_id, agent_slug, mode, cost, status,
	       idempotency_key, input, output, error, started_at, finished_at
	FROM execution_records`

func insertRecord(ctx context.Context, tx *sqlx.Tx, rec *Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO execution_records (
			id, user_id, fingerprint, agent_id, agent_slug, mode, cost, status,
			idempotency_key, input, started_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.UserID, rec.Fingerprint, rec.AgentID, rec.AgentSlug,
		string(rec.Mode), rec.Cost, string(rec.Status), rec.IdempotencyKey,
		[]byte(rec.Input), rec.StartedAt)
	if err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}
