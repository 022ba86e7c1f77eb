package agent

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository provides access to the agent catalog.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Agent, error)
	GetBySlug(ctx context.Context, slug string) (*Agent, error)
	ListActive(ctx context.Context) ([]*Agent, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates agent repository.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns an agent by its ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Agent, error) {
	var a Agent
	query := `
		SELECT id, slug, name, description, credit_cost, trial_eligible, active, created_at, updated_at
		FROM agents
		WHERE id = $1`

	err := r.db.GetContext(ctx, &a, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetBySlug returns an agent by its slug.
func (r *PostgresRepository) GetBySlug(ctx context.Context, slug string) (*Agent, error) {
	var a Agent
	query := `
		SELECT id, slug, name, description, credit_cost, trial_eligible, active, created_at, updated_at
		FROM agents
		WHERE slug = $1`

	err := r.db.GetContext(ctx, &a, query, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActive returns all active catalog entries.
func (r *PostgresRepository) ListActive(ctx context.Context) ([]*Agent, error) {
	agents := []*Agent{}
	query := `
		SELECT id, slug, name, description, credit_cost, trial_eligible, active, created_at, updated_at
		FROM agents
		WHERE active = true
		ORDER BY name`

	if err := r.db.SelectContext(ctx, &agents, query); err != nil {
		return nil, err
	}
	return agents, nil
}
