package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentdeck/agentdeck-api/internal/domain/agent"
	"github.com/agentdeck/agentdeck-api/internal/domain/trial"
	"github.com/agentdeck/agentdeck-api/internal/pkg/executor"
)

// AgentCatalog resolves agents at request time.
type AgentCatalog interface {
	GetByID(ctx context.Context, id uuid.UUID) (*agent.Agent, error)
}

// TrialGate consumes and refunds device trial queries.
type TrialGate interface {
	TryConsume(ctx context.Context, fingerprint string, userID *uuid.UUID) (trial.ConsumeResult, error)
	Refund(ctx context.Context, fingerprint string) error
}

// Runner invokes the external task executor.
type Runner interface {
	Run(ctx context.Context, req executor.RunRequest) (*executor.RunResult, error)
}

// BalanceInvalidator drops a user's cached balance after the repository
// writes the ledger directly inside a reservation transaction.
type BalanceInvalidator interface {
	Invalidate(ctx context.Context, userID uuid.UUID)
}

// ExecuteInput is everything the gate needs for one invocation.
type ExecuteInput struct {
	AgentID        uuid.UUID
	UserID         uuid.UUID // uuid.Nil for anonymous
	Fingerprint    string
	IdempotencyKey string
	Input          json.RawMessage
}

// Service is the execution cost gate. It decides trial vs paid,
// reserves the cost, invokes the executor with no locks held, and
// finalizes the reservation from the outcome.
type Service struct {
	repo                 Repository
	agents               AgentCatalog
	trials               TrialGate
	runner               Runner
	balances             BalanceInvalidator
	trialRefundOnFailure bool
}

// NewService creates execution service
func NewService(repo Repository, agents AgentCatalog, trials TrialGate, runner Runner, balances BalanceInvalidator, trialRefundOnFailure bool) *Service {
	return &Service{
		repo:                 repo,
		agents:               agents,
		trials:               trials,
		runner:               runner,
		balances:             balances,
		trialRefundOnFailure: trialRefundOnFailure,
	}
}

// Execute runs the gate state machine for one request.
func (s *Service) Execute(ctx context.Context, in ExecuteInput) (*Result, error) {
	if in.IdempotencyKey != "" {
		if result, err, found := s.replay(ctx, in); found {
			return result, err
		}
	}

	ag, err := s.agents.GetByID(ctx, in.AgentID)
	if err != nil {
		return nil, err
	}
	if !ag.Active {
		return nil, agent.ErrAgentInactive
	}

	if ag.TrialEligible {
		var userID *uuid.UUID
		if in.UserID != uuid.Nil {
			userID = &in.UserID
		}
		consumed, err := s.trials.TryConsume(ctx, in.Fingerprint, userID)
		if err != nil {
			// Fail closed: a broken trial store must not allow unmetered runs.
			return nil, err
		}
		if consumed.Allowed {
			return s.runTrial(ctx, in, ag, consumed.Remaining)
		}
	}

	if in.UserID == uuid.Nil {
		if ag.TrialEligible {
			return nil, ErrTrialExhausted
		}
		return nil, ErrAuthRequired
	}

	return s.runPaid(ctx, in, ag)
}

// Get returns an execution record owned by the user.
func (s *Service) Get(ctx context.Context, id, userID uuid.UUID) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID == nil || *rec.UserID != userID {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *Service) runTrial(ctx context.Context, in ExecuteInput, ag *agent.Agent, remaining int) (*Result, error) {
	rec := newRecord(in, ag, ModeTrial)
	if err := s.repo.ReserveTrial(ctx, rec); err != nil {
		// The trial query is already consumed; refund it so a storage
		// blip does not eat quota.
		if rerr := s.trials.Refund(ctx, in.Fingerprint); rerr != nil {
			log.Error().Err(rerr).Str("fingerprint", in.Fingerprint).Msg("Trial refund after reserve failure failed")
		}
		return nil, err
	}

	result, err := s.invoke(ctx, rec, ag)
	if err != nil {
		if s.trialRefundOnFailure {
			if rerr := s.trials.Refund(ctx, in.Fingerprint); rerr != nil {
				log.Error().Err(rerr).Str("fingerprint", in.Fingerprint).Msg("Trial refund failed")
			}
		}
		return nil, err
	}

	result.TrialRemaining = &remaining
	return result, nil
}

func (s *Service) runPaid(ctx context.Context, in ExecuteInput, ag *agent.Agent) (*Result, error) {
	rec := newRecord(in, ag, ModeCredits)
	if err := s.repo.ReservePaid(ctx, rec); err != nil {
		return nil, err
	}
	s.balances.Invalidate(ctx, in.UserID)

	result, err := s.invoke(ctx, rec, ag)
	if err != nil {
		s.balances.Invalidate(ctx, in.UserID)
		return nil, err
	}
	result.CreditsUsed = ag.CreditCost
	return result, nil
}

// invoke calls the executor with the reservation already committed to
// storage and no locks held, then finalizes the record.
func (s *Service) invoke(ctx context.Context, rec *Record, ag *agent.Agent) (*Result, error) {
	started := time.Now()
	out, err := s.runner.Run(ctx, executor.RunRequest{AgentSlug: ag.Slug, Input: rec.Input})
	if err != nil {
		s.reverse(ctx, rec, err)
		return nil, fmt.Errorf("%w: %w", ErrExecutorFailed, err)
	}

	applied, cerr := s.repo.Commit(ctx, rec.ID, out.Output)
	if cerr != nil {
		// The run succeeded but the record is stuck reserved; the
		// sweeper will reverse it. Return the output the user paid for.
		log.Error().Err(cerr).Str("execution_id", rec.ID.String()).Msg("Failed to commit execution record")
	} else if !applied {
		log.Warn().
			Str("execution_id", rec.ID.String()).
			Dur("duration", time.Since(started)).
			Msg("Execution completed after its reservation was reversed")
	}

	return &Result{ExecutionID: rec.ID, Output: out.Output, Mode: rec.Mode}, nil
}

func (s *Service) reverse(ctx context.Context, rec *Record, cause error) {
	reversed, err := s.repo.Reverse(ctx, rec, cause.Error())
	if err != nil {
		log.Error().Err(err).Str("execution_id", rec.ID.String()).Msg("Failed to reverse execution reservation")
		return
	}
	if reversed {
		log.Info().
			Str("execution_id", rec.ID.String()).
			Str("mode", string(rec.Mode)).
			Int64("cost", rec.Cost).
			Msg("Execution reservation reversed")
	}
}

// replay resolves an idempotency key against the caller's own past
// executions. The lookup is scoped to the requester, by user id for
// authenticated calls and by fingerprint for anonymous ones, so a key
// guessed or shared by another client starts a fresh run instead of
// leaking a recorded output. The third return is false when the key is
// unknown within that scope.
func (s *Service) replay(ctx context.Context, in ExecuteInput) (*Result, error, bool) {
	var userID *uuid.UUID
	if in.UserID != uuid.Nil {
		userID = &in.UserID
	}
	rec, err := s.repo.GetByIdempotencyKey(ctx, in.IdempotencyKey, userID, in.Fingerprint)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, false
	}
	if err != nil {
		return nil, err, true
	}

	if rec.AgentID != in.AgentID {
		return nil, ErrIdempotencyConflict, true
	}

	switch rec.Status {
	case StatusReserved:
		return nil, ErrInProgress, true
	case StatusCommitted:
		result := &Result{
			ExecutionID: rec.ID,
			Output:      rec.Output,
			Mode:        rec.Mode,
			Replayed:    true,
		}
		if rec.Mode == ModeCredits {
			result.CreditsUsed = rec.Cost
		}
		return result, nil, true
	default:
		// The recorded attempt failed. Retrying under the same key
		// would be ambiguous; the client retries with a fresh key.
		msg := "executor failed"
		if rec.Error != nil {
			msg = *rec.Error
		}
		return nil, fmt.Errorf("%w: %s", ErrExecutorFailed, msg), true
	}
}

func newRecord(in ExecuteInput, ag *agent.Agent, mode Mode) *Record {
	rec := &Record{
		ID:          uuid.New(),
		Fingerprint: in.Fingerprint,
		AgentID:     ag.ID,
		AgentSlug:   ag.Slug,
		Mode:        mode,
		Cost:        ag.CreditCost,
		Status:      StatusReserved,
		Input:       in.Input,
		StartedAt:   time.Now(),
	}
	if in.UserID != uuid.Nil {
		userID := in.UserID
		rec.UserID = &userID
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		rec.IdempotencyKey = &key
	}
	return rec
}
