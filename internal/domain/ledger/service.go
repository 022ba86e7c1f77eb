package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Service is the ledger API used by the gate, the payment processor
// and the credits endpoints.
type Service struct {
	repo  Repository
	cache balanceCache
}

// NewService creates a ledger service. redis may be nil.
func NewService(repo Repository, redisClient *redis.Client) *Service {
	return &Service{
		repo:  repo,
		cache: balanceCache{redis: redisClient},
	}
}

// Apply records a balance change. Every credit and debit in the system
// flows through here (or through the repository's ApplyTx for debits
// atomic with a reservation, see the execution gate).
func (s *Service) Apply(ctx context.Context, userID uuid.UUID, delta int64, reason Reason, idempotencyKey string, ref TxRef) (ApplyResult, error) {
	result, err := s.repo.Apply(ctx, userID, delta, reason, idempotencyKey, ref)
	if err != nil {
		if errors.Is(err, ErrIdempotencyConflict) {
			log.Error().
				Str("user_id", userID.String()).
				Str("idempotency_key", idempotencyKey).
				Int64("delta", delta).
				Str("reason", string(reason)).
				Msg("ledger idempotency key conflict")
		}
		return ApplyResult{}, err
	}

	s.cache.invalidate(ctx, userID)

	if result.Applied {
		log.Info().
			Str("user_id", userID.String()).
			Int64("delta", delta).
			Int64("balance", result.Balance).
			Str("reason", string(reason)).
			Str("idempotency_key", idempotencyKey).
			Msg("ledger transaction applied")
	}
	return result, nil
}

// Invalidate drops the cached balance for a user. The execution gate
// calls this after debits it applies through ApplyTx.
func (s *Service) Invalidate(ctx context.Context, userID uuid.UUID) {
	s.cache.invalidate(ctx, userID)
}

// Balance returns the current balance, read through the cache.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	if balance, ok := s.cache.get(ctx, userID); ok {
		return balance, nil
	}

	balance, err := s.repo.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.cache.set(ctx, userID, balance)
	return balance, nil
}

// Sufficient reports whether the balance covers amount. Advisory only:
// the authoritative check is the conditional debit inside Apply, which
// runs under the wallet row lock.
func (s *Service) Sufficient(ctx context.Context, userID uuid.UUID, amount int64) (bool, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// ListTransactions returns paginated ledger history for a user.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListTransactions(ctx, userID, Pagination{Limit: limit, Offset: offset})
}
