package execution

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

const sweepBatchSize = 100

// Sweeper reverses executions stuck in reserved state, so no hold on a
// balance survives a crashed or hung request.
type Sweeper struct {
	repo       Repository
	balances   BalanceInvalidator
	interval   time.Duration
	maxReserve time.Duration
}

// NewSweeper creates reservation sweeper
func NewSweeper(repo Repository, balances BalanceInvalidator, interval, maxReserve time.Duration) *Sweeper {
	return &Sweeper{
		repo:       repo,
		balances:   balances,
		interval:   interval,
		maxReserve: maxReserve,
	}
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxReserve)
	records, err := s.repo.ListStaleReserved(ctx, cutoff, sweepBatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Sweeper failed to list stale reservations")
		}
		return
	}

	for _, rec := range records {
		reversed, err := s.repo.Reverse(ctx, rec, "reservation timed out")
		if err != nil {
			log.Error().Err(err).Str("execution_id", rec.ID.String()).Msg("Sweeper failed to reverse reservation")
			continue
		}
		if !reversed {
			continue
		}
		if rec.Mode == ModeCredits && rec.UserID != nil {
			s.balances.Invalidate(ctx, *rec.UserID)
		}
		log.Warn().
			Str("execution_id", rec.ID.String()).
			Str("mode", string(rec.Mode)).
			Time("started_at", rec.StartedAt).
			Msg("Stale reservation reversed")
	}
}
