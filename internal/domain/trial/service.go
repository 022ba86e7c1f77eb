package trial

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Service enforces the universal free-trial quota. The quota is shared
// across all agents and keyed by device fingerprint, not login.
type Service struct {
	repo   Repository
	quota  int
	window time.Duration
}

func NewService(repo Repository, quota int, window time.Duration) *Service {
	return &Service{repo: repo, quota: quota, window: window}
}

// TryConsume spends one trial query if any remain in the window.
func (s *Service) TryConsume(ctx context.Context, fp string, userID *uuid.UUID) (ConsumeResult, error) {
	result, err := s.repo.TryConsume(ctx, fp, userID, s.quota, s.window)
	if err != nil {
		return ConsumeResult{}, err
	}
	if result.Allowed {
		log.Debug().
			Str("fingerprint", fp).
			Int("remaining", result.Remaining).
			Msg("trial query consumed")
	}
	return result, nil
}

// Refund returns one trial query to the fingerprint. Only called when
// the refund-on-failure policy is enabled.
func (s *Service) Refund(ctx context.Context, fp string) error {
	return s.repo.Refund(ctx, fp)
}

// Remaining reports queries left without consuming one.
func (s *Service) Remaining(ctx context.Context, fp string) (int, error) {
	return s.repo.Remaining(ctx, fp, s.quota, s.window)
}

// MergeOnLogin links the device's anonymous usage to the user, so a
// login/logout cycle does not hand out a fresh trial. Best effort: a
// failure here must not block authentication.
func (s *Service) MergeOnLogin(ctx context.Context, fp string, userID uuid.UUID) {
	if fp == "" {
		return
	}
	if err := s.repo.AttachUser(ctx, fp, userID); err != nil {
		log.Warn().Err(err).
			Str("fingerprint", fp).
			Str("user_id", userID.String()).
			Msg("trial usage merge failed")
	}
}

// Quota returns the configured trial quota.
func (s *Service) Quota() int { return s.quota }
