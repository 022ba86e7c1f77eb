package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentdeck/agentdeck-api/internal/domain/ledger"
	"github.com/agentdeck/agentdeck-api/internal/domain/user"
	"github.com/agentdeck/agentdeck-api/internal/pkg/jwt"
	"github.com/agentdeck/agentdeck-api/internal/pkg/password"
)

// CreditGranter applies ledger entries. Used for the one-time signup
// grant; the grant is idempotent on the user ID so a retried signup
// cannot double-credit.
type CreditGranter interface {
	Apply(ctx context.Context, userID uuid.UUID, delta int64, reason ledger.Reason, idempotencyKey string, ref ledger.TxRef) (ledger.ApplyResult, error)
}

// TrialMerger links anonymous trial usage to an account so that signing
// in does not reset a device's trial counter.
type TrialMerger interface {
	MergeOnLogin(ctx context.Context, fingerprint string, userID uuid.UUID)
}

// ClientMeta carries per-request client attributes recorded on sessions.
type ClientMeta struct {
	Fingerprint string
	UserAgent   string
	IP          string
}

// Service handles authentication business logic
type Service struct {
	userRepo    user.Repository
	sessions    SessionRepository
	jwtService  *jwt.Service
	credits     CreditGranter
	trials      TrialMerger
	signupGrant int64
}

// NewService creates auth service
func NewService(userRepo user.Repository, sessions SessionRepository, jwtService *jwt.Service, credits CreditGranter, trials TrialMerger, signupGrant int64) *Service {
	return &Service{
		userRepo:    userRepo,
		sessions:    sessions,
		jwtService:  jwtService,
		credits:     credits,
		trials:      trials,
		signupGrant: signupGrant,
	}
}

// Register creates new user account
func (s *Service) Register(ctx context.Context, req *RegisterRequest, meta ClientMeta) (*AuthResponse, error) {
	req.Email = normalizeEmail(req.Email)

	existing, _ := s.userRepo.GetByEmail(ctx, req.Email)
	if existing != nil {
		return nil, ErrEmailAlreadyExists
	}

	hash, err := password.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	u := &user.User{
		ID:           uuid.New(),
		Email:        req.Email,
		PasswordHash: hash,
		Status:       user.StatusActive,
		Tier:         user.TierFree,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, u); err != nil {
		if err == user.ErrEmailAlreadyExists {
			return nil, ErrEmailAlreadyExists
		}
		return nil, err
	}

	if s.signupGrant > 0 {
		_, err := s.credits.Apply(ctx, u.ID, s.signupGrant, ledger.ReasonSignupGrant,
			"signup:"+u.ID.String(), ledger.TxRef{Type: "user", ID: u.ID.String()})
		if err != nil {
			// Account exists; the grant can be retried out of band.
			log.Error().Err(err).Str("user_id", u.ID.String()).Msg("Signup grant failed")
		}
	}

	if meta.Fingerprint != "" {
		s.trials.MergeOnLogin(ctx, meta.Fingerprint, u.ID)
	}

	return s.issueTokens(ctx, u, meta)
}

// Login authenticates user
func (s *Service) Login(ctx context.Context, req *LoginRequest, meta ClientMeta) (*AuthResponse, error) {
	req.Email = normalizeEmail(req.Email)

	u, err := s.userRepo.GetByEmail(ctx, req.Email)
	if err != nil || u == nil {
		return nil, ErrInvalidCredentials
	}

	if !password.Verify(req.Password, u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	if !u.IsActive() {
		return nil, ErrUserDeactivated
	}

	if meta.Fingerprint != "" {
		s.trials.MergeOnLogin(ctx, meta.Fingerprint, u.ID)
	}

	return s.issueTokens(ctx, u, meta)
}

// Refresh rotates a refresh token: the presented token is marked used
// and a new pair is issued. Presenting an already-used token is treated
// as theft and revokes every session of the user.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*AuthResponse, error) {
	if refreshToken == "" {
		return nil, ErrRefreshTokenRequired
	}

	tokenHash := jwt.HashRefreshToken(refreshToken)
	session, err := s.sessions.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	now := time.Now()
	if session.UsedAt != nil || session.RevokedAt != nil {
		s.revokeAllOnReplay(ctx, session.UserID, tokenHash)
		return nil, ErrInvalidRefreshToken
	}
	if !now.Before(session.ExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}

	ok, err := s.sessions.MarkUsed(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race to a concurrent refresh of the same token.
		s.revokeAllOnReplay(ctx, session.UserID, tokenHash)
		return nil, ErrInvalidRefreshToken
	}

	u, err := s.userRepo.GetByID(ctx, session.UserID)
	if err != nil || u == nil {
		return nil, ErrUserNotFound
	}
	if !u.IsActive() {
		return nil, ErrUserDeactivated
	}

	return s.issueTokens(ctx, u, meta)
}

// Logout revokes the presented refresh token
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, jwt.HashRefreshToken(refreshToken))
}

// RevokeAll revokes every session of the user
func (s *Service) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	return s.sessions.RevokeAllForUser(ctx, userID)
}

// GetCurrentUser returns current user by ID
func (s *Service) GetCurrentUser(ctx context.Context, userID uuid.UUID) (*UserResponse, error) {
	u, err := s.userRepo.GetByID(ctx, userID)
	if err != nil || u == nil {
		return nil, ErrUserNotFound
	}
	return &UserResponse{ID: u.ID, Email: u.Email, Tier: string(u.Tier), CreatedAt: u.CreatedAt}, nil
}

func (s *Service) revokeAllOnReplay(ctx context.Context, userID uuid.UUID, tokenHash string) {
	log.Warn().
		Str("user_id", userID.String()).
		Str("token_hash", tokenHash[:12]).
		Msg("Refresh token replay detected, revoking all sessions")

	if err := s.sessions.RevokeAllForUser(ctx, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to revoke sessions after replay")
	}
}

// issueTokens creates an access token and a fresh session row
func (s *Service) issueTokens(ctx context.Context, u *user.User, meta ClientMeta) (*AuthResponse, error) {
	accessToken, err := s.jwtService.GenerateAccessToken(u.ID, string(u.Tier))
	if err != nil {
		return nil, err
	}

	refreshToken, err := jwt.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &Session{
		ID:          uuid.New(),
		UserID:      u.ID,
		TokenHash:   jwt.HashRefreshToken(refreshToken),
		Fingerprint: meta.Fingerprint,
		UserAgent:   meta.UserAgent,
		IP:          meta.IP,
		ExpiresAt:   now.Add(s.jwtService.GetRefreshTTL()),
		CreatedAt:   now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	return &AuthResponse{
		User: UserResponse{ID: u.ID, Email: u.Email, Tier: string(u.Tier), CreatedAt: u.CreatedAt},
		Tokens: TokensResponse{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresIn:    int(s.jwtService.GetAccessTTL().Seconds()),
		},
	}, nil
}
