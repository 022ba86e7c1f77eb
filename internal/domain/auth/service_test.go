package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-api/internal/domain/auth"
	"github.com/agentdeck/agentdeck-api/internal/domain/ledger"
	"github.com/agentdeck/agentdeck-api/internal/domain/user"
	"github.com/agentdeck/agentdeck-api/internal/pkg/jwt"
)

type memoryUserRepo struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*user.User
	byEmail map[string]*user.User
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{
		byID:    make(map[uuid.UUID]*user.User),
		byEmail: make(map[string]*user.User),
	}
}

func (m *memoryUserRepo) Create(ctx context.Context, u *user.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byEmail[u.Email]; exists {
		return user.ErrEmailAlreadyExists
	}
	m.byID[u.ID] = u
	m.byEmail[u.Email] = u
	return nil
}

func (m *memoryUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return u, nil
}

func (m *memoryUserRepo) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byEmail[email]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return u, nil
}

func (m *memoryUserRepo) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		u.PasswordHash = hash
	}
	return nil
}

func (m *memoryUserRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status user.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		u.Status = status
	}
	return nil
}

type memorySessionRepo struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*auth.Session
	byHash map[string]*auth.Session
}

func newMemorySessionRepo() *memorySessionRepo {
	return &memorySessionRepo{
		byID:   make(map[uuid.UUID]*auth.Session),
		byHash: make(map[string]*auth.Session),
	}
}

func (m *memorySessionRepo) Create(ctx context.Context, s *auth.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byID[s.ID] = &cp
	m.byHash[s.TokenHash] = &cp
	return nil
}

func (m *memorySessionRepo) GetByTokenHash(ctx context.Context, hash string) (*auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byHash[hash]
	if !ok {
		return nil, auth.ErrInvalidRefreshToken
	}
	cp := *s
	return &cp, nil
}

func (m *memorySessionRepo) MarkUsed(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.UsedAt != nil || s.RevokedAt != nil {
		return false, nil
	}
	now := time.Now()
	s.UsedAt = &now
	return true, nil
}

func (m *memorySessionRepo) Revoke(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byHash[hash]; ok && s.RevokedAt == nil {
		now := time.Now()
		s.RevokedAt = &now
	}
	return nil
}

func (m *memorySessionRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, s := range m.byID {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &now
		}
	}
	return nil
}

func (m *memorySessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.byID {
		if s.ExpiresAt.Before(before) {
			delete(m.byID, id)
			delete(m.byHash, s.TokenHash)
			n++
		}
	}
	return n, nil
}

func (m *memorySessionRepo) liveCount(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.byID {
		if s.UserID == userID && s.RevokedAt == nil {
			n++
		}
	}
	return n
}

type grantRecorder struct {
	mu     sync.Mutex
	grants map[string]int64
}

func (g *grantRecorder) Apply(ctx context.Context, userID uuid.UUID, delta int64, reason ledger.Reason, key string, ref ledger.TxRef) (ledger.ApplyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.grants == nil {
		g.grants = make(map[string]int64)
	}
	if _, seen := g.grants[key]; seen {
		return ledger.ApplyResult{Applied: false, Balance: delta}, nil
	}
	g.grants[key] = delta
	return ledger.ApplyResult{Applied: true, Balance: delta}, nil
}

type mergeRecorder struct {
	mu     sync.Mutex
	merged map[string]uuid.UUID
}

func (r *mergeRecorder) MergeOnLogin(ctx context.Context, fp string, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.merged == nil {
		r.merged = make(map[string]uuid.UUID)
	}
	r.merged[fp] = userID
}

func newTestService() (*auth.Service, *memoryUserRepo, *memorySessionRepo, *grantRecorder, *mergeRecorder) {
	users := newMemoryUserRepo()
	sessions := newMemorySessionRepo()
	grants := &grantRecorder{}
	merges := &mergeRecorder{}
	jwtSvc := jwt.NewService("test-secret", 15*time.Minute, 30*24*time.Hour)
	svc := auth.NewService(users, sessions, jwtSvc, grants, merges, 100)
	return svc, users, sessions, grants, merges
}

func TestRegisterGrantsSignupCredits(t *testing.T) {
	svc, _, _, grants, merges := newTestService()

	meta := auth.ClientMeta{Fingerprint: "fp-1", UserAgent: "test", IP: "127.0.0.1:1"}
	result, err := svc.Register(context.Background(), &auth.RegisterRequest{
		Email:    "Alice@Example.com",
		Password: "correct horse",
	}, meta)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if result.User.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %s", result.User.Email)
	}
	if result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Fatal("expected token pair")
	}

	key := "signup:" + result.User.ID.String()
	if grants.grants[key] != 100 {
		t.Fatalf("expected signup grant of 100, got %v", grants.grants)
	}
	if merges.merged["fp-1"] != result.User.ID {
		t.Fatal("device trial usage not linked to the new account")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _, _, _, _ := newTestService()

	req := &auth.RegisterRequest{Email: "dup@example.com", Password: "password1"}
	if _, err := svc.Register(context.Background(), req, auth.ClientMeta{}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := svc.Register(context.Background(), req, auth.ClientMeta{}); err != auth.ErrEmailAlreadyExists {
		t.Fatalf("expected ErrEmailAlreadyExists, got %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _, _, _, _ := newTestService()

	req := &auth.RegisterRequest{Email: "bob@example.com", Password: "password1"}
	if _, err := svc.Register(context.Background(), req, auth.ClientMeta{}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	_, err := svc.Login(context.Background(), &auth.LoginRequest{
		Email:    "bob@example.com",
		Password: "wrong",
	}, auth.ClientMeta{})
	if err != auth.ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, _, _, _, _ := newTestService()

	result, err := svc.Register(context.Background(), &auth.RegisterRequest{
		Email:    "carol@example.com",
		Password: "password1",
	}, auth.ClientMeta{})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	rotated, err := svc.Refresh(context.Background(), result.Tokens.RefreshToken, auth.ClientMeta{})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if rotated.Tokens.RefreshToken == result.Tokens.RefreshToken {
		t.Fatal("refresh must issue a new token")
	}

	// The rotated token works.
	if _, err := svc.Refresh(context.Background(), rotated.Tokens.RefreshToken, auth.ClientMeta{}); err != nil {
		t.Fatalf("rotated token rejected: %v", err)
	}
}

func TestRefreshReplayRevokesAllSessions(t *testing.T) {
	svc, _, sessions, _, _ := newTestService()

	result, err := svc.Register(context.Background(), &auth.RegisterRequest{
		Email:    "dave@example.com",
		Password: "password1",
	}, auth.ClientMeta{})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	userID := result.User.ID
	original := result.Tokens.RefreshToken

	// Normal rotation, then a second login creating another session.
	if _, err := svc.Refresh(context.Background(), original, auth.ClientMeta{}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if _, err := svc.Login(context.Background(), &auth.LoginRequest{
		Email:    "dave@example.com",
		Password: "password1",
	}, auth.ClientMeta{}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if live := sessions.liveCount(userID); live < 2 {
		t.Fatalf("expected at least 2 live sessions before replay, got %d", live)
	}

	// Replaying the already-used token nukes everything.
	if _, err := svc.Refresh(context.Background(), original, auth.ClientMeta{}); err != auth.ErrInvalidRefreshToken {
		t.Fatalf("expected ErrInvalidRefreshToken on replay, got %v", err)
	}
	if live := sessions.liveCount(userID); live != 0 {
		t.Fatalf("expected all sessions revoked after replay, got %d live", live)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	svc, _, _, _, _ := newTestService()

	result, err := svc.Register(context.Background(), &auth.RegisterRequest{
		Email:    "erin@example.com",
		Password: "password1",
	}, auth.ClientMeta{})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := svc.Logout(context.Background(), result.Tokens.RefreshToken); err != nil {
		t.Fatalf("logout failed: %v", err)
	}

	if _, err := svc.Refresh(context.Background(), result.Tokens.RefreshToken, auth.ClientMeta{}); err != auth.ErrInvalidRefreshToken {
		t.Fatalf("expected revoked token to be rejected, got %v", err)
	}
}

func TestDeactivatedUserCannotLogin(t *testing.T) {
	svc, users, _, _, _ := newTestService()

	result, err := svc.Register(context.Background(), &auth.RegisterRequest{
		Email:    "frank@example.com",
		Password: "password1",
	}, auth.ClientMeta{})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := users.UpdateStatus(context.Background(), result.User.ID, user.StatusDeactivated); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	_, err = svc.Login(context.Background(), &auth.LoginRequest{
		Email:    "frank@example.com",
		Password: "password1",
	}, auth.ClientMeta{})
	if err != auth.ErrUserDeactivated {
		t.Fatalf("expected ErrUserDeactivated, got %v", err)
	}
}
