package trial_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-api/internal/domain/trial"
)

// memoryRepo implements trial.Repository with the same contract as the
// Postgres implementation: serialized check-and-increment per
// fingerprint and lazy window reset. The clock is injectable so window
// expiry can be tested without sleeping.
type memoryRepo struct {
	mu    sync.Mutex
	rows  map[string]*trial.Usage
	nowFn func() time.Time
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		rows:  make(map[string]*trial.Usage),
		nowFn: time.Now,
	}
}

func (m *memoryRepo) TryConsume(ctx context.Context, fp string, userID *uuid.UUID, quota int, window time.Duration) (trial.ConsumeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	row, ok := m.rows[fp]
	if !ok {
		row = &trial.Usage{Fingerprint: fp, UserID: userID, FirstQueryAt: now}
		m.rows[fp] = row
	}

	if now.Sub(row.FirstQueryAt) > window {
		row.QueryCount = 0
		row.FirstQueryAt = now
	}

	if row.QueryCount >= quota {
		return trial.ConsumeResult{Allowed: false, Remaining: 0}, nil
	}

	row.QueryCount++
	row.LastQueryAt = now
	if userID != nil && row.UserID == nil {
		row.UserID = userID
	}
	return trial.ConsumeResult{Allowed: true, Remaining: quota - row.QueryCount}, nil
}

func (m *memoryRepo) Refund(ctx context.Context, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[fp]; ok && row.QueryCount > 0 {
		row.QueryCount--
	}
	return nil
}

func (m *memoryRepo) Remaining(ctx context.Context, fp string, quota int, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[fp]
	if !ok || m.nowFn().Sub(row.FirstQueryAt) > window {
		return quota, nil
	}
	remaining := quota - row.QueryCount
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (m *memoryRepo) AttachUser(ctx context.Context, fp string, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[fp]; ok && row.UserID == nil {
		row.UserID = &userID
	}
	return nil
}

func TestTryConsumeSequence(t *testing.T) {
	svc := trial.NewService(newMemoryRepo(), 3, 24*time.Hour)
	fp := "device-1"

	expected := []int{2, 1, 0}
	for i, want := range expected {
		result, err := svc.TryConsume(context.Background(), fp, nil)
		if err != nil {
			t.Fatalf("call %d failed: %v", i+1, err)
		}
		if !result.Allowed || result.Remaining != want {
			t.Fatalf("call %d: expected allowed with remaining %d, got %+v", i+1, want, result)
		}
	}

	result, err := svc.TryConsume(context.Background(), fp, nil)
	if err != nil {
		t.Fatalf("fourth call failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("fourth call should be rejected")
	}
}

func TestTryConsumeConcurrent(t *testing.T) {
	const quota = 3
	svc := trial.NewService(newMemoryRepo(), quota, 24*time.Hour)
	fp := "device-concurrent"

	const workers = 12
	var wg sync.WaitGroup
	allowed := 0
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.TryConsume(context.Background(), fp, nil)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if result.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != quota {
		t.Fatalf("expected exactly %d allowed, got %d", quota, allowed)
	}
}

func TestWindowReset(t *testing.T) {
	repo := newMemoryRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.nowFn = func() time.Time { return now }

	svc := trial.NewService(repo, 2, 24*time.Hour)
	fp := "device-window"

	for i := 0; i < 2; i++ {
		if result, _ := svc.TryConsume(context.Background(), fp, nil); !result.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if result, _ := svc.TryConsume(context.Background(), fp, nil); result.Allowed {
		t.Fatal("quota should be exhausted")
	}

	// Inside the window: still exhausted.
	now = now.Add(23 * time.Hour)
	if result, _ := svc.TryConsume(context.Background(), fp, nil); result.Allowed {
		t.Fatal("quota should still be exhausted inside the window")
	}

	// Window elapsed: counter resets lazily on the next consume.
	now = now.Add(2 * time.Hour)
	result, err := svc.TryConsume(context.Background(), fp, nil)
	if err != nil {
		t.Fatalf("post-window call failed: %v", err)
	}
	if !result.Allowed || result.Remaining != 1 {
		t.Fatalf("expected fresh quota after window, got %+v", result)
	}
}

func TestRefundRestoresQuery(t *testing.T) {
	svc := trial.NewService(newMemoryRepo(), 1, 24*time.Hour)
	fp := "device-refund"

	if result, _ := svc.TryConsume(context.Background(), fp, nil); !result.Allowed {
		t.Fatal("first call should be allowed")
	}
	if result, _ := svc.TryConsume(context.Background(), fp, nil); result.Allowed {
		t.Fatal("second call should be rejected")
	}

	if err := svc.Refund(context.Background(), fp); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	if result, _ := svc.TryConsume(context.Background(), fp, nil); !result.Allowed {
		t.Fatal("call after refund should be allowed")
	}
}

func TestMergeOnLoginKeepsUsage(t *testing.T) {
	repo := newMemoryRepo()
	svc := trial.NewService(repo, 3, 24*time.Hour)
	fp := "device-merge"
	userID := uuid.New()

	// Two anonymous queries, then the user signs in on the same device.
	svc.TryConsume(context.Background(), fp, nil)
	svc.TryConsume(context.Background(), fp, nil)
	svc.MergeOnLogin(context.Background(), fp, userID)

	// Authenticated usage continues the same counter.
	result, err := svc.TryConsume(context.Background(), fp, &userID)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if !result.Allowed || result.Remaining != 0 {
		t.Fatalf("expected last query with remaining 0, got %+v", result)
	}
	if result, _ := svc.TryConsume(context.Background(), fp, &userID); result.Allowed {
		t.Fatal("login must not reset the device trial")
	}
}
