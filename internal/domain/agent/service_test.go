package agent_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-api/internal/domain/agent"
)

type memoryRepo struct {
	mu        sync.Mutex
	agents    []*agent.Agent
	listCalls int
	failList  bool
}

func (m *memoryRepo) GetByID(ctx context.Context, id uuid.UUID) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, agent.ErrAgentNotFound
}

func (m *memoryRepo) GetBySlug(ctx context.Context, slug string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.Slug == slug {
			return a, nil
		}
	}
	return nil, agent.ErrAgentNotFound
}

func (m *memoryRepo) ListActive(ctx context.Context) ([]*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.failList {
		return nil, errors.New("db down")
	}
	active := []*agent.Agent{}
	for _, a := range m.agents {
		if a.Active {
			active = append(active, a)
		}
	}
	return active, nil
}

func TestListActiveCachesCatalog(t *testing.T) {
	repo := &memoryRepo{agents: []*agent.Agent{
		{ID: uuid.New(), Slug: "summarizer", Name: "Summarizer", CreditCost: 4, Active: true},
		{ID: uuid.New(), Slug: "retired", Name: "Retired", CreditCost: 1, Active: false},
	}}
	svc := agent.NewService(repo)

	for i := 0; i < 3; i++ {
		agents, err := svc.ListActive(context.Background())
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(agents) != 1 || agents[0].Slug != "summarizer" {
			t.Fatalf("unexpected catalog: %+v", agents)
		}
	}

	if repo.listCalls != 1 {
		t.Fatalf("expected a single repository read, got %d", repo.listCalls)
	}
}

func TestListActiveSurvivesBackendFailure(t *testing.T) {
	repo := &memoryRepo{agents: []*agent.Agent{
		{ID: uuid.New(), Slug: "summarizer", Name: "Summarizer", CreditCost: 4, Active: true},
	}}
	svc := agent.NewService(repo)

	if _, err := svc.ListActive(context.Background()); err != nil {
		t.Fatalf("warm-up failed: %v", err)
	}

	// A fresh service has no stale copy, so the error surfaces.
	repo.failList = true
	cold := agent.NewService(repo)
	if _, err := cold.ListActive(context.Background()); err == nil {
		t.Fatal("expected error with empty cache")
	}

	agents, err := svc.ListActive(context.Background())
	if err != nil {
		t.Fatalf("expected cached catalog, got error: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("unexpected cached catalog: %+v", agents)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	svc := agent.NewService(&memoryRepo{})
	if _, err := svc.GetByID(context.Background(), uuid.New()); err != agent.ErrAgentNotFound {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}
