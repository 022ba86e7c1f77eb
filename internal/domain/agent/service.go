package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const catalogTTL = 5 * time.Minute

// Service provides catalog lookups with a short in-memory cache. The
// catalog changes rarely, so stale reads of up to catalogTTL are fine;
// pricing for an execution is resolved once at reservation time.
type Service struct {
	repo Repository

	mu        sync.RWMutex
	byID      map[uuid.UUID]*Agent
	bySlug    map[string]*Agent
	list      []*Agent
	refreshed time.Time
}

// NewService creates agent service.
func NewService(repo Repository) *Service {
	return &Service{
		repo:   repo,
		byID:   make(map[uuid.UUID]*Agent),
		bySlug: make(map[string]*Agent),
	}
}

// GetByID returns an active agent by ID. Inactive agents resolve but
// are reported as such so callers can reject execution.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Agent, error) {
	if a := s.cachedByID(id); a != nil {
		return a, nil
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(a)
	return a, nil
}

// GetBySlug returns an agent by slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (*Agent, error) {
	s.mu.RLock()
	a, ok := s.bySlug[slug]
	fresh := time.Since(s.refreshed) < catalogTTL
	s.mu.RUnlock()
	if ok && fresh {
		return a, nil
	}

	a, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	s.store(a)
	return a, nil
}

// ListActive returns the active catalog, refreshing the cache when it
// has expired.
func (s *Service) ListActive(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	list := s.list
	fresh := time.Since(s.refreshed) < catalogTTL
	s.mu.RUnlock()
	if list != nil && fresh {
		return list, nil
	}

	agents, err := s.repo.ListActive(ctx)
	if err != nil {
		// Serve the stale catalog rather than failing the request.
		if list != nil {
			log.Warn().Err(err).Msg("Agent catalog refresh failed, serving stale copy")
			return list, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.list = agents
	s.byID = make(map[uuid.UUID]*Agent, len(agents))
	s.bySlug = make(map[string]*Agent, len(agents))
	for _, a := range agents {
		s.byID[a.ID] = a
		s.bySlug[a.Slug] = a
	}
	s.refreshed = time.Now()
	s.mu.Unlock()

	return agents, nil
}

func (s *Service) cachedByID(id uuid.UUID) *Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if time.Since(s.refreshed) >= catalogTTL {
		return nil
	}
	return s.byID[id]
}

func (s *Service) store(a *Agent) {
	s.mu.Lock()
	s.byID[a.ID] = a
	s.bySlug[a.Slug] = a
	s.mu.Unlock()
}
