package edge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tally/internal/referral/models"
	id "tally/pkg/domain"
	"tally/pkg/platform/sentinel"
)

// InMemoryStore keeps referral edges in process, indexed both ways. A referee
// has at most one inbound edge; Create enforces that under the store mutex.
type InMemoryStore struct {
	mu         sync.RWMutex
	byReferee  map[id.UserID]*models.Edge
	byReferrer map[id.UserID][]*models.Edge
}

func New() *InMemoryStore {
	return &InMemoryStore{
		byReferee:  make(map[id.UserID]*models.Edge),
		byReferrer: make(map[id.UserID][]*models.Edge),
	}
}

func (s *InMemoryStore) Create(_ context.Context, edge *models.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byReferee[edge.RefereeID]; exists {
		return fmt.Errorf("referee %s edge: %w", edge.RefereeID, sentinel.ErrAlreadyUsed)
	}
	cp := *edge
	s.byReferee[edge.RefereeID] = &cp
	s.byReferrer[edge.ReferrerID] = append(s.byReferrer[edge.ReferrerID], &cp)
	return nil
}

func (s *InMemoryStore) FindByReferee(_ context.Context, refereeID id.UserID) (*models.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byReferee[refereeID]
	if !ok {
		return nil, fmt.Errorf("referee %s edge: %w", refereeID, sentinel.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *InMemoryStore) ListByReferrer(_ context.Context, referrerID id.UserID) ([]*models.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edges := s.byReferrer[referrerID]
	out := make([]*models.Edge, 0, len(edges))
	for _, e := range edges {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CountByReferrer(_ context.Context, referrerID id.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byReferrer[referrerID]), nil
}
