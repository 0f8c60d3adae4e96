package user

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tally/internal/referral/models"
	id "tally/pkg/domain"
	"tally/pkg/platform/sentinel"
)

// InMemoryStore keeps User records in process. It favors clarity over
// performance and backs unit tests and single-node runs.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[id.UserID]*models.User
}

func New() *InMemoryStore {
	return &InMemoryStore{users: make(map[id.UserID]*models.User)}
}

func (s *InMemoryStore) CreateIfAbsent(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("user %s: %w", user.ID, sentinel.ErrAlreadyUsed)
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, userID id.UserID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, sentinel.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *InMemoryStore) SetReferralCode(_ context.Context, userID id.UserID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, sentinel.ErrNotFound)
	}
	u.ReferralCode = code
	return nil
}

func (s *InMemoryStore) SetReferredBy(_ context.Context, userID, referrerID id.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, sentinel.ErrNotFound)
	}
	if u.ReferredBy != nil {
		return fmt.Errorf("user %s referred_by: %w", userID, sentinel.ErrAlreadyUsed)
	}
	ref := referrerID
	u.ReferredBy = &ref
	return nil
}

func (s *InMemoryStore) AdjustDirectCount(_ context.Context, userID id.UserID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, sentinel.ErrNotFound)
	}
	if u.DirectCount+delta < 0 {
		return fmt.Errorf("user %s direct count below zero: %w", userID, sentinel.ErrInvalidState)
	}
	u.DirectCount += delta
	return nil
}

func (s *InMemoryStore) SetDirectCount(_ context.Context, userID id.UserID, count int) error {
	if count < 0 {
		return fmt.Errorf("negative direct count: %w", sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, sentinel.ErrNotFound)
	}
	u.DirectCount = count
	return nil
}

func (s *InMemoryStore) ListIDs(_ context.Context) ([]id.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]id.UserID, 0, len(s.users))
	for uid := range s.users {
		ids = append(ids, uid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}
