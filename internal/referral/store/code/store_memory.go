package code

import (
	"context"
	"fmt"
	"sync"

	"tally/internal/referral/models"
	id "tally/pkg/domain"
	"tally/pkg/platform/sentinel"
)

// InMemoryStore keeps the code→owner uniqueness index in process. Create is
// linearizable under the store mutex; it is the anchor every reservation
// transaction relies on.
type InMemoryStore struct {
	mu      sync.RWMutex
	codes   map[string]*models.CodeRecord
	byOwner map[id.UserID]string
}

func New() *InMemoryStore {
	return &InMemoryStore{
		codes:   make(map[string]*models.CodeRecord),
		byOwner: make(map[id.UserID]string),
	}
}

func (s *InMemoryStore) Create(_ context.Context, record *models.CodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.codes[record.Code]; exists {
		return fmt.Errorf("code %s: %w", record.Code, sentinel.ErrAlreadyUsed)
	}
	cp := *record
	s.codes[record.Code] = &cp
	s.byOwner[record.OwnerID] = record.Code
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, code string) (*models.CodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("code %s: %w", code, sentinel.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryStore) FindByOwner(_ context.Context, ownerID id.UserID) (*models.CodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.byOwner[ownerID]
	if !ok {
		return nil, fmt.Errorf("owner %s: %w", ownerID, sentinel.ErrNotFound)
	}
	cp := *s.codes[code]
	return &cp, nil
}

func (s *InMemoryStore) Rewrite(_ context.Context, record *models.CodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.codes[record.Code]; ok && prev.OwnerID != record.OwnerID {
		delete(s.byOwner, prev.OwnerID)
	}
	cp := *record
	s.codes[record.Code] = &cp
	s.byOwner[record.OwnerID] = record.Code
	return nil
}
