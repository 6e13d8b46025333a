package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alovak/payment-extension/extension/models"
	"github.com/alovak/payment-extension/internal/platform"
	"github.com/google/uuid"
)

// Store keeps payments of a single project in memory.
type Store struct {
	mu       sync.RWMutex
	payments map[string]*models.Payment
	now      func() time.Time
}

func New() *Store {
	return &Store{
		payments: make(map[string]*models.Payment),
		now:      time.Now,
	}
}

func (s *Store) GetPayment(_ context.Context, id string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) UpdatePayment(_ context.Context, id string, version int64, actions []models.UpdateAction) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, platform.ErrNotFound
	}
	if p.Version != version {
		return nil, platform.ErrVersionConflict
	}
	next, err := p.Apply(actions, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.payments[id] = next
	return next.Clone(), nil
}

func (s *Store) CreatePayment(_ context.Context, draft models.PaymentDraft) (*models.Payment, error) {
	now := s.now().UTC()
	p := &models.Payment{
		ID:             uuid.New().String(),
		Key:            draft.Key,
		Version:        1,
		AmountPlanned:  draft.AmountPlanned,
		Custom:         draft.Custom,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	p = p.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
	return p.Clone(), nil
}

// Put stores p as is. It is meant for seeding tests and dev data.
func (s *Store) Put(p *models.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p.Clone()
}
