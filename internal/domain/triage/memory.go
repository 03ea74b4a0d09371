package triage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu    sync.RWMutex
	cases map[uuid.UUID]*Case
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{cases: make(map[uuid.UUID]*Case)}
}

func (m *MemoryRepository) Create(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now().UTC()
	cp := *c
	m.cases[c.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryRepository) GetLatestByToken(_ context.Context, token string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Case
	for _, c := range m.cases {
		if c.PatientToken != token {
			continue
		}
		if latest == nil || c.ReceivedAt.After(latest.ReceivedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}
