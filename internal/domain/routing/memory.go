package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	routings map[uuid.UUID]*Routing
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{routings: make(map[uuid.UUID]*Routing)}
}

func (m *MemoryRepository) Create(_ context.Context, r *Routing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Version == 0 {
		r.Version = 1
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	m.routings[r.ID] = r.clone()
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Routing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryRepository) GetLatestByToken(_ context.Context, token string) (*Routing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Routing
	for _, r := range m.routings {
		if r.PatientToken != token {
			continue
		}
		if latest == nil || r.ReceivedAt.After(latest.ReceivedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.clone(), nil
}

func (m *MemoryRepository) List(_ context.Context, filter ListFilter, limit, offset int) ([]*Routing, int, error) {
	matched := m.filter(filter)
	sort.Slice(matched, func(i, j int) bool { return matched[i].ReceivedAt.After(matched[j].ReceivedAt) })
	total := len(matched)
	if offset >= total {
		return []*Routing{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *MemoryRepository) ListNotified(_ context.Context) ([]*Routing, error) {
	items := m.filter(ListFilter{Status: StatusNotified})
	sort.Slice(items, func(i, j int) bool { return items[i].ReceivedAt.Before(items[j].ReceivedAt) })
	return items, nil
}

func (m *MemoryRepository) ListIntermediate(_ context.Context) ([]*Routing, error) {
	m.mu.RLock()
	var items []*Routing
	for _, r := range m.routings {
		if r.Status.Intermediate() {
			items = append(items, r.clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].ReceivedAt.Before(items[j].ReceivedAt) })
	return items, nil
}

func (m *MemoryRepository) Update(_ context.Context, r *Routing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.routings[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != r.Version {
		return ErrVersionConflict
	}
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	m.routings[r.ID] = r.clone()
	return nil
}

func (m *MemoryRepository) filter(f ListFilter) []*Routing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Routing
	for _, r := range m.routings {
		if f.matches(r) {
			out = append(out, r.clone())
		}
	}
	return out
}
