package facility

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository and CapacityLogRepository.
type MemoryRepository struct {
	mu         sync.RWMutex
	facilities map[uuid.UUID]*Facility
	logs       []*CapacityLogEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{facilities: make(map[uuid.UUID]*Facility)}
}

func clone(f *Facility) *Facility {
	cp := *f
	cp.Services = append([]string(nil), f.Services...)
	return &cp
}

func (m *MemoryRepository) Create(_ context.Context, f *Facility) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CapacityVersion == 0 {
		f.CapacityVersion = 1
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	m.facilities[f.ID] = clone(f)
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Facility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.facilities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(f), nil
}

func (m *MemoryRepository) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Facility, int, error) {
	all, _ := m.ListAll(ctx)
	var matched []*Facility
	for _, f := range all {
		if filter.District != "" && f.District != filter.District {
			continue
		}
		if filter.Type != "" && f.FacilityType != filter.Type {
			continue
		}
		if filter.ActiveOnly && !f.Active {
			continue
		}
		matched = append(matched, f)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Name != matched[j].Name {
			return matched[i].Name < matched[j].Name
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})
	total := len(matched)
	if offset >= total {
		return []*Facility{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *MemoryRepository) ListAll(_ context.Context) ([]*Facility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Facility, 0, len(m.facilities))
	for _, f := range m.facilities {
		out = append(out, clone(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryRepository) CompareAndSetCapacity(_ context.Context, id uuid.UUID, expectedVersion int64, available int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.facilities[id]
	if !ok {
		return 0, ErrNotFound
	}
	if f.CapacityVersion != expectedVersion {
		return 0, ErrVersionConflict
	}
	f.AvailableBeds = available
	f.CapacityVersion++
	f.UpdatedAt = time.Now().UTC()
	return f.CapacityVersion, nil
}

// SetAvailable overwrites capacity without a log entry, simulating a write by
// another process.
func (m *MemoryRepository) SetAvailable(id uuid.UUID, available int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.facilities[id]; ok {
		f.AvailableBeds = available
		f.CapacityVersion++
	}
}

// SetActive toggles the active flag in place.
func (m *MemoryRepository) SetActive(id uuid.UUID, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.facilities[id]; ok {
		f.Active = active
	}
}

func (m *MemoryRepository) Append(_ context.Context, e *CapacityLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	cp := *e
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MemoryRepository) ListByFacility(_ context.Context, facilityID uuid.UUID, limit, offset int) ([]*CapacityLogEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*CapacityLogEntry
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].FacilityID == facilityID {
			cp := *m.logs[i]
			matched = append(matched, &cp)
		}
	}
	total := len(matched)
	if offset >= total {
		return []*CapacityLogEntry{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
