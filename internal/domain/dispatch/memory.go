package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[uuid.UUID]*Notification)}
}

func (m *MemoryStore) Create(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now
	cp := *n
	m.items[n.ID] = &cp
	return nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[n.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Channel = n.Channel
	cur.RetryCount = n.RetryCount
	cur.Error = n.Error
	cur.ResponseBody = n.ResponseBody
	if n.SentAt != nil {
		cur.SentAt = n.SentAt
	}
	if n.FailedAt != nil {
		cur.FailedAt = n.FailedAt
	}
	if n.AcknowledgedAt != nil && cur.AcknowledgedAt == nil {
		cur.AcknowledgedAt = n.AcknowledgedAt
	}
	if cur.Status != StatusAcknowledged {
		cur.Status = n.Status
	}
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Acknowledge(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if cur.AcknowledgedAt == nil {
		cur.AcknowledgedAt = &at
	}
	cur.Status = StatusAcknowledged
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) ListByRouting(_ context.Context, routingID uuid.UUID) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Notification
	for _, n := range m.items {
		if n.RoutingID == routingID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context, from, to time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []*Notification
	for _, n := range m.items {
		if !from.IsZero() && n.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !n.CreatedAt.Before(to) {
			continue
		}
		items = append(items, n)
	}
	return computeStats(items), nil
}

func computeStats(items []*Notification) *Stats {
	s := &Stats{}
	var total float64
	var responded int
	for _, n := range items {
		s.Total++
		if n.SentAt != nil {
			s.Sent++
		}
		switch n.Status {
		case StatusPermanentlyFailed:
			s.Failed++
		case StatusPending, StatusFailed:
			s.Pending++
		}
		if n.AcknowledgedAt != nil {
			s.Acknowledged++
			if n.SentAt != nil {
				total += n.AcknowledgedAt.Sub(*n.SentAt).Minutes()
				responded++
			}
		}
	}
	if responded > 0 {
		avg := total / float64(responded)
		s.AvgResponseMinutes = &avg
	}
	return s
}
