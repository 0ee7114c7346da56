package storage

import (
	"errors"
	"sync"

	"github.com/example/delivery-tracking/internal/order"
)

// ErrNotFound is returned when loading an order the store has no row for.
var ErrNotFound = errors.New("order not found")

// OrderStore persists order snapshots and their append-only timelines.
// The in-memory registry stays the runtime source of truth; the store
// is a write-through journal so state survives a broker restart. Rooms
// are deliberately not persisted anywhere - they are rebuilt from
// client re-subscriptions.
type OrderStore interface {
	SaveOrder(s order.Snapshot) error
	AppendEvent(ev order.StatusEvent) error
	LoadOrder(id string) (order.Snapshot, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]order.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]order.Snapshot)}
}

func (m *MemoryStore) SaveOrder(s order.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[s.OrderID] = s
	return nil
}

func (m *MemoryStore) AppendEvent(ev order.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.orders[ev.OrderID]
	if !ok {
		return ErrNotFound
	}
	s.Status = ev.Status
	s.Seq = ev.Seq
	s.Timeline = append(s.Timeline, order.TimelineEntry{
		Status: ev.Status, Timestamp: ev.Timestamp, Actor: ev.Actor, Note: ev.Note,
	})
	m.orders[ev.OrderID] = s
	return nil
}

func (m *MemoryStore) LoadOrder(id string) (order.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.orders[id]
	if !ok {
		return order.Snapshot{}, ErrNotFound
	}
	s.Timeline = append([]order.TimelineEntry(nil), s.Timeline...)
	return s, nil
}
