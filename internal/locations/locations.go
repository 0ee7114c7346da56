package locations

import (
	"sync"

	"github.com/example/delivery-tracking/internal/models"
)

// Store keeps the most recent known position per rider. History is
// never retained; each upsert replaces the previous value.
type Store interface {
	Upsert(u models.LocationUpdate)
	Latest(riderID string) (models.LocationUpdate, bool)
}

type Memory struct {
	mu     sync.RWMutex
	riders map[string]models.LocationUpdate
}

func NewMemory() *Memory {
	return &Memory{riders: make(map[string]models.LocationUpdate)}
}

func (m *Memory) Upsert(u models.LocationUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.riders[u.RiderID]; ok && u.Timestamp.Before(prev.Timestamp) {
		return
	}
	m.riders[u.RiderID] = u
}

func (m *Memory) Latest(riderID string) (models.LocationUpdate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.riders[riderID]
	return u, ok
}
