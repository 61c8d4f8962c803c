package fees

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory schedule store for demo/development mode.
type MemoryStore struct {
	schedules map[Category]Schedule
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory schedule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[Category]Schedule)}
}

func (m *MemoryStore) Get(_ context.Context, category Category) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[category]
	if !ok {
		return nil, ErrFeeScheduleMissing
	}
	return &s, nil
}

func (m *MemoryStore) Put(_ context.Context, schedule *Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *schedule
	s.UpdatedAt = time.Now()
	m.schedules[s.Category] = s
	return nil
}

var _ ScheduleStore = (*MemoryStore)(nil)
