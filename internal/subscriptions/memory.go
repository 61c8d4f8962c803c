package subscriptions

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/rampsettle/internal/metrics"
)

// MemoryRegistry is an in-process registry for demo/development mode.
type MemoryRegistry struct {
	mu   sync.RWMutex
	subs map[string]map[int64]struct{}
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{subs: make(map[string]map[int64]struct{})}
}

func (m *MemoryRegistry) Subscribe(_ context.Context, address string, contractID int64) error {
	k, err := key(address)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[k] == nil {
		m.subs[k] = make(map[int64]struct{})
	}
	m.subs[k][contractID] = struct{}{}
	metrics.WatchedAddresses.Set(float64(len(m.subs)))
	return nil
}

func (m *MemoryRegistry) Unsubscribe(_ context.Context, address string, contractID int64) error {
	k, err := key(address)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ids, ok := m.subs[k]; ok {
		delete(ids, contractID)
		if len(ids) == 0 {
			delete(m.subs, k)
		}
	}
	metrics.WatchedAddresses.Set(float64(len(m.subs)))
	return nil
}

func (m *MemoryRegistry) Contracts(_ context.Context, address string) ([]int64, error) {
	k, err := key(address)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.subs[k]))
	for id := range m.subs[k] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryRegistry) Addresses(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.subs))
	for k := range m.subs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

var _ Registry = (*MemoryRegistry)(nil)
