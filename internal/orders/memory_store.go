package orders

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/rampsettle/internal/syncutil"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders   map[int64]*Order
	statuses map[int64][]StatusEvent
	mu       sync.RWMutex
	locks    *syncutil.KeyedMutex

	nextOrderID  atomic.Int64
	nextAdID     atomic.Int64
	nextStatusID atomic.Int64
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[int64]*Order),
		statuses: make(map[int64][]StatusEvent),
		locks:    syncutil.NewKeyedMutex(),
	}
}

func (m *MemoryStore) Create(_ context.Context, o *Order, first *StatusEvent) error {
	o.ID = m.nextOrderID.Add(1)
	o.Ad.ID = m.nextAdID.Add(1)
	first.ID = m.nextStatusID.Add(1)
	first.OrderID = o.ID
	o.CurrentStatus = first.Status

	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	m.statuses[o.ID] = []StatusEvent{*first}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) History(_ context.Context, orderID int64) ([]StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.orders[orderID]; !ok {
		return nil, ErrOrderNotFound
	}
	return append([]StatusEvent(nil), m.statuses[orderID]...), nil
}

func (m *MemoryStore) SetArbiter(_ context.Context, orderID, arbiterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.ArbiterID = &arbiterID
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, before time.Time, statuses []Status, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.ExpiresAt == nil || !o.ExpiresAt.Before(before) || !containsStatus(statuses, o.CurrentStatus) {
			continue
		}
		result = append(result, o.Clone())
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) WithinOrder(ctx context.Context, orderID int64, fn func(tx LedgerTx) error) error {
	return m.Within(ctx, orderID, func(tx *MemoryTx) error { return fn(tx) })
}

// Within runs fn holding the order's lock. Writes buffered on the MemoryTx,
// including OnCommit hooks registered by other stores, are applied only when
// fn returns nil.
func (m *MemoryStore) Within(ctx context.Context, orderID int64, fn func(tx *MemoryTx) error) error {
	unlock, err := m.locks.Lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	order, err := m.Get(ctx, orderID)
	if err != nil {
		return err
	}

	tx := &MemoryTx{store: m, order: order}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	stored := m.orders[orderID]
	if len(tx.pending) > 0 {
		m.statuses[orderID] = append(m.statuses[orderID], tx.pending...)
		stored.CurrentStatus = tx.pending[len(tx.pending)-1].Status
		stored.UpdatedAt = time.Now()
	}
	if tx.appealableAt != nil {
		at := *tx.appealableAt
		stored.AppealableAt = &at
	}
	m.mu.Unlock()

	for _, hook := range tx.onCommit {
		hook()
	}
	return nil
}

// MemoryTx buffers writes for one Within call.
type MemoryTx struct {
	store        *MemoryStore
	order        *Order
	pending      []StatusEvent
	appealableAt *time.Time
	onCommit     []func()
}

func (tx *MemoryTx) Order() *Order { return tx.order }

func (tx *MemoryTx) StatusHistory(ctx context.Context) ([]StatusEvent, error) {
	history, err := tx.store.History(ctx, tx.order.ID)
	if err != nil {
		return nil, err
	}
	return append(history, tx.pending...), nil
}

func (tx *MemoryTx) InsertStatus(_ context.Context, ev *StatusEvent) error {
	ev.ID = tx.store.nextStatusID.Add(1)
	tx.pending = append(tx.pending, *ev)
	tx.order.CurrentStatus = ev.Status
	return nil
}

func (tx *MemoryTx) SetAppealableAt(_ context.Context, at time.Time) error {
	tx.appealableAt = &at
	tx.order.AppealableAt = &at
	return nil
}

// OnCommit registers fn to run after the transaction's own writes are
// applied, while the order lock is still held.
func (tx *MemoryTx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ LedgerTx = (*MemoryTx)(nil)
)
