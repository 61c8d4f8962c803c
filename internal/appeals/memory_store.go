package appeals

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/rampsettle/internal/orders"
)

// MemoryStore is an in-memory appeal store for demo/development mode. It
// shares the order store's per-order transactions.
type MemoryStore struct {
	orders  *orders.MemoryStore
	appeals map[int64]*Appeal // by order ID
	mu      sync.RWMutex
	nextID  atomic.Int64
}

// NewMemoryStore creates a new in-memory appeal store.
func NewMemoryStore(orderStore *orders.MemoryStore) *MemoryStore {
	return &MemoryStore{
		orders:  orderStore,
		appeals: make(map[int64]*Appeal),
	}
}

func (m *MemoryStore) GetByOrder(_ context.Context, orderID int64) (*Appeal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.appeals[orderID]
	if !ok {
		return nil, ErrAppealNotFound
	}
	return a.clone(), nil
}

func (m *MemoryStore) WithinOrder(ctx context.Context, orderID int64, fn func(tx Tx) error) error {
	return m.orders.Within(ctx, orderID, func(tx *orders.MemoryTx) error {
		return fn(&memoryTx{MemoryTx: tx, TxWriter: m.Bind(tx)})
	})
}

// Bind returns a TxWriter whose writes are applied when tx commits.
func (m *MemoryStore) Bind(tx *orders.MemoryTx) TxWriter {
	return &memoryTxWriter{store: m, tx: tx}
}

type memoryTx struct {
	*orders.MemoryTx
	TxWriter
}

type memoryTxWriter struct {
	store   *MemoryStore
	tx      *orders.MemoryTx
	pending *Appeal
}

func (w *memoryTxWriter) OpenAppeal(ctx context.Context, orderID int64) (*Appeal, error) {
	a := w.pending
	if a == nil || a.OrderID != orderID {
		var err error
		if a, err = w.store.GetByOrder(ctx, orderID); err != nil {
			return nil, err
		}
	}
	if !a.IsOpen() {
		return nil, ErrAppealNotFound
	}
	return a.clone(), nil
}

func (w *memoryTxWriter) InsertAppeal(ctx context.Context, a *Appeal) error {
	if _, err := w.store.GetByOrder(ctx, a.OrderID); err == nil || w.pending != nil {
		return ErrAppealExists
	}
	a.ID = w.store.nextID.Add(1)
	w.stage(a.clone())
	return nil
}

func (w *memoryTxWriter) ResolveAppeal(ctx context.Context, appealID int64, at time.Time) error {
	a := w.pending
	if a == nil || a.ID != appealID {
		a = w.store.byID(appealID)
		if a == nil {
			return ErrAppealNotFound
		}
	}
	a = a.clone()
	a.ResolvedAt = &at
	w.stage(a)
	return nil
}

// stage records a as the appeal's post-commit state. Only one appeal per
// order can be touched in a transaction, so the last staged copy wins.
func (w *memoryTxWriter) stage(a *Appeal) {
	first := w.pending == nil
	w.pending = a
	if !first {
		return
	}
	w.tx.OnCommit(func() {
		w.store.mu.Lock()
		w.store.appeals[w.pending.OrderID] = w.pending.clone()
		w.store.mu.Unlock()
	})
}

func (m *MemoryStore) byID(id int64) *Appeal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.appeals {
		if a.ID == id {
			return a.clone()
		}
	}
	return nil
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ Tx       = (*memoryTx)(nil)
	_ TxWriter = (*memoryTxWriter)(nil)
)
