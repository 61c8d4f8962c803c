package settlement

import (
	"context"

	"github.com/mbd888/rampsettle/internal/appeals"
	"github.com/mbd888/rampsettle/internal/escrow"
	"github.com/mbd888/rampsettle/internal/orders"
)

// MemoryStore composes the in-memory order, escrow and appeal stores into
// one unit of work. Writes land when the order transaction commits.
type MemoryStore struct {
	orders  *orders.MemoryStore
	escrow  *escrow.MemoryStore
	appeals *appeals.MemoryStore
}

// NewMemoryStore creates an in-memory settlement store.
func NewMemoryStore(o *orders.MemoryStore, e *escrow.MemoryStore, a *appeals.MemoryStore) *MemoryStore {
	return &MemoryStore{orders: o, escrow: e, appeals: a}
}

func (m *MemoryStore) WithinOrder(ctx context.Context, orderID int64, fn func(tx Tx) error) error {
	return m.orders.Within(ctx, orderID, func(tx *orders.MemoryTx) error {
		return fn(&memoryTx{
			MemoryTx: tx,
			escrow:   m.escrow.Bind(tx),
			appeals:  m.appeals.Bind(tx),
		})
	})
}

type memoryTx struct {
	*orders.MemoryTx
	escrow  escrow.TxWriter
	appeals appeals.TxWriter
}

func (t *memoryTx) Escrow() escrow.TxWriter   { return t.escrow }
func (t *memoryTx) Appeals() appeals.TxWriter { return t.appeals }

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)
