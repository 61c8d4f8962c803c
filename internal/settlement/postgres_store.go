package settlement

import (
	"context"

	"github.com/mbd888/rampsettle/internal/appeals"
	"github.com/mbd888/rampsettle/internal/escrow"
	"github.com/mbd888/rampsettle/internal/orders"
)

// PostgresStore runs settlements in one database transaction holding the
// order row lock.
type PostgresStore struct {
	orders  *orders.PostgresStore
	escrow  *escrow.PostgresStore
	appeals *appeals.PostgresStore
}

// NewPostgresStore creates a PostgreSQL-backed settlement store.
func NewPostgresStore(o *orders.PostgresStore, e *escrow.PostgresStore, a *appeals.PostgresStore) *PostgresStore {
	return &PostgresStore{orders: o, escrow: e, appeals: a}
}

func (p *PostgresStore) WithinOrder(ctx context.Context, orderID int64, fn func(tx Tx) error) error {
	return p.orders.Within(ctx, orderID, func(tx *orders.PostgresTx) error {
		return fn(&postgresTx{
			PostgresTx: tx,
			escrow:     p.escrow.Bind(tx.SQL()),
			appeals:    p.appeals.Bind(tx.SQL()),
		})
	})
}

type postgresTx struct {
	*orders.PostgresTx
	escrow  escrow.TxWriter
	appeals appeals.TxWriter
}

func (t *postgresTx) Escrow() escrow.TxWriter   { return t.escrow }
func (t *postgresTx) Appeals() appeals.TxWriter { return t.appeals }

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*postgresTx)(nil)
)
