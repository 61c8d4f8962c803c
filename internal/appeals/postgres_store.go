package appeals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/rampsettle/internal/orders"
)

// PostgresStore persists appeals in PostgreSQL, sharing the order store's
// row-locked transactions.
type PostgresStore struct {
	db     *sql.DB
	orders *orders.PostgresStore
}

// NewPostgresStore creates a new PostgreSQL-backed appeal store.
func NewPostgresStore(db *sql.DB, orderStore *orders.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, orders: orderStore}
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID int64) (*Appeal, error) {
	return getByOrder(ctx, p.db, orderID)
}

func (p *PostgresStore) WithinOrder(ctx context.Context, orderID int64, fn func(tx Tx) error) error {
	return p.orders.Within(ctx, orderID, func(tx *orders.PostgresTx) error {
		return fn(&postgresTx{PostgresTx: tx, TxWriter: p.Bind(tx.SQL())})
	})
}

// Bind returns a TxWriter over an open transaction.
func (p *PostgresStore) Bind(tx *sql.Tx) TxWriter {
	return &postgresTxWriter{tx: tx}
}

type postgresTx struct {
	*orders.PostgresTx
	TxWriter
}

type postgresTxWriter struct {
	tx *sql.Tx
}

func (w *postgresTxWriter) OpenAppeal(ctx context.Context, orderID int64) (*Appeal, error) {
	a, err := getByOrder(ctx, w.tx, orderID)
	if err != nil {
		return nil, err
	}
	if !a.IsOpen() {
		return nil, ErrAppealNotFound
	}
	return a, nil
}

func (w *postgresTxWriter) InsertAppeal(ctx context.Context, a *Appeal) error {
	err := w.tx.QueryRowContext(ctx, `
		INSERT INTO appeals (order_id, owner_id, type, reasons, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		a.OrderID, a.OwnerID, string(a.Type), pq.Array(a.Reasons), a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAppealExists
		}
		return fmt.Errorf("failed to insert appeal: %w", err)
	}
	return nil
}

func (w *postgresTxWriter) ResolveAppeal(ctx context.Context, appealID int64, at time.Time) error {
	result, err := w.tx.ExecContext(ctx,
		`UPDATE appeals SET resolved_at = $1 WHERE id = $2 AND resolved_at IS NULL`, at, appealID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAppealNotFound
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getByOrder(ctx context.Context, q queryRower, orderID int64) (*Appeal, error) {
	a := &Appeal{}
	var (
		kind       string
		reasons    pq.StringArray
		resolvedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, order_id, owner_id, type, reasons, resolved_at, created_at
		FROM appeals WHERE order_id = $1`, orderID,
	).Scan(&a.ID, &a.OrderID, &a.OwnerID, &kind, &reasons, &resolvedAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAppealNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Type = Type(kind)
	a.Reasons = []string(reasons)
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	return a, nil
}

var (
	_ Store    = (*PostgresStore)(nil)
	_ Tx       = (*postgresTx)(nil)
	_ TxWriter = (*postgresTxWriter)(nil)
)
