package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders and status logs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the handle so sibling stores can share transactions.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Create(ctx context.Context, o *Order, first *StatusEvent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO ad_snapshots (ad_id, owner_id, trade_type, price, payment_types, appeal_cooldown_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, created_at`,
		o.Ad.AdID, o.Ad.OwnerID, string(o.Ad.TradeType), o.Ad.Price,
		pq.Array(o.Ad.PaymentTypes), int64(o.Ad.AppealCooldown/time.Second),
	).Scan(&o.Ad.ID, &o.Ad.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ad snapshot: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (
			owner_id, ad_snapshot_id, trade_amount, locked_price, arbiter_id,
			is_cash_in, current_status, appealable_at, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id`,
		o.OwnerID, o.Ad.ID, o.TradeAmount, o.LockedPrice, nullInt64(o.ArbiterID),
		o.IsCashIn, string(first.Status), nullTime(o.AppealableAt), nullTime(o.ExpiresAt), o.CreatedAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	o.CurrentStatus = first.Status

	first.OrderID = o.ID
	if err := insertStatus(ctx, tx, first); err != nil {
		return err
	}
	return tx.Commit()
}

const orderColumns = `o.id, o.owner_id, o.trade_amount, o.locked_price, o.arbiter_id,
		o.is_cash_in, o.current_status, o.appealable_at, o.expires_at, o.created_at, o.updated_at,
		a.id, a.ad_id, a.owner_id, a.trade_type, a.price, a.payment_types,
		a.appeal_cooldown_seconds, a.created_at`

const orderFrom = ` FROM orders o JOIN ad_snapshots a ON a.id = o.ad_snapshot_id`

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+orderFrom+` WHERE o.id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) History(ctx context.Context, orderID int64) ([]StatusEvent, error) {
	return queryHistory(ctx, p.db, orderID)
}

func (p *PostgresStore) SetArbiter(ctx context.Context, orderID, arbiterID int64) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE orders SET arbiter_id = $1, updated_at = NOW() WHERE id = $2`, arbiterID, orderID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) ListExpirable(ctx context.Context, before time.Time, statuses []Status, limit int) ([]*Order, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+orderColumns+orderFrom+`
		WHERE o.current_status = ANY($1)
		  AND o.expires_at IS NOT NULL
		  AND o.expires_at < $2
		ORDER BY o.expires_at
		LIMIT $3`, pq.Array(names), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) WithinOrder(ctx context.Context, orderID int64, fn func(tx LedgerTx) error) error {
	return p.Within(ctx, orderID, func(tx *PostgresTx) error { return fn(tx) })
}

// Within opens a transaction, locks the order row with SELECT ... FOR UPDATE
// and runs fn. Concurrent appends to the same order queue on the row lock;
// the unique (order_id, status) index backs the singleton rule.
func (p *PostgresStore) Within(ctx context.Context, orderID int64, fn func(tx *PostgresTx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+orderFrom+` WHERE o.id = $1 FOR UPDATE OF o`, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}

	if err := fn(&PostgresTx{tx: tx, order: order}); err != nil {
		return err
	}
	return tx.Commit()
}

// PostgresTx is the LedgerTx over an open *sql.Tx holding the order row lock.
type PostgresTx struct {
	tx    *sql.Tx
	order *Order
}

// SQL exposes the underlying transaction for sibling stores.
func (t *PostgresTx) SQL() *sql.Tx { return t.tx }

func (t *PostgresTx) Order() *Order { return t.order }

func (t *PostgresTx) StatusHistory(ctx context.Context) ([]StatusEvent, error) {
	return queryHistory(ctx, t.tx, t.order.ID)
}

func (t *PostgresTx) InsertStatus(ctx context.Context, ev *StatusEvent) error {
	if err := insertStatus(ctx, t.tx, ev); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return &TransitionError{
				Kind:      ErrDuplicateStatus,
				OrderID:   t.order.ID,
				Current:   t.order.CurrentStatus,
				Attempted: ev.Status,
			}
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET current_status = $1, updated_at = NOW() WHERE id = $2`,
		string(ev.Status), t.order.ID); err != nil {
		return fmt.Errorf("failed to update current status: %w", err)
	}
	t.order.CurrentStatus = ev.Status
	return nil
}

func (t *PostgresTx) SetAppealableAt(ctx context.Context, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET appealable_at = $1, updated_at = NOW() WHERE id = $2`, at, t.order.ID); err != nil {
		return err
	}
	t.order.AppealableAt = &at
	return nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertStatus(ctx context.Context, q execQuerier, ev *StatusEvent) error {
	return q.QueryRowContext(ctx, `
		INSERT INTO order_statuses (order_id, status, created_by, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		ev.OrderID, string(ev.Status), nullString(ev.CreatedBy), ev.CreatedAt,
	).Scan(&ev.ID)
}

func queryHistory(ctx context.Context, q execQuerier, orderID int64) ([]StatusEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, status, created_by, created_at
		FROM order_statuses
		WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []StatusEvent
	for rows.Next() {
		var (
			ev        StatusEvent
			status    string
			createdBy sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.OrderID, &status, &createdBy, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Status = Status(status)
		ev.CreatedBy = createdBy.String
		result = append(result, ev)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		arbiterID    sql.NullInt64
		status       string
		appealableAt sql.NullTime
		expiresAt    sql.NullTime
		tradeType    string
		paymentTypes pq.StringArray
		cooldownSecs int64
	)
	err := s.Scan(
		&o.ID, &o.OwnerID, &o.TradeAmount, &o.LockedPrice, &arbiterID,
		&o.IsCashIn, &status, &appealableAt, &expiresAt, &o.CreatedAt, &o.UpdatedAt,
		&o.Ad.ID, &o.Ad.AdID, &o.Ad.OwnerID, &tradeType, &o.Ad.Price, &paymentTypes,
		&cooldownSecs, &o.Ad.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.CurrentStatus = Status(status)
	o.Ad.TradeType = TradeType(tradeType)
	o.Ad.PaymentTypes = []string(paymentTypes)
	o.Ad.AppealCooldown = time.Duration(cooldownSecs) * time.Second
	if arbiterID.Valid {
		o.ArbiterID = &arbiterID.Int64
	}
	if appealableAt.Valid {
		o.AppealableAt = &appealableAt.Time
	}
	if expiresAt.Valid {
		o.ExpiresAt = &expiresAt.Time
	}
	return o, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// Compile-time assertions.
var (
	_ Store    = (*PostgresStore)(nil)
	_ LedgerTx = (*PostgresTx)(nil)
)
