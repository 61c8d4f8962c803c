package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists escrow contracts and transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contractColumns = `id, order_id, address, version, arbitration_fee, service_fee, contract_fee, created_at, updated_at`

func (p *PostgresStore) EnsureContract(ctx context.Context, c *Contract) (*Contract, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO contracts (order_id, address, version, arbitration_fee, service_fee, contract_fee, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (order_id) DO NOTHING
		RETURNING `+contractColumns,
		c.OrderID, nullString(c.Address), c.Version, c.ArbitrationFee, c.ServiceFee, c.ContractFee,
	)
	created, err := scanContract(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert contract: %w", err)
	}
	existing, err := p.GetContractByOrder(ctx, c.OrderID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *PostgresStore) GetContract(ctx context.Context, id int64) (*Contract, error) {
	return p.getContract(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
}

func (p *PostgresStore) GetContractByOrder(ctx context.Context, orderID int64) (*Contract, error) {
	return p.getContract(ctx, `SELECT `+contractColumns+` FROM contracts WHERE order_id = $1`, orderID)
}

func (p *PostgresStore) GetContractByAddress(ctx context.Context, address string) (*Contract, error) {
	// Addresses are stored as generated; compare without the network prefix.
	return p.getContract(ctx, `SELECT `+contractColumns+` FROM contracts
		WHERE LOWER(REGEXP_REPLACE(address, '^[A-Za-z]+:', '')) = $1`, NormalizeAddress(address))
}

func (p *PostgresStore) getContract(ctx context.Context, query string, arg interface{}) (*Contract, error) {
	c, err := scanContract(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContractNotFound
	}
	return c, err
}

func (p *PostgresStore) ListMembers(ctx context.Context, contractID int64) ([]ContractMember, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT contract_id, member_type, peer_id, pubkey, address, address_path
		FROM contract_members
		WHERE contract_id = $1
		ORDER BY id`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []ContractMember
	for rows.Next() {
		var (
			m    ContractMember
			kind string
		)
		if err := rows.Scan(&m.ContractID, &kind, &m.PeerID, &m.PubKey, &m.Address, &m.AddressPath); err != nil {
			return nil, err
		}
		m.MemberType = MemberType(kind)
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SaveGeneration(ctx context.Context, contractID int64, prevAddress, address string, members []ContractMember) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE contracts SET address = $1, updated_at = NOW()
		WHERE id = $2 AND address IS NOT DISTINCT FROM $3`,
		address, contractID, nullString(prevAddress))
	if err != nil {
		return fmt.Errorf("failed to update contract address: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.GetContract(ctx, contractID); err != nil {
			return err
		}
		return ErrConcurrentGeneration
	}

	for _, m := range members {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO contract_members (contract_id, member_type, peer_id, pubkey, address, address_path)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (contract_id, member_type) DO UPDATE SET
				peer_id      = EXCLUDED.peer_id,
				pubkey       = EXCLUDED.pubkey,
				address      = EXCLUDED.address,
				address_path = EXCLUDED.address_path`,
			contractID, string(m.MemberType), m.PeerID, m.PubKey, m.Address, m.AddressPath)
		if err != nil {
			return fmt.Errorf("failed to upsert %s member: %w", m.MemberType, err)
		}
	}
	return tx.Commit()
}

const transactionColumns = `id, contract_id, action, txid, valid, created_at, updated_at`

func (p *PostgresStore) OpenTransaction(ctx context.Context, contractID int64, action Action) (*Transaction, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (contract_id, action, valid, created_at, updated_at)
		VALUES ($1, $2, FALSE, NOW(), NOW())
		ON CONFLICT (contract_id, action) DO NOTHING`,
		contractID, string(action))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return nil, ErrContractNotFound
		}
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}
	return p.GetTransaction(ctx, contractID, action)
}

func (p *PostgresStore) GetTransaction(ctx context.Context, contractID int64, action Action) (*Transaction, error) {
	return getTransaction(ctx, p.db, contractID, action)
}

func (p *PostgresStore) ListRecipients(ctx context.Context, transactionID int64) ([]Recipient, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, output_index, address, value
		FROM recipients
		WHERE transaction_id = $1
		ORDER BY output_index`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.OutputIndex, &r.Address, &r.Value); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Bind returns a TxWriter over an open settlement transaction.
func (p *PostgresStore) Bind(tx *sql.Tx) TxWriter {
	return &postgresTxWriter{tx: tx}
}

type postgresTxWriter struct {
	tx *sql.Tx
}

func (w *postgresTxWriter) TransactionFor(ctx context.Context, contractID int64, action Action) (*Transaction, error) {
	return getTransaction(ctx, w.tx, contractID, action)
}

func (w *postgresTxWriter) FinalizeTransaction(ctx context.Context, contractID int64, action Action, txid string) (*Transaction, error) {
	row := w.tx.QueryRowContext(ctx, `
		INSERT INTO transactions (contract_id, action, txid, valid, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, NOW(), NOW())
		ON CONFLICT (contract_id, action) DO UPDATE SET
			txid       = EXCLUDED.txid,
			valid      = TRUE,
			updated_at = NOW()
		RETURNING `+transactionColumns,
		contractID, string(action), txid)
	t, err := scanTransaction(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrTxIDInUse
		}
		return nil, fmt.Errorf("failed to finalize transaction: %w", err)
	}
	return t, nil
}

func (w *postgresTxWriter) InsertRecipients(ctx context.Context, transactionID int64, outputs []TxIO) ([]Recipient, error) {
	result := make([]Recipient, len(outputs))
	for i, out := range outputs {
		r := Recipient{TransactionID: transactionID, OutputIndex: i, Address: out.Address, Value: out.Value}
		err := w.tx.QueryRowContext(ctx, `
			INSERT INTO recipients (transaction_id, output_index, address, value)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			transactionID, i, out.Address, out.Value,
		).Scan(&r.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert recipient %d: %w", i, err)
		}
		result[i] = r
	}
	return result, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getTransaction(ctx context.Context, q queryRower, contractID int64, action Action) (*Transaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE contract_id = $1 AND action = $2`, contractID, string(action)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(s scanner) (*Contract, error) {
	c := &Contract{}
	var address sql.NullString
	err := s.Scan(&c.ID, &c.OrderID, &address, &c.Version,
		&c.ArbitrationFee, &c.ServiceFee, &c.ContractFee, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Address = address.String
	return c, nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		action string
		txid   sql.NullString
	)
	if err := s.Scan(&t.ID, &t.ContractID, &action, &txid, &t.Valid, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Action = Action(action)
	t.TxID = txid.String
	return t, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertions.
var (
	_ Store    = (*PostgresStore)(nil)
	_ TxWriter = (*postgresTxWriter)(nil)
)
