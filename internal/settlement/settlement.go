// Package settlement applies verified escrow transactions to orders.
//
// A settlement is one atomic unit per order: the status append, the
// (contract, action) transaction row, its recipients, the appeal cooldown
// stamp and appeal resolution commit together or not at all. Subscription
// removal and notifications follow the commit and never undo it.
package settlement

import (
	"context"
	"errors"

	"github.com/mbd888/rampsettle/internal/appeals"
	"github.com/mbd888/rampsettle/internal/escrow"
	"github.com/mbd888/rampsettle/internal/orders"
)

var (
	ErrAlreadySettled = errors.New("action already settled with a different transaction")
	ErrMissingTxID    = errors.New("txid is required")
)

// NodeQuery resolves a txid to its decoded inputs and outputs.
type NodeQuery interface {
	DecodeTransaction(ctx context.Context, txid string) (*escrow.DecodedTransaction, error)
}

// Tx is the per-order unit of work a settlement runs in.
type Tx interface {
	orders.LedgerTx
	Escrow() escrow.TxWriter
	Appeals() appeals.TxWriter
}

// Store opens settlement units of work.
type Store interface {
	WithinOrder(ctx context.Context, orderID int64, fn func(tx Tx) error) error
}

// Result describes a settlement outcome.
type Result struct {
	OrderID        int64               `json:"orderId"`
	ContractID     int64               `json:"contractId"`
	Action         escrow.Action       `json:"action"`
	TxID           string              `json:"txid"`
	Status         orders.Status       `json:"status"`
	Transaction    *escrow.Transaction `json:"transaction"`
	Recipients     []escrow.Recipient  `json:"recipients"`
	AlreadySettled bool                `json:"alreadySettled"`
	ResolvedAppeal *appeals.Appeal     `json:"resolvedAppeal,omitempty"`
}
