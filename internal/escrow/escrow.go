// Package escrow manages the on-chain escrow contract bound to an order and
// verifies the blockchain transactions that fund, release or refund it.
//
// Flow:
//  1. Order CONFIRMED, arbiter chosen → contract generated, fees frozen
//  2. Seller funds the address → ESCROW transaction verified → ESCROWED
//  3. Contract spent to the buyer → RELEASE transaction verified → RELEASED
//  4. Contract spent back to the seller → REFUND transaction verified → REFUNDED
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/rampsettle/internal/fees"
	"github.com/mbd888/rampsettle/internal/orders"
)

var (
	ErrContractNotFound     = errors.New("contract not found")
	ErrContractNotGenerated = errors.New("contract address not generated")
	ErrContractFunding      = errors.New("contract is being funded and cannot be regenerated")
	ErrConcurrentGeneration = errors.New("contract regenerated concurrently")
	ErrTransactionNotFound  = errors.New("escrow transaction not found")
	ErrInvalidAction        = errors.New("invalid escrow action")
	ErrInvalidMember        = errors.New("invalid contract member")
	ErrInvalidStatus        = errors.New("invalid order status for this operation")
	ErrGeneratorFailed      = errors.New("contract generator failed")
	ErrTxIDInUse            = errors.New("txid already recorded for another escrow transaction")
)

// Action is the purpose of an escrow transaction.
type Action string

const (
	ActionEscrow  Action = "ESCROW"
	ActionRelease Action = "RELEASE"
	ActionRefund  Action = "REFUND"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionEscrow, ActionRelease, ActionRefund:
		return true
	}
	return false
}

// TargetStatus is the order status a verified transaction of this action
// settles the order into.
func (a Action) TargetStatus() orders.Status {
	switch a {
	case ActionEscrow:
		return orders.StatusEscrowed
	case ActionRelease:
		return orders.StatusReleased
	case ActionRefund:
		return orders.StatusRefunded
	}
	return ""
}

// ActionForPending maps a pending order status to the transaction the order
// is waiting on.
func ActionForPending(s orders.Status) (Action, bool) {
	switch s {
	case orders.StatusEscrowPending:
		return ActionEscrow, true
	case orders.StatusPaid, orders.StatusReleasePending:
		return ActionRelease, true
	case orders.StatusRefundPending:
		return ActionRefund, true
	}
	return "", false
}

// MemberType is a party's role in the contract script.
type MemberType string

const (
	MemberArbiter MemberType = "ARBITER"
	MemberSeller  MemberType = "SELLER"
	MemberBuyer   MemberType = "BUYER"
)

// Contract is the escrow locking script metadata bound 1:1 to an order.
// Fees are frozen when the contract is first created.
type Contract struct {
	ID             int64     `json:"id"`
	OrderID        int64     `json:"orderId"`
	Address        string    `json:"address,omitempty"`
	Version        string    `json:"version"`
	ArbitrationFee int64     `json:"arbitrationFee"`
	ServiceFee     int64     `json:"serviceFee"`
	ContractFee    int64     `json:"contractFee"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Fees returns the frozen fee breakdown.
func (c *Contract) Fees() fees.Breakdown {
	return fees.Breakdown{
		ContractFee:    c.ContractFee,
		ArbitrationFee: c.ArbitrationFee,
		ServiceFee:     c.ServiceFee,
	}
}

// ContractMember is one party's key material in the contract.
type ContractMember struct {
	ContractID  int64      `json:"contractId"`
	MemberType  MemberType `json:"memberType"`
	PeerID      int64      `json:"peerId"`
	PubKey      string     `json:"pubkey"`
	Address     string     `json:"address"`
	AddressPath string     `json:"addressPath,omitempty"`
}

// Transaction tracks the single on-chain transaction for (contract, action).
// TxID is set and Valid flipped only after verification succeeds.
type Transaction struct {
	ID         int64     `json:"id"`
	ContractID int64     `json:"contractId"`
	Action     Action    `json:"action"`
	TxID       string    `json:"txid,omitempty"`
	Valid      bool      `json:"valid"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Recipient is a verified transaction output kept for audit.
type Recipient struct {
	ID            int64  `json:"id"`
	TransactionID int64  `json:"transactionId"`
	OutputIndex   int    `json:"outputIndex"`
	Address       string `json:"address"`
	Value         int64  `json:"value"`
}

// TxIO is a decoded transaction input or output. Value is in satoshi.
type TxIO struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
}

// DecodedTransaction is a node's view of a transaction. Inputs carry the
// address and value of the outputs they spend.
type DecodedTransaction struct {
	TxID          string `json:"txid"`
	Valid         bool   `json:"valid"`
	Confirmations int64  `json:"confirmations"`
	Inputs        []TxIO `json:"inputs"`
	Outputs       []TxIO `json:"outputs"`
	Error         string `json:"error,omitempty"`
}

// Store persists contracts, members, transactions and recipients.
type Store interface {
	// EnsureContract inserts c unless the order already has a contract, in
	// which case the existing one is returned with created=false.
	EnsureContract(ctx context.Context, c *Contract) (contract *Contract, created bool, err error)
	GetContract(ctx context.Context, id int64) (*Contract, error)
	GetContractByOrder(ctx context.Context, orderID int64) (*Contract, error)
	GetContractByAddress(ctx context.Context, address string) (*Contract, error)
	ListMembers(ctx context.Context, contractID int64) ([]ContractMember, error)
	// SaveGeneration swaps the contract address from prevAddress to address
	// and upserts members. It fails with ErrConcurrentGeneration when the
	// stored address is no longer prevAddress.
	SaveGeneration(ctx context.Context, contractID int64, prevAddress, address string, members []ContractMember) error
	// OpenTransaction creates the placeholder for (contract, action) if it
	// does not exist yet.
	OpenTransaction(ctx context.Context, contractID int64, action Action) (*Transaction, error)
	GetTransaction(ctx context.Context, contractID int64, action Action) (*Transaction, error)
	ListRecipients(ctx context.Context, transactionID int64) ([]Recipient, error)
}

// TxWriter is the escrow slice of a settlement unit of work.
type TxWriter interface {
	// TransactionFor returns the (contract, action) transaction or
	// ErrTransactionNotFound.
	TransactionFor(ctx context.Context, contractID int64, action Action) (*Transaction, error)
	// FinalizeTransaction upserts the (contract, action) row with txid and
	// valid=true.
	FinalizeTransaction(ctx context.Context, contractID int64, action Action, txid string) (*Transaction, error)
	InsertRecipients(ctx context.Context, transactionID int64, outputs []TxIO) ([]Recipient, error)
}

// GenerateParams are the inputs of the external contract script.
type GenerateParams struct {
	ArbiterPubKey  string
	SellerPubKey   string
	BuyerPubKey    string
	ServiceFee     int64
	ArbitrationFee int64
}

// Generator derives a contract address from member keys and fees.
type Generator interface {
	Generate(ctx context.Context, p GenerateParams) (address string, err error)
}

// SubscriptionManager tracks which addresses trigger inbound verification.
type SubscriptionManager interface {
	Subscribe(ctx context.Context, address string, contractID int64) error
	Unsubscribe(ctx context.Context, address string, contractID int64) error
}
