// Package orders models peer-to-peer trade orders and their status log.
//
// An order's status is an append-only event log. The current status is the
// latest event, materialized on the order row and updated in the same
// transaction as every append.
//
// Flow:
//  1. Order placed → SUBMITTED
//  2. Ad owner accepts → CONFIRMED, arbiter assigned, contract generated
//  3. Seller funds the contract → ESCROW_PENDING → ESCROWED (verified on chain)
//  4. Buyer pays fiat → PAID_PENDING, seller confirms → PAID
//  5. Release transaction verified → RELEASED
//  6. Disputes → APPEALED, arbiter → RELEASE_PENDING / REFUND_PENDING → RELEASED / REFUNDED
package orders

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrUnauthorized   = errors.New("not authorized for this order operation")
	ErrInvalidAmount  = errors.New("invalid trade amount")
	ErrInvalidRequest = errors.New("invalid order request")
)

// SystemAutomated is the creator recorded on statuses appended by the system.
const SystemAutomated = "SYSTEM_AUTOMATED"

// TradeType is the side of the ad an order was placed against.
type TradeType string

const (
	TradeTypeSell TradeType = "SELL"
	TradeTypeBuy  TradeType = "BUY"
)

// AdSnapshot is an immutable copy of the ad terms taken at order creation.
type AdSnapshot struct {
	ID             int64         `json:"id"`
	AdID           int64         `json:"adId"`
	OwnerID        int64         `json:"ownerId"`
	TradeType      TradeType     `json:"tradeType"`
	Price          string        `json:"price"`
	PaymentTypes   []string      `json:"paymentTypes"`
	AppealCooldown time.Duration `json:"appealCooldown"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Order is a trade intent and the aggregate root for its contract, status
// log, transactions and appeal.
type Order struct {
	ID            int64      `json:"id"`
	OwnerID       int64      `json:"ownerId"`
	Ad            AdSnapshot `json:"ad"`
	TradeAmount   int64      `json:"tradeAmount"` // satoshi
	LockedPrice   string     `json:"lockedPrice"`
	ArbiterID     *int64     `json:"arbiterId,omitempty"`
	IsCashIn      bool       `json:"isCashIn"`
	CurrentStatus Status     `json:"currentStatus"`
	AppealableAt  *time.Time `json:"appealableAt,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Ad.PaymentTypes != nil {
		cp.Ad.PaymentTypes = append([]string(nil), o.Ad.PaymentTypes...)
	}
	if o.ArbiterID != nil {
		v := *o.ArbiterID
		cp.ArbiterID = &v
	}
	if o.AppealableAt != nil {
		v := *o.AppealableAt
		cp.AppealableAt = &v
	}
	if o.ExpiresAt != nil {
		v := *o.ExpiresAt
		cp.ExpiresAt = &v
	}
	return &cp
}

// IsCompleted reports whether the order has reached a terminal status.
func (o *Order) IsCompleted() bool {
	return o.CurrentStatus.IsTerminal()
}

// Roles identifies the seller and buyer peers of an order.
type Roles struct {
	Seller int64
	Buyer  int64
}

// ResolveRoles derives seller and buyer from the ad snapshot. For a SELL ad
// the ad owner sells and the order owner buys; BUY ads are the reverse.
func ResolveRoles(o *Order) Roles {
	if o.Ad.TradeType == TradeTypeSell {
		return Roles{Seller: o.Ad.OwnerID, Buyer: o.OwnerID}
	}
	return Roles{Seller: o.OwnerID, Buyer: o.Ad.OwnerID}
}

// IsParty reports whether peerID is the seller or the buyer.
func (r Roles) IsParty(peerID int64) bool {
	return peerID == r.Seller || peerID == r.Buyer
}

// Creator formats a peer ID as a status creator.
func Creator(peerID int64) string {
	return strconv.FormatInt(peerID, 10)
}

// StatusEvent is one immutable entry in an order's status log.
type StatusEvent struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"orderId"`
	Status    Status    `json:"status"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// LedgerTx is the per-order transactional view the ledger appends through.
// Implementations hold an exclusive per-order lock for the lifetime of the
// transaction.
type LedgerTx interface {
	// Order is the locked order as of the start of the transaction, with
	// CurrentStatus tracking appends made through this transaction.
	Order() *Order
	StatusHistory(ctx context.Context) ([]StatusEvent, error)
	InsertStatus(ctx context.Context, ev *StatusEvent) error
	SetAppealableAt(ctx context.Context, at time.Time) error
}

// Store persists orders and their status log.
type Store interface {
	// Create inserts the order, its ad snapshot and first status atomically.
	Create(ctx context.Context, o *Order, first *StatusEvent) error
	Get(ctx context.Context, id int64) (*Order, error)
	History(ctx context.Context, orderID int64) ([]StatusEvent, error)
	SetArbiter(ctx context.Context, orderID, arbiterID int64) error
	ListExpirable(ctx context.Context, before time.Time, statuses []Status, limit int) ([]*Order, error)
	// WithinOrder runs fn under an exclusive per-order transaction. fn's
	// writes are committed only if it returns nil.
	WithinOrder(ctx context.Context, orderID int64, fn func(tx LedgerTx) error) error
}
