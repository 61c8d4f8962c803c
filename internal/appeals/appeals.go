// Package appeals handles disputes escalated by a trade party and the
// assigned arbiter's decision on them.
//
// Filing an appeal appends APPEALED to the order and records the appeal in
// one transaction. The arbiter then drives the order to RELEASE_PENDING or
// REFUND_PENDING; the appeal is resolved when settlement reaches RELEASED or
// REFUNDED.
package appeals

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/rampsettle/internal/orders"
)

var (
	ErrAppealNotFound = errors.New("appeal not found")
	ErrAppealExists   = errors.New("order already has an open appeal")
	ErrNotAppealable  = errors.New("order is not appealable in its current status")
	ErrCooldown       = errors.New("appeal cooldown has not elapsed")
	ErrUnauthorized   = errors.New("not authorized for this appeal operation")
	ErrInvalidType    = errors.New("invalid appeal type")
)

// Type is the outcome an appeal asks for.
type Type string

const (
	TypeRelease Type = "RELEASE"
	TypeRefund  Type = "REFUND"
)

// Valid reports whether t is a known appeal type.
func (t Type) Valid() bool {
	return t == TypeRelease || t == TypeRefund
}

// PendingStatus is the order status an arbiter decision for t moves to.
func (t Type) PendingStatus() orders.Status {
	if t == TypeRelease {
		return orders.StatusReleasePending
	}
	return orders.StatusRefundPending
}

// Appeal is a dispute filed by a trade party.
type Appeal struct {
	ID         int64      `json:"id"`
	OrderID    int64      `json:"orderId"`
	OwnerID    int64      `json:"ownerId"`
	Type       Type       `json:"type"`
	Reasons    []string   `json:"reasons"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// IsOpen reports whether the appeal is still unresolved.
func (a *Appeal) IsOpen() bool {
	return a.ResolvedAt == nil
}

func (a *Appeal) clone() *Appeal {
	cp := *a
	cp.Reasons = append([]string(nil), a.Reasons...)
	if a.ResolvedAt != nil {
		at := *a.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

// TxWriter is the appeals slice of a per-order unit of work.
type TxWriter interface {
	// OpenAppeal returns the order's unresolved appeal or ErrAppealNotFound.
	OpenAppeal(ctx context.Context, orderID int64) (*Appeal, error)
	InsertAppeal(ctx context.Context, a *Appeal) error
	ResolveAppeal(ctx context.Context, appealID int64, at time.Time) error
}

// Tx is a per-order transaction spanning the status log and appeals.
type Tx interface {
	orders.LedgerTx
	TxWriter
}

// Store persists appeals.
type Store interface {
	GetByOrder(ctx context.Context, orderID int64) (*Appeal, error)
	// WithinOrder runs fn under the order's exclusive transaction.
	WithinOrder(ctx context.Context, orderID int64, fn func(tx Tx) error) error
}
