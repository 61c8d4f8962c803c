package orders

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultOrderTTL is how long an order may sit unfunded before the expiry
// sweep cancels it.
const DefaultOrderTTL = time.Hour

// CreateRequest places an order against an ad.
type CreateRequest struct {
	OwnerID     int64         `json:"ownerId"`
	Ad          AdSnapshot    `json:"ad"`
	TradeAmount int64         `json:"tradeAmount"`
	LockedPrice string        `json:"lockedPrice"`
	IsCashIn    bool          `json:"isCashIn"`
	TTL         time.Duration `json:"-"`
}

// Service implements the role-checked order actions on top of the ledger.
type Service struct {
	store  Store
	ledger *Ledger
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a new order service.
func NewService(store Store, ledger *Ledger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		ttl:    DefaultOrderTTL,
		logger: slog.Default(),
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithTTL sets the default order expiry window.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	s.ttl = ttl
	return s
}

// Ledger returns the status ledger the service appends through.
func (s *Service) Ledger() *Ledger { return s.ledger }

// Create places a new order in SUBMITTED.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if req.TradeAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.OwnerID == 0 || req.Ad.OwnerID == 0 {
		return nil, fmt.Errorf("%w: owner and ad owner are required", ErrInvalidRequest)
	}
	if req.OwnerID == req.Ad.OwnerID {
		return nil, fmt.Errorf("%w: cannot trade against own ad", ErrInvalidRequest)
	}
	switch req.Ad.TradeType {
	case TradeTypeSell, TradeTypeBuy:
	default:
		return nil, fmt.Errorf("%w: unknown trade type %q", ErrInvalidRequest, req.Ad.TradeType)
	}
	if strings.TrimSpace(req.LockedPrice) == "" {
		req.LockedPrice = req.Ad.Price
	}
	if req.LockedPrice == "" {
		return nil, fmt.Errorf("%w: price is required", ErrInvalidRequest)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.ledger.Now().UTC().Truncate(time.Microsecond)
	expiresAt := now.Add(ttl)

	o := &Order{
		OwnerID:     req.OwnerID,
		Ad:          req.Ad,
		TradeAmount: req.TradeAmount,
		LockedPrice: req.LockedPrice,
		IsCashIn:    req.IsCashIn,
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	first := &StatusEvent{
		Status:    StatusSubmitted,
		CreatedBy: Creator(req.OwnerID),
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, o, first); err != nil {
		return nil, err
	}

	s.logger.Info("order submitted",
		"orderId", o.ID, "owner", o.OwnerID, "adId", o.Ad.AdID, "amount", o.TradeAmount)
	s.ledger.Notify(ctx, o.Clone(), *first)
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id int64) (*Order, error) {
	return s.store.Get(ctx, id)
}

// Confirm accepts the order on behalf of the ad owner.
func (s *Service) Confirm(ctx context.Context, orderID, peerID int64) (*StatusEvent, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Ad.OwnerID != peerID {
		return nil, ErrUnauthorized
	}
	return s.ledger.Append(ctx, orderID, StatusConfirmed, Creator(peerID))
}

// Cancel withdraws an order that has not been funded yet. Either party may
// cancel while the order is SUBMITTED or CONFIRMED.
func (s *Service) Cancel(ctx context.Context, orderID, peerID int64) (*StatusEvent, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !ResolveRoles(o).IsParty(peerID) {
		return nil, ErrUnauthorized
	}
	if o.CurrentStatus != StatusSubmitted && o.CurrentStatus != StatusConfirmed && !o.IsCompleted() {
		return nil, &TransitionError{
			Kind:      ErrIllegalTransition,
			OrderID:   orderID,
			Current:   o.CurrentStatus,
			Attempted: StatusCanceled,
		}
	}
	return s.ledger.Append(ctx, orderID, StatusCanceled, Creator(peerID))
}

// MarkEscrowPending records that the seller is funding the contract. The
// caller is responsible for checking that a contract address exists.
func (s *Service) MarkEscrowPending(ctx context.Context, orderID, peerID int64) (*StatusEvent, error) {
	if err := s.requireRole(ctx, orderID, peerID, roleSeller); err != nil {
		return nil, err
	}
	return s.ledger.Append(ctx, orderID, StatusEscrowPending, Creator(peerID))
}

// MarkPaidPending records that the buyer sent the fiat payment.
func (s *Service) MarkPaidPending(ctx context.Context, orderID, peerID int64) (*StatusEvent, error) {
	if err := s.requireRole(ctx, orderID, peerID, roleBuyer); err != nil {
		return nil, err
	}
	return s.ledger.Append(ctx, orderID, StatusPaidPending, Creator(peerID))
}

// ConfirmPayment records the seller's acknowledgement of the fiat payment.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, peerID int64) (*StatusEvent, error) {
	if err := s.requireRole(ctx, orderID, peerID, roleSeller); err != nil {
		return nil, err
	}
	return s.ledger.Append(ctx, orderID, StatusPaid, Creator(peerID))
}

// AssignArbiter sets the order's arbiter. Terminal orders are frozen.
func (s *Service) AssignArbiter(ctx context.Context, orderID, arbiterID int64) error {
	if arbiterID == 0 {
		return fmt.Errorf("%w: arbiter is required", ErrInvalidRequest)
	}
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.IsCompleted() {
		return &TransitionError{Kind: ErrOrderCompleted, OrderID: orderID, Current: o.CurrentStatus}
	}
	if ResolveRoles(o).IsParty(arbiterID) {
		return fmt.Errorf("%w: arbiter cannot be a trade party", ErrInvalidRequest)
	}
	return s.store.SetArbiter(ctx, orderID, arbiterID)
}

// SetAppealableAt stamps when the order becomes appealable.
func (s *Service) SetAppealableAt(ctx context.Context, orderID int64, at time.Time) error {
	return s.store.WithinOrder(ctx, orderID, func(tx LedgerTx) error {
		if tx.Order().IsCompleted() {
			return &TransitionError{Kind: ErrOrderCompleted, OrderID: orderID, Current: tx.Order().CurrentStatus}
		}
		return tx.SetAppealableAt(ctx, at.UTC())
	})
}

// Expire cancels an unfunded order on behalf of the system.
func (s *Service) Expire(ctx context.Context, orderID int64) (*StatusEvent, error) {
	return s.ledger.Append(ctx, orderID, StatusCanceled, SystemAutomated)
}

type role int

const (
	roleSeller role = iota
	roleBuyer
)

func (s *Service) requireRole(ctx context.Context, orderID, peerID int64, want role) error {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	r := ResolveRoles(o)
	switch {
	case want == roleSeller && r.Seller == peerID:
		return nil
	case want == roleBuyer && r.Buyer == peerID:
		return nil
	}
	return ErrUnauthorized
}
