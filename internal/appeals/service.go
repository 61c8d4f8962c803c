package appeals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/rampsettle/internal/metrics"
	"github.com/mbd888/rampsettle/internal/orders"
)

// appealableStatuses are the statuses in which funds are escrowed but not
// yet settled.
var appealableStatuses = map[orders.Status]bool{
	orders.StatusEscrowed:    true,
	orders.StatusPaidPending: true,
	orders.StatusPaid:        true,
}

// FileRequest escalates an order to its arbiter.
type FileRequest struct {
	OrderID int64    `json:"orderId"`
	PeerID  int64    `json:"peerId"`
	Type    Type     `json:"type"`
	Reasons []string `json:"reasons"`
}

// Service implements appeal filing and arbiter decisions.
type Service struct {
	store  Store
	ledger *orders.Ledger
	logger *slog.Logger
}

// NewService creates a new appeal service.
func NewService(store Store, ledger *orders.Ledger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		logger: slog.Default(),
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// File records an appeal and moves the order to APPEALED. The buyer may
// only ask for RELEASE and the seller only for REFUND. Unless the order is
// cash-in, the appeal cooldown stamped at escrow time must have elapsed.
func (s *Service) File(ctx context.Context, req FileRequest) (*Appeal, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}
	reasons := make([]string, 0, len(req.Reasons))
	for _, r := range req.Reasons {
		if r = strings.TrimSpace(r); r != "" {
			reasons = append(reasons, r)
		}
	}

	var (
		appeal *Appeal
		ev     *orders.StatusEvent
		order  *orders.Order
	)
	err := s.store.WithinOrder(ctx, req.OrderID, func(tx Tx) error {
		o := tx.Order()
		roles := orders.ResolveRoles(o)
		switch {
		case req.Type == TypeRelease && req.PeerID == roles.Buyer:
		case req.Type == TypeRefund && req.PeerID == roles.Seller:
		default:
			return ErrUnauthorized
		}

		if !appealableStatuses[o.CurrentStatus] {
			return fmt.Errorf("%w: order is %s", ErrNotAppealable, o.CurrentStatus)
		}
		now := s.ledger.Now()
		if !o.IsCashIn {
			if o.AppealableAt == nil {
				return ErrCooldown
			}
			if now.Before(*o.AppealableAt) {
				return fmt.Errorf("%w: appealable at %s", ErrCooldown, o.AppealableAt.UTC().Format(time.RFC3339))
			}
		}
		if _, err := tx.OpenAppeal(ctx, o.ID); err == nil {
			return ErrAppealExists
		} else if !errors.Is(err, ErrAppealNotFound) {
			return err
		}

		var err error
		ev, err = orders.AppendWithin(ctx, tx, orders.StatusAppealed, orders.Creator(req.PeerID), now)
		if err != nil {
			return err
		}
		appeal = &Appeal{
			OrderID:   o.ID,
			OwnerID:   req.PeerID,
			Type:      req.Type,
			Reasons:   reasons,
			CreatedAt: ev.CreatedAt,
		}
		if err := tx.InsertAppeal(ctx, appeal); err != nil {
			return err
		}
		order = o.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.ledger.Notify(ctx, order, *ev)
	metrics.AppealsTotal.WithLabelValues(string(appeal.Type), "filed").Inc()
	s.logger.Info("appeal filed",
		"orderId", appeal.OrderID, "appealId", appeal.ID, "type", appeal.Type, "owner", appeal.OwnerID)
	return appeal, nil
}

// Decide records the assigned arbiter's decision, moving the order to
// RELEASE_PENDING or REFUND_PENDING through the appeal-only edges.
func (s *Service) Decide(ctx context.Context, orderID, arbiterID int64, decision Type) (*orders.StatusEvent, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, decision)
	}

	var (
		ev    *orders.StatusEvent
		order *orders.Order
	)
	err := s.store.WithinOrder(ctx, orderID, func(tx Tx) error {
		o := tx.Order()
		if o.ArbiterID == nil || *o.ArbiterID != arbiterID {
			return ErrUnauthorized
		}
		if _, err := tx.OpenAppeal(ctx, orderID); err != nil {
			return err
		}
		var err error
		ev, err = orders.AppendWithin(ctx, tx, decision.PendingStatus(), orders.Creator(arbiterID), s.ledger.Now(), orders.ViaAppeal())
		order = o.Clone()
		return err
	})
	if err != nil {
		return nil, err
	}

	s.ledger.Notify(ctx, order, *ev)
	metrics.AppealsTotal.WithLabelValues(string(decision), "decided").Inc()
	s.logger.Info("appeal decided", "orderId", orderID, "arbiterId", arbiterID, "decision", decision)
	return ev, nil
}

// Get returns the order's appeal.
func (s *Service) Get(ctx context.Context, orderID int64) (*Appeal, error) {
	return s.store.GetByOrder(ctx, orderID)
}
