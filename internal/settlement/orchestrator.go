package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/rampsettle/internal/appeals"
	"github.com/mbd888/rampsettle/internal/escrow"
	"github.com/mbd888/rampsettle/internal/logging"
	"github.com/mbd888/rampsettle/internal/metrics"
	"github.com/mbd888/rampsettle/internal/notify"
	"github.com/mbd888/rampsettle/internal/orders"
	"github.com/mbd888/rampsettle/internal/traces"
)

// DefaultDecodeTimeout bounds a single node decode, retries included.
const DefaultDecodeTimeout = 30 * time.Second

// Orchestrator verifies submitted escrow transactions and settles orders.
type Orchestrator struct {
	store     Store
	contracts escrow.Store
	orders    *orders.Service
	ledger    *orders.Ledger
	verifier  *escrow.Verifier
	node      NodeQuery
	subs      escrow.SubscriptionManager
	sink      notify.Sink
	timeout   time.Duration
	cooldown  time.Duration
	logger    *slog.Logger
}

// NewOrchestrator creates a settlement orchestrator.
func NewOrchestrator(store Store, contracts escrow.Store, orderSvc *orders.Service, verifier *escrow.Verifier, node NodeQuery) *Orchestrator {
	return &Orchestrator{
		store:     store,
		contracts: contracts,
		orders:    orderSvc,
		ledger:    orderSvc.Ledger(),
		verifier:  verifier,
		node:      node,
		sink:      notify.Discard{},
		timeout:   DefaultDecodeTimeout,
		logger:    slog.Default(),
	}
}

// WithSubscriptions sets the manager notified when a contract is spent.
func (o *Orchestrator) WithSubscriptions(subs escrow.SubscriptionManager) *Orchestrator {
	o.subs = subs
	return o
}

// WithSink sets the notification sink.
func (o *Orchestrator) WithSink(sink notify.Sink) *Orchestrator {
	o.sink = sink
	return o
}

// WithDecodeTimeout bounds node lookups.
func (o *Orchestrator) WithDecodeTimeout(d time.Duration) *Orchestrator {
	o.timeout = d
	return o
}

// WithAppealCooldown sets the cooldown used when the ad snapshot carries none.
func (o *Orchestrator) WithAppealCooldown(d time.Duration) *Orchestrator {
	o.cooldown = d
	return o
}

// WithLogger sets the orchestrator logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger
	return o
}

// Settle decodes txid, verifies it as action for the order's contract and
// settles the order. Resubmitting an already settled txid is a no-op that
// reports AlreadySettled.
func (o *Orchestrator) Settle(ctx context.Context, action escrow.Action, orderID int64, txid string) (*Result, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", escrow.ErrInvalidAction, action)
	}
	txid = strings.TrimSpace(txid)
	if txid == "" {
		return nil, ErrMissingTxID
	}

	ctx = logging.WithOrderID(ctx, orderID)
	ctx, span := traces.StartSpan(ctx, "settlement.Settle",
		traces.OrderID(orderID), traces.Action(string(action)), traces.TxID(txid))
	defer span.End()

	c, err := o.contracts.GetContractByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if c.Address == "" {
		return nil, escrow.ErrContractNotGenerated
	}

	if res, err := o.settledAlready(ctx, c, action, txid); res != nil || err != nil {
		return res, err
	}

	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := checkAwaiting(order, action); err != nil {
		return nil, err
	}

	members, err := o.contracts.ListMembers(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	txn, err := o.decode(ctx, txid)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		metrics.SettlementsTotal.WithLabelValues(string(action), "node_error").Inc()
		return nil, err
	}

	v := o.verifier.Verify(action, escrow.NewExpectation(order, c, members), *txn)
	metrics.VerificationsTotal.WithLabelValues(string(action), verificationOutcome(v.Err)).Inc()
	if !v.OK() {
		span.SetStatus(codes.Error, "verification failed")
		metrics.SettlementsTotal.WithLabelValues(string(action), "unverified").Inc()
		logging.L(ctx).Info("transaction failed verification",
			"action", action, "txid", txid, "reason", v.Reason())
		return nil, v.Err
	}

	res, err := o.HandleVerifiedTransaction(ctx, action, c.ID, txid, v)
	if err == nil {
		metrics.SettlementDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	}
	return res, err
}

// HandleVerifiedTransaction settles the contract's order with a verified
// transaction. A failed verification is returned unchanged and nothing is
// written. A ledger rejection aborts the whole unit of work.
func (o *Orchestrator) HandleVerifiedTransaction(ctx context.Context, action escrow.Action, contractID int64, txid string, v escrow.Verification) (*Result, error) {
	if !v.OK() {
		return nil, v.Err
	}

	c, err := o.contracts.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	ctx, span := traces.StartSpan(ctx, "settlement.HandleVerifiedTransaction",
		traces.OrderID(c.OrderID), traces.ContractID(c.ID), traces.Action(string(action)), traces.TxID(txid))
	defer span.End()

	res := &Result{OrderID: c.OrderID, ContractID: c.ID, Action: action, TxID: txid}
	var (
		ev    *orders.StatusEvent
		order *orders.Order
	)
	err = o.store.WithinOrder(ctx, c.OrderID, func(tx Tx) error {
		existing, err := tx.Escrow().TransactionFor(ctx, c.ID, action)
		switch {
		case err == nil && existing.Valid:
			if existing.TxID != txid {
				return ErrAlreadySettled
			}
			res.AlreadySettled = true
			res.Transaction = existing
			res.Status = tx.Order().CurrentStatus
			return nil
		case err != nil && !errors.Is(err, escrow.ErrTransactionNotFound):
			return err
		}

		ev, err = orders.AppendWithin(ctx, tx, action.TargetStatus(), orders.SystemAutomated, o.ledger.Now())
		if err != nil {
			return err
		}
		res.Status = ev.Status

		if res.Transaction, err = tx.Escrow().FinalizeTransaction(ctx, c.ID, action, txid); err != nil {
			return err
		}
		if res.Recipients, err = tx.Escrow().InsertRecipients(ctx, res.Transaction.ID, v.Outputs); err != nil {
			return err
		}

		switch ev.Status {
		case orders.StatusEscrowed:
			cooldown := tx.Order().Ad.AppealCooldown
			if cooldown <= 0 {
				cooldown = o.cooldown
			}
			if err := tx.SetAppealableAt(ctx, ev.CreatedAt.Add(cooldown)); err != nil {
				return err
			}
		case orders.StatusReleased, orders.StatusRefunded:
			a, err := tx.Appeals().OpenAppeal(ctx, c.OrderID)
			if errors.Is(err, appeals.ErrAppealNotFound) {
				break
			}
			if err != nil {
				return err
			}
			if err := tx.Appeals().ResolveAppeal(ctx, a.ID, ev.CreatedAt); err != nil {
				return err
			}
			at := ev.CreatedAt
			a.ResolvedAt = &at
			res.ResolvedAppeal = a
		}
		order = tx.Order().Clone()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement aborted")
		metrics.SettlementsTotal.WithLabelValues(string(action), settlementFailure(err)).Inc()
		logging.L(ctx).Warn("settlement aborted", "action", action, "txid", txid, "error", err)
		return nil, err
	}

	if res.AlreadySettled {
		if res.Recipients, err = o.contracts.ListRecipients(ctx, res.Transaction.ID); err != nil {
			return nil, err
		}
		metrics.SettlementsTotal.WithLabelValues(string(action), "duplicate").Inc()
		return res, nil
	}

	metrics.SettlementsTotal.WithLabelValues(string(action), "settled").Inc()
	if res.ResolvedAppeal != nil {
		metrics.AppealsTotal.WithLabelValues(string(res.ResolvedAppeal.Type), "resolved").Inc()
	}
	logging.L(ctx).Info("order settled",
		"action", action, "txid", txid, "status", ev.Status, "recipients", len(res.Recipients))

	o.ledger.Notify(ctx, order, *ev)
	o.afterCommit(ctx, c, order, res)
	return res, nil
}

// afterCommit runs the side effects of a committed settlement. Failures are
// logged only.
func (o *Orchestrator) afterCommit(ctx context.Context, c *escrow.Contract, order *orders.Order, res *Result) {
	if res.Status.IsTerminal() && o.subs != nil {
		if err := o.subs.Unsubscribe(ctx, c.Address, c.ID); err != nil {
			logging.L(ctx).Warn("failed to unsubscribe settled contract", "address", c.Address, "error", err)
		}
	}

	roles := orders.ResolveRoles(order)
	recipients := []int64{roles.Seller, roles.Buyer}
	if order.ArbiterID != nil {
		recipients = append(recipients, *order.ArbiterID)
	}
	msg := notify.Message{
		Recipients: recipients,
		Message:    fmt.Sprintf("Order #%d is now %s", order.ID, strings.ToLower(strings.ReplaceAll(string(res.Status), "_", " "))),
		Extra: map[string]any{
			"order_id": order.ID,
			"status":   string(res.Status),
			"txid":     res.TxID,
			"action":   string(res.Action),
		},
	}
	if err := o.sink.Notify(ctx, msg); err != nil {
		metrics.NotificationFailuresTotal.WithLabelValues(o.sink.Name()).Inc()
		logging.L(ctx).Warn("settlement notification failed", "sink", o.sink.Name(), "error", err)
	}
}

// settledAlready answers resubmissions without touching the node.
func (o *Orchestrator) settledAlready(ctx context.Context, c *escrow.Contract, action escrow.Action, txid string) (*Result, error) {
	t, err := o.contracts.GetTransaction(ctx, c.ID, action)
	if errors.Is(err, escrow.ErrTransactionNotFound) || (err == nil && !t.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.TxID != txid {
		return nil, fmt.Errorf("%w: %s already settled by %s", ErrAlreadySettled, action, t.TxID)
	}
	recipients, err := o.contracts.ListRecipients(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	order, err := o.orders.Get(ctx, c.OrderID)
	if err != nil {
		return nil, err
	}
	metrics.SettlementsTotal.WithLabelValues(string(action), "duplicate").Inc()
	return &Result{
		OrderID:        c.OrderID,
		ContractID:     c.ID,
		Action:         action,
		TxID:           txid,
		Status:         order.CurrentStatus,
		Transaction:    t,
		Recipients:     recipients,
		AlreadySettled: true,
	}, nil
}

func (o *Orchestrator) decode(ctx context.Context, txid string) (*escrow.DecodedTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	txn, err := o.node.DecodeTransaction(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", txid, err)
	}
	if txn.TxID == "" {
		txn.TxID = txid
	}
	return txn, nil
}

// checkAwaiting rejects a submission the order is not waiting for before
// the node is consulted. The ledger re-checks inside the transaction.
func checkAwaiting(order *orders.Order, action escrow.Action) error {
	if order.IsCompleted() {
		return &orders.TransitionError{
			Kind:      orders.ErrOrderCompleted,
			OrderID:   order.ID,
			Current:   order.CurrentStatus,
			Attempted: action.TargetStatus(),
		}
	}
	if awaiting, ok := escrow.ActionForPending(order.CurrentStatus); !ok || awaiting != action {
		return &orders.TransitionError{
			Kind:      orders.ErrIllegalTransition,
			OrderID:   order.ID,
			Current:   order.CurrentStatus,
			Attempted: action.TargetStatus(),
		}
	}
	return nil
}

func verificationOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	var verr *escrow.VerificationError
	if errors.As(err, &verr) {
		return strings.ReplaceAll(verr.Code.Error(), " ", "_")
	}
	return "error"
}

func settlementFailure(err error) string {
	switch {
	case errors.Is(err, ErrAlreadySettled):
		return "conflict"
	case errors.Is(err, orders.ErrDuplicateStatus),
		errors.Is(err, orders.ErrOrderCompleted),
		errors.Is(err, orders.ErrIllegalTransition):
		return "rejected"
	}
	return "error"
}
