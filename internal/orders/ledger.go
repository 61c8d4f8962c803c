package orders

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/rampsettle/internal/metrics"
)

// appendOptions tunes a single append.
type appendOptions struct {
	viaAppeal bool
}

// AppendOption configures Append.
type AppendOption func(*appendOptions)

// ViaAppeal marks the append as driven by appeal resolution, unlocking the
// appeal-only edges of the status graph.
func ViaAppeal() AppendOption {
	return func(o *appendOptions) { o.viaAppeal = true }
}

// Observer is told about statuses after they are durably committed.
type Observer interface {
	StatusAppended(ctx context.Context, order *Order, ev StatusEvent)
}

// Ledger appends statuses to order logs, enforcing the status graph.
type Ledger struct {
	store     Store
	now       func() time.Time
	observers []Observer
	logger    *slog.Logger
}

// NewLedger creates a status ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// WithLogger sets the ledger logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// WithClock overrides the time source (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WithObserver registers an observer for committed appends.
func (l *Ledger) WithObserver(o Observer) *Ledger {
	l.observers = append(l.observers, o)
	return l
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Append validates and appends status to the order's log as one atomic
// unit scoped to that order.
func (l *Ledger) Append(ctx context.Context, orderID int64, status Status, createdBy string, opts ...AppendOption) (*StatusEvent, error) {
	var (
		ev    *StatusEvent
		order *Order
	)
	err := l.store.WithinOrder(ctx, orderID, func(tx LedgerTx) error {
		var err error
		ev, err = AppendWithin(ctx, tx, status, createdBy, l.now(), opts...)
		order = tx.Order().Clone()
		return err
	})
	if err != nil {
		return nil, err
	}
	l.Notify(ctx, order, *ev)
	return ev, nil
}

// Notify fans a committed append out to observers. Callers that append
// through AppendWithin inside their own transaction call this after commit.
func (l *Ledger) Notify(ctx context.Context, order *Order, ev StatusEvent) {
	for _, o := range l.observers {
		o.StatusAppended(ctx, order, ev)
	}
}

// History returns the ordered status log of an order.
func (l *Ledger) History(ctx context.Context, orderID int64) ([]StatusEvent, error) {
	return l.store.History(ctx, orderID)
}

// AppendWithin validates and inserts status through an open per-order
// transaction. The event timestamp is forced strictly after the previous
// event so creation order and timestamps never disagree.
func AppendWithin(ctx context.Context, tx LedgerTx, status Status, createdBy string, at time.Time, opts ...AppendOption) (*StatusEvent, error) {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}

	order := tx.Order()
	history, err := tx.StatusHistory(ctx)
	if err != nil {
		return nil, err
	}

	if err := CheckAppend(order.ID, history, status, o.viaAppeal); err != nil {
		if te, ok := err.(*TransitionError); ok {
			metrics.TransitionRejectionsTotal.WithLabelValues(rejectionLabel(te.Kind)).Inc()
		}
		return nil, err
	}

	at = at.UTC().Truncate(time.Microsecond)
	if n := len(history); n > 0 && !at.After(history[n-1].CreatedAt) {
		at = history[n-1].CreatedAt.Add(time.Microsecond)
	}

	ev := &StatusEvent{
		OrderID:   order.ID,
		Status:    status,
		CreatedBy: createdBy,
		CreatedAt: at,
	}
	if err := tx.InsertStatus(ctx, ev); err != nil {
		return nil, err
	}
	metrics.StatusAppendsTotal.WithLabelValues(string(status)).Inc()
	return ev, nil
}

func rejectionLabel(kind error) string {
	switch kind {
	case ErrDuplicateStatus:
		return "duplicate"
	case ErrOrderCompleted:
		return "completed"
	default:
		return "illegal"
	}
}
