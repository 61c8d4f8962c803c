package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/rampsettle/internal/metrics"
)

// expirableStatuses are the statuses an order may be expired from. Once the
// seller starts funding the contract the order is no longer swept.
var expirableStatuses = []Status{StatusSubmitted, StatusConfirmed}

const sweepBatch = 100

// Timer periodically cancels orders that passed their expiry unfunded.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new order expiry timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in order expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep cancels every expirable order whose expiry is in the past and
// returns how many were canceled. Orders that moved on concurrently are
// rejected by the ledger and skipped.
func (t *Timer) Sweep(ctx context.Context) int {
	now := t.service.ledger.Now()
	expired, err := t.store.ListExpirable(ctx, now, expirableStatuses, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list expirable orders", "error", err)
		return 0
	}

	canceled := 0
	for _, o := range expired {
		if _, err := t.service.Expire(ctx, o.ID); err != nil {
			var te *TransitionError
			if errors.As(err, &te) {
				t.logger.Debug("skipping order that moved on before expiry",
					"orderId", o.ID, "current", te.Current)
				continue
			}
			t.logger.Warn("failed to expire order", "orderId", o.ID, "error", err)
			continue
		}
		canceled++
		metrics.OrdersExpiredTotal.Inc()
		t.logger.Info("expired order",
			"orderId", o.ID, "status", o.CurrentStatus, "expiresAt", o.ExpiresAt)
	}
	return canceled
}
