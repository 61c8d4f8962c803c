package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rampsettle/internal/escrow"
	"github.com/mbd888/rampsettle/internal/orders"
	"github.com/mbd888/rampsettle/internal/settlement"
	"github.com/mbd888/rampsettle/internal/subscriptions"
)

type settleCall struct {
	action  escrow.Action
	orderID int64
	txid    string
}

type fakeSettler struct {
	mu    sync.Mutex
	calls []settleCall
	err   error
	block chan struct{}
}

func (f *fakeSettler) Settle(_ context.Context, action escrow.Action, orderID int64, txid string) (*settlement.Result, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, settleCall{action, orderID, txid})
	if f.err != nil {
		return nil, f.err
	}
	return &settlement.Result{OrderID: orderID, Action: action, TxID: txid, Status: action.TargetStatus()}, nil
}

func (f *fakeSettler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	orderStore *orders.MemoryStore
	ledger     *orders.Ledger
	orderSvc   *orders.Service
	contracts  *escrow.MemoryStore
	registry   *subscriptions.MemoryRegistry
	settler    *fakeSettler
	dispatcher *Dispatcher
}

func newHarness() *harness {
	h := &harness{
		orderStore: orders.NewMemoryStore(),
		contracts:  escrow.NewMemoryStore(),
		registry:   subscriptions.NewMemoryRegistry(),
		settler:    &fakeSettler{},
	}
	h.ledger = orders.NewLedger(h.orderStore)
	h.orderSvc = orders.NewService(h.orderStore, h.ledger)
	h.dispatcher = NewDispatcher(h.registry, h.contracts, h.orderSvc, h.settler)
	return h
}

// watchedOrder creates an order driven through statuses, with a contract
// at address subscribed in the registry.
func (h *harness) watchedOrder(t *testing.T, address string, statuses ...orders.Status) int64 {
	t.Helper()
	ctx := context.Background()
	o, err := h.orderSvc.Create(ctx, orders.CreateRequest{
		OwnerID: 2, TradeAmount: 1000,
		Ad: orders.AdSnapshot{OwnerID: 1, TradeType: orders.TradeTypeSell, Price: "1"},
	})
	require.NoError(t, err)
	for _, s := range statuses {
		_, err := h.ledger.Append(ctx, o.ID, s, orders.SystemAutomated)
		require.NoError(t, err)
	}
	c, _, err := h.contracts.EnsureContract(ctx, &escrow.Contract{OrderID: o.ID})
	require.NoError(t, err)
	require.NoError(t, h.contracts.SaveGeneration(ctx, c.ID, "", address, nil))
	require.NoError(t, h.registry.Subscribe(ctx, address, c.ID))
	return o.ID
}

func TestNotify_InfersAction(t *testing.T) {
	tests := []struct {
		name     string
		statuses []orders.Status
		want     escrow.Action
	}{
		{"funding", []orders.Status{orders.StatusConfirmed, orders.StatusEscrowPending}, escrow.ActionEscrow},
		{"paid", []orders.Status{orders.StatusConfirmed, orders.StatusEscrowPending, orders.StatusEscrowed,
			orders.StatusPaidPending, orders.StatusPaid}, escrow.ActionRelease},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			orderID := h.watchedOrder(t, "bchtest:pqcontract1", tt.statuses...)

			results, err := h.dispatcher.Notify(context.Background(), "pqcontract1", "tx1")
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, tt.want, results[0].Action)
			assert.Equal(t, orderID, results[0].OrderID)
			assert.Equal(t, "tx1", results[0].TxID)
		})
	}
}

func TestNotify_SkipsOrdersNotAwaiting(t *testing.T) {
	h := newHarness()
	h.watchedOrder(t, "bchtest:pqcontract1", orders.StatusConfirmed, orders.StatusEscrowPending, orders.StatusEscrowed)

	results, err := h.dispatcher.Notify(context.Background(), "bchtest:pqcontract1", "tx1")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, h.settler.callCount())
}

func TestNotify_UnwatchedAddress(t *testing.T) {
	h := newHarness()

	results, err := h.dispatcher.Notify(context.Background(), "bchtest:nobody", "tx1")
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestNotify_RequiresTxID(t *testing.T) {
	h := newHarness()
	_, err := h.dispatcher.Notify(context.Background(), "bchtest:pqcontract1", "")
	assert.ErrorIs(t, err, settlement.ErrMissingTxID)
}

func TestNotify_SurfacesSettlementErrors(t *testing.T) {
	h := newHarness()
	h.settler.err = escrow.ErrAmountMismatch
	h.watchedOrder(t, "bchtest:pqcontract1", orders.StatusConfirmed, orders.StatusEscrowPending)

	_, err := h.dispatcher.Notify(context.Background(), "bchtest:pqcontract1", "tx1")
	assert.ErrorIs(t, err, escrow.ErrAmountMismatch)
}

func TestNotify_DeduplicatesInFlight(t *testing.T) {
	h := newHarness()
	h.settler.block = make(chan struct{})
	h.watchedOrder(t, "bchtest:pqcontract1", orders.StatusConfirmed, orders.StatusEscrowPending)

	done := make(chan error, 1)
	go func() {
		_, err := h.dispatcher.Notify(context.Background(), "bchtest:pqcontract1", "tx1")
		done <- err
	}()

	require.Eventually(t, func() bool {
		h.dispatcher.mu.Lock()
		defer h.dispatcher.mu.Unlock()
		return len(h.dispatcher.inFlight) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := h.dispatcher.Notify(context.Background(), "BCHTEST:PQCONTRACT1", "tx1")
	assert.True(t, errors.Is(err, ErrInFlight))

	close(h.settler.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.settler.callCount())

	// Once finished the pair may be processed again.
	_, err = h.dispatcher.Notify(context.Background(), "bchtest:pqcontract1", "tx1")
	require.NoError(t, err)
	assert.Equal(t, 2, h.settler.callCount())
}
