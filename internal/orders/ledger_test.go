package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *recordingObserver) StatusAppended(_ context.Context, _ *Order, ev StatusEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingObserver) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func newTestLedger(t *testing.T) (*MemoryStore, *Ledger, *Service) {
	t.Helper()
	store := NewMemoryStore()
	ledger := NewLedger(store)
	return store, ledger, NewService(store, ledger)
}

func sellAd(owner int64) AdSnapshot {
	return AdSnapshot{
		AdID:           10,
		OwnerID:        owner,
		TradeType:      TradeTypeSell,
		Price:          "4200000.00",
		PaymentTypes:   []string{"GCASH"},
		AppealCooldown: time.Hour,
	}
}

func createOrder(t *testing.T, svc *Service) *Order {
	t.Helper()
	o, err := svc.Create(context.Background(), CreateRequest{
		OwnerID:     2,
		Ad:          sellAd(1),
		TradeAmount: 100000,
	})
	require.NoError(t, err)
	return o
}

func appendAll(t *testing.T, l *Ledger, orderID int64, statuses ...Status) {
	t.Helper()
	for _, s := range statuses {
		_, err := l.Append(context.Background(), orderID, s, SystemAutomated)
		require.NoError(t, err, "append %s", s)
	}
}

func TestLedger_AppendUpdatesCurrentStatus(t *testing.T) {
	store, ledger, svc := newTestLedger(t)
	o := createOrder(t, svc)
	assert.Equal(t, StatusSubmitted, o.CurrentStatus)

	ev, err := ledger.Append(context.Background(), o.ID, StatusConfirmed, "1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, ev.Status)
	assert.Equal(t, "1", ev.CreatedBy)
	assert.NotZero(t, ev.ID)

	got, err := store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.CurrentStatus)
}

func TestLedger_EscrowedRejectsBackwardAndSkippingAppends(t *testing.T) {
	_, ledger, svc := newTestLedger(t)
	o := createOrder(t, svc)
	appendAll(t, ledger, o.ID, StatusConfirmed, StatusEscrowPending, StatusEscrowed)

	// CONFIRMED is already in the log, so the singleton check fires first.
	_, err := ledger.Append(context.Background(), o.ID, StatusConfirmed, "1")
	assert.ErrorIs(t, err, ErrDuplicateStatus)

	_, err = ledger.Append(context.Background(), o.ID, StatusPaid, "1")
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StatusEscrowed, te.Current)
	assert.Equal(t, StatusPaid, te.Attempted)
}

func TestCheckAppend_ConfirmedOnEscrowedOrder(t *testing.T) {
	// An ESCROWED order whose log does not contain CONFIRMED (e.g. imported
	// history) still rejects CONFIRMED as an illegal transition.
	h := historyOf(StatusSubmitted, StatusEscrowPending, StatusEscrowed)
	err := CheckAppend(1, h, StatusConfirmed, false)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StatusEscrowed, te.Current)
	assert.Equal(t, StatusConfirmed, te.Attempted)
}

func TestLedger_TerminalRejectsFurtherAppends(t *testing.T) {
	_, ledger, svc := newTestLedger(t)
	o := createOrder(t, svc)
	appendAll(t, ledger, o.ID, StatusCanceled)

	for _, s := range []Status{StatusConfirmed, StatusEscrowPending, StatusReleased, StatusRefunded} {
		_, err := ledger.Append(context.Background(), o.ID, s, SystemAutomated, ViaAppeal())
		assert.ErrorIs(t, err, ErrOrderCompleted, s)
	}

	history, err := ledger.History(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestLedger_ConcurrentCancelExactlyOneWins(t *testing.T) {
	_, ledger, svc := newTestLedger(t)
	o := createOrder(t, svc)

	const workers = 8
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		errs      = make([]error, workers)
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = ledger.Append(context.Background(), o.ID, StatusCanceled, SystemAutomated)
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateStatus)
	}
	assert.Equal(t, 1, successes)

	history, err := ledger.History(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestLedger_TimestampsStrictlyIncrease(t *testing.T) {
	store := NewMemoryStore()
	clock := &fixedClock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	ledger := NewLedger(store).WithClock(clock.Now)
	svc := NewService(store, ledger)
	o := createOrder(t, svc)

	// The clock never moves: every append must still sort after the last.
	appendAll(t, ledger, o.ID, StatusConfirmed, StatusEscrowPending, StatusEscrowed, StatusPaidPending, StatusPaid, StatusReleased)

	history, err := ledger.History(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, history, 7)
	seen := map[Status]bool{}
	for i, ev := range history {
		assert.False(t, seen[ev.Status], "duplicate %s", ev.Status)
		seen[ev.Status] = true
		if i > 0 {
			assert.True(t, ev.CreatedAt.After(history[i-1].CreatedAt), "event %d not after %d", i, i-1)
		}
	}
}

func TestLedger_AppealOnlyEdges(t *testing.T) {
	_, ledger, svc := newTestLedger(t)
	o := createOrder(t, svc)
	appendAll(t, ledger, o.ID, StatusConfirmed, StatusEscrowPending, StatusEscrowed, StatusAppealed)

	_, err := ledger.Append(context.Background(), o.ID, StatusRefundPending, "3")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = ledger.Append(context.Background(), o.ID, StatusRefundPending, "3", ViaAppeal())
	require.NoError(t, err)
	appendAll(t, ledger, o.ID, StatusRefunded)
}

func TestLedger_ObserversSeeCommittedAppends(t *testing.T) {
	store := NewMemoryStore()
	obs := &recordingObserver{}
	ledger := NewLedger(store).WithObserver(obs)
	svc := NewService(store, ledger)
	o := createOrder(t, svc)

	appendAll(t, ledger, o.ID, StatusConfirmed)
	_, err := ledger.Append(context.Background(), o.ID, StatusConfirmed, "1")
	require.Error(t, err)

	assert.Equal(t, []Status{StatusSubmitted, StatusConfirmed}, obs.statuses())
}

func TestLedger_RejectedAppendLeavesNoTrace(t *testing.T) {
	store, ledger, svc := newTestLedger(t)
	o := createOrder(t, svc)

	err := store.WithinOrder(context.Background(), o.ID, func(tx LedgerTx) error {
		if _, err := AppendWithin(context.Background(), tx, StatusConfirmed, "1", time.Now()); err != nil {
			return err
		}
		return errors.New("later step failed")
	})
	require.Error(t, err)

	got, err := store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, got.CurrentStatus)

	history, err := ledger.History(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLedger_UnknownOrder(t *testing.T) {
	_, ledger, _ := newTestLedger(t)
	_, err := ledger.Append(context.Background(), 999, StatusConfirmed, "1")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestLedger_CanceledContext(t *testing.T) {
	store, ledger, svc := newTestLedger(t)
	o := createOrder(t, svc)

	// Hold the order lock so the second append has to wait on it.
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.WithinOrder(context.Background(), o.ID, func(tx LedgerTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ledger.Append(ctx, o.ID, StatusConfirmed, "1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
