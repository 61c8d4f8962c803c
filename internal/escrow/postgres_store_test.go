//go:build integration

package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rampsettle/internal/fees"
	"github.com/mbd888/rampsettle/internal/orders"
	"github.com/mbd888/rampsettle/internal/testutil"
)

func setupPostgres(t *testing.T) (*PostgresStore, *orders.PostgresStore, *Service, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	orderStore := orders.NewPostgresStore(db)
	ledger := orders.NewLedger(orderStore)
	orderSvc := orders.NewService(orderStore, ledger)
	store := NewPostgresStore(db)
	calc := fees.NewCalculator(fees.NewPostgresStore(db), fees.Fallbacks{ContractFee: 1000, ServiceFee: 2000, ArbitrationFee: 3000})
	svc := NewService(store, orderSvc, calc, &fakeGenerator{})
	ledger.WithObserver(svc)
	return store, orderStore, svc, cleanup
}

func pgConfirmedOrder(t *testing.T, svc *Service) *orders.Order {
	t.Helper()
	ctx := context.Background()
	o, err := svc.orders.Create(ctx, orders.CreateRequest{
		OwnerID:     2,
		Ad:          orders.AdSnapshot{AdID: 7, OwnerID: 1, TradeType: orders.TradeTypeSell, Price: "4200000"},
		TradeAmount: 100000,
	})
	require.NoError(t, err)
	_, err = svc.orders.Confirm(ctx, o.ID, 1)
	require.NoError(t, err)
	return o
}

func TestPostgresStore_GenerationLifecycle(t *testing.T) {
	store, _, svc, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	o := pgConfirmedOrder(t, svc)

	res, err := svc.GenerateContract(ctx, genRequest(o.ID, 3))
	require.NoError(t, err)

	c, err := store.GetContractByAddress(ctx, "PQCONTRACT1")
	require.NoError(t, err)
	assert.Equal(t, res.Contract.ID, c.ID)
	assert.Equal(t, int64(3000), c.ArbitrationFee)

	members, err := store.ListMembers(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, members, 3)

	err = store.SaveGeneration(ctx, c.ID, "bchtest:stale", "bchtest:other", nil)
	assert.ErrorIs(t, err, ErrConcurrentGeneration)

	again, created, err := store.EnsureContract(ctx, &Contract{OrderID: o.ID, ServiceFee: 1})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(2000), again.ServiceFee)
}

func TestPostgresStore_TransactionsAndRecipients(t *testing.T) {
	store, orderStore, svc, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()
	o := pgConfirmedOrder(t, svc)

	res, err := svc.GenerateContract(ctx, genRequest(o.ID, 3))
	require.NoError(t, err)
	_, err = svc.BeginEscrow(ctx, o.ID, 1)
	require.NoError(t, err)

	placeholder, err := store.GetTransaction(ctx, res.Contract.ID, ActionEscrow)
	require.NoError(t, err)
	assert.False(t, placeholder.Valid)

	again, err := store.OpenTransaction(ctx, res.Contract.ID, ActionEscrow)
	require.NoError(t, err)
	assert.Equal(t, placeholder.ID, again.ID)

	err = orderStore.Within(ctx, o.ID, func(tx *orders.PostgresTx) error {
		w := store.Bind(tx.SQL())
		txn, err := w.FinalizeTransaction(ctx, res.Contract.ID, ActionEscrow, "fundtx")
		if err != nil {
			return err
		}
		assert.Equal(t, placeholder.ID, txn.ID)
		_, err = w.InsertRecipients(ctx, txn.ID, []TxIO{{Address: "bchtest:pqcontract1", Value: 106000}})
		return err
	})
	require.NoError(t, err)

	final, err := store.GetTransaction(ctx, res.Contract.ID, ActionEscrow)
	require.NoError(t, err)
	assert.True(t, final.Valid)
	assert.Equal(t, "fundtx", final.TxID)

	recipients, err := store.ListRecipients(ctx, final.ID)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, int64(106000), recipients[0].Value)

	err = orderStore.Within(ctx, o.ID, func(tx *orders.PostgresTx) error {
		_, err := store.Bind(tx.SQL()).FinalizeTransaction(ctx, res.Contract.ID, ActionRelease, "fundtx")
		return err
	})
	assert.ErrorIs(t, err, ErrTxIDInUse)
}
