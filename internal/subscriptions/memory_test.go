package subscriptions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	require.NoError(t, r.Subscribe(ctx, "bchtest:PQContract1", 7))
	require.NoError(t, r.Subscribe(ctx, "pqcontract1", 9))
	require.NoError(t, r.Subscribe(ctx, "bchtest:pqcontract2", 8))

	ids, err := r.Contracts(ctx, "pqcontract1")
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 9}, ids, "prefix and case are ignored")

	addrs, err := r.Addresses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pqcontract1", "pqcontract2"}, addrs)

	require.NoError(t, r.Unsubscribe(ctx, "bchtest:pqcontract1", 7))
	require.NoError(t, r.Unsubscribe(ctx, "bchtest:pqcontract1", 9))
	ids, err = r.Contracts(ctx, "bchtest:pqcontract1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	addrs, err = r.Addresses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pqcontract2"}, addrs)
}

func TestMemoryRegistry_UnknownAddress(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	require.NoError(t, r.Unsubscribe(ctx, "bchtest:nothing", 1))
	ids, err := r.Contracts(ctx, "bchtest:nothing")
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.ErrorIs(t, r.Subscribe(ctx, "  ", 1), ErrInvalidAddress)
}
