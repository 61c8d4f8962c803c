// Package subscriptions tracks which contract addresses should trigger
// inbound transaction verification.
//
// Addresses are stored in normalized form (no network prefix, lower case)
// so notifications from indexers that drop the prefix still match.
package subscriptions

import (
	"context"
	"errors"

	"github.com/mbd888/rampsettle/internal/escrow"
)

var ErrInvalidAddress = errors.New("address is required")

// Registry is a SubscriptionManager that can also answer lookups.
type Registry interface {
	escrow.SubscriptionManager
	// Contracts returns the contracts subscribed to address.
	Contracts(ctx context.Context, address string) ([]int64, error)
	// Addresses returns every watched address.
	Addresses(ctx context.Context) ([]string, error)
}

func key(address string) (string, error) {
	k := escrow.NormalizeAddress(address)
	if k == "" {
		return "", ErrInvalidAddress
	}
	return k, nil
}
