// Package watcher turns inbound address notifications into settlements.
//
// An indexer or node hook reports that a watched contract address appeared
// in a transaction. The dispatcher finds the contracts subscribed to the
// address, works out which escrow action each order is waiting on and asks
// the orchestrator to settle it.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mbd888/rampsettle/internal/escrow"
	"github.com/mbd888/rampsettle/internal/orders"
	"github.com/mbd888/rampsettle/internal/settlement"
)

var ErrInFlight = errors.New("notification already being processed")

// ContractLookup resolves an address to its subscribed contracts.
type ContractLookup interface {
	Contracts(ctx context.Context, address string) ([]int64, error)
}

// Settler settles an order with a submitted transaction.
type Settler interface {
	Settle(ctx context.Context, action escrow.Action, orderID int64, txid string) (*settlement.Result, error)
}

// Dispatcher routes address notifications to the settlement orchestrator.
type Dispatcher struct {
	lookup    ContractLookup
	contracts escrow.Store
	orders    *orders.Service
	settler   Settler
	logger    *slog.Logger

	// Track notifications being processed
	inFlight map[string]bool
	mu       sync.Mutex
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(lookup ContractLookup, contracts escrow.Store, orderSvc *orders.Service, settler Settler) *Dispatcher {
	return &Dispatcher{
		lookup:    lookup,
		contracts: contracts,
		orders:    orderSvc,
		settler:   settler,
		logger:    slog.Default(),
		inFlight:  make(map[string]bool),
	}
}

// WithLogger sets the dispatcher logger.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// Notify handles "txid touched address". Orders not waiting on an escrow
// transaction are skipped. A duplicate notification arriving while the first
// is still being handled returns ErrInFlight.
func (d *Dispatcher) Notify(ctx context.Context, address, txid string) ([]*settlement.Result, error) {
	txid = strings.TrimSpace(txid)
	if txid == "" {
		return nil, settlement.ErrMissingTxID
	}
	key := escrow.NormalizeAddress(address) + "|" + txid

	d.mu.Lock()
	if d.inFlight[key] {
		d.mu.Unlock()
		return nil, ErrInFlight
	}
	d.inFlight[key] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, key)
		d.mu.Unlock()
	}()

	ids, err := d.lookup.Contracts(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to look up subscriptions: %w", err)
	}
	if len(ids) == 0 {
		d.logger.Debug("notification for unwatched address", "address", address, "txid", txid)
		return nil, nil
	}

	var (
		results []*settlement.Result
		errs    []error
	)
	for _, id := range ids {
		res, err := d.dispatch(ctx, id, txid)
		if err != nil {
			d.logger.Warn("settlement from notification failed",
				"contractId", id, "address", address, "txid", txid, "error", err)
			errs = append(errs, fmt.Errorf("contract %d: %w", id, err))
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results, errors.Join(errs...)
}

func (d *Dispatcher) dispatch(ctx context.Context, contractID int64, txid string) (*settlement.Result, error) {
	c, err := d.contracts.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	o, err := d.orders.Get(ctx, c.OrderID)
	if err != nil {
		return nil, err
	}
	action, ok := escrow.ActionForPending(o.CurrentStatus)
	if !ok {
		d.logger.Info("order not awaiting an escrow transaction, skipping",
			"orderId", o.ID, "status", o.CurrentStatus, "txid", txid)
		return nil, nil
	}
	return d.settler.Settle(ctx, action, o.ID, txid)
}
