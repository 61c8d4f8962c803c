// Package node resolves transactions through a BCH full node's JSON-RPC
// interface.
package node

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/rampsettle/internal/circuitbreaker"
	"github.com/mbd888/rampsettle/internal/escrow"
	"github.com/mbd888/rampsettle/internal/metrics"
	"github.com/mbd888/rampsettle/internal/retry"
	"github.com/mbd888/rampsettle/internal/traces"
)

var (
	ErrNodeUnavailable = errors.New("node unavailable, try again later")
	ErrTxNotFound      = errors.New("transaction not found")
)

// codeNoSuchTx is the node's RPC_INVALID_ADDRESS_OR_KEY error code,
// returned for unknown txids.
const codeNoSuchTx = -5

const prevTxCacheSize = 1024

// Caller is the JSON-RPC surface the client needs. *rpc.Client satisfies it.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Dial connects to the node with HTTP basic auth.
func Dial(ctx context.Context, url, user, password string) (*rpc.Client, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPAuth(func(h http.Header) error {
		h.Set("Authorization", "Basic "+auth)
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node RPC: %w", err)
	}
	return client, nil
}

// Client decodes transactions, resolving each input to the output it spends.
type Client struct {
	caller   Caller
	breaker  *circuitbreaker.Breaker
	attempts int
	backoff  time.Duration
	minConf  int64
	logger   *slog.Logger

	mu     sync.Mutex
	prevTx map[string]*rawTransaction
}

// NewClient creates a node client.
func NewClient(caller Caller) *Client {
	return &Client{
		caller:   caller,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		attempts: 3,
		backoff:  time.Second,
		minConf:  1,
		logger:   slog.Default(),
		prevTx:   make(map[string]*rawTransaction),
	}
}

// WithRetry sets the attempts per RPC call and the fixed delay between them.
func (c *Client) WithRetry(attempts int, backoff time.Duration) *Client {
	c.attempts = attempts
	c.backoff = backoff
	return c
}

// WithMinConfirmations sets how deep a transaction must be to count as valid.
func (c *Client) WithMinConfirmations(n int64) *Client {
	c.minConf = n
	return c
}

// WithBreaker replaces the per-method circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// WithLogger sets the client logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

type rawInput struct {
	TxID     string `json:"txid"`
	Vout     int    `json:"vout"`
	Coinbase string `json:"coinbase,omitempty"`
}

type rawOutput struct {
	Value        float64 `json:"value"`
	N            int     `json:"n"`
	ScriptPubKey struct {
		Address   string   `json:"address"`
		Addresses []string `json:"addresses"`
	} `json:"scriptPubKey"`
}

type rawTransaction struct {
	TxID          string      `json:"txid"`
	Confirmations int64       `json:"confirmations"`
	Vin           []rawInput  `json:"vin"`
	Vout          []rawOutput `json:"vout"`
}

// DecodeTransaction fetches txid and resolves its inputs. Unknown and
// under-confirmed transactions come back with Valid=false rather than an
// error; only node failures are errors, and they match ErrNodeUnavailable.
func (c *Client) DecodeTransaction(ctx context.Context, txid string) (*escrow.DecodedTransaction, error) {
	ctx, span := traces.StartSpan(ctx, "node.DecodeTransaction", traces.TxID(txid))
	defer span.End()

	result := &escrow.DecodedTransaction{TxID: txid}
	raw, err := c.getRawTransaction(ctx, txid)
	if errors.Is(err, ErrTxNotFound) {
		result.Error = fmt.Sprintf("transaction %s not found", txid)
		return result, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "getrawtransaction failed")
		return nil, err
	}

	result.Confirmations = raw.Confirmations
	for _, out := range raw.Vout {
		io, err := toTxIO(out)
		if err != nil {
			result.Error = err.Error()
			return result, nil
		}
		result.Outputs = append(result.Outputs, io)
	}

	for _, in := range raw.Vin {
		if in.Coinbase != "" {
			continue
		}
		prev, err := c.prevTransaction(ctx, in.TxID)
		if errors.Is(err, ErrTxNotFound) {
			result.Error = fmt.Sprintf("input %s:%d not found", in.TxID, in.Vout)
			return result, nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "input lookup failed")
			return nil, err
		}
		if in.Vout < 0 || in.Vout >= len(prev.Vout) {
			result.Error = fmt.Sprintf("input %s:%d spends a missing output", in.TxID, in.Vout)
			return result, nil
		}
		io, err := toTxIO(prev.Vout[in.Vout])
		if err != nil {
			result.Error = err.Error()
			return result, nil
		}
		result.Inputs = append(result.Inputs, io)
	}

	if raw.Confirmations < c.minConf {
		result.Error = fmt.Sprintf("transaction has %d confirmations, need %d", raw.Confirmations, c.minConf)
		return result, nil
	}
	result.Valid = true
	return result, nil
}

// prevTransaction returns a spent transaction, caching it. Confirmed
// transactions never change, so entries stay valid.
func (c *Client) prevTransaction(ctx context.Context, txid string) (*rawTransaction, error) {
	c.mu.Lock()
	raw, ok := c.prevTx[txid]
	c.mu.Unlock()
	if ok {
		return raw, nil
	}

	raw, err := c.getRawTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.prevTx) >= prevTxCacheSize {
		c.prevTx = make(map[string]*rawTransaction)
	}
	c.prevTx[txid] = raw
	c.mu.Unlock()
	return raw, nil
}

func (c *Client) getRawTransaction(ctx context.Context, txid string) (*rawTransaction, error) {
	var raw rawTransaction
	if err := c.call(ctx, &raw, "getrawtransaction", txid, true); err != nil {
		return nil, err
	}
	return &raw, nil
}

// call runs one RPC method under retry and the method's circuit breaker.
func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	ctx, span := traces.StartSpan(ctx, "node."+method, traces.RPCMethod(method))
	defer span.End()

	attempt := 0
	err := retry.Do(ctx, c.attempts, retry.Fixed(c.backoff), func(ctx context.Context) error {
		attempt++
		err := c.breaker.Do(method, func() error {
			return c.caller.CallContext(ctx, result, method, args...)
		}, isNotFound)
		switch {
		case err == nil:
			return nil
		case isNotFound(err):
			return retry.Permanent(ErrTxNotFound)
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(err)
		}
		c.logger.Warn("node rpc call failed", "method", method, "attempt", attempt, "error", err)
		return err
	})

	switch {
	case err == nil:
		metrics.NodeRPCCallsTotal.WithLabelValues(method, "ok").Inc()
		return nil
	case errors.Is(err, ErrTxNotFound):
		metrics.NodeRPCCallsTotal.WithLabelValues(method, "not_found").Inc()
		return err
	}
	metrics.NodeRPCCallsTotal.WithLabelValues(method, "error").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "rpc failed")
	return fmt.Errorf("%w: %s: %w", ErrNodeUnavailable, method, err)
}

func isNotFound(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeNoSuchTx
}

func toTxIO(out rawOutput) (escrow.TxIO, error) {
	amount, err := btcutil.NewAmount(out.Value)
	if err != nil {
		return escrow.TxIO{}, fmt.Errorf("output %d: invalid value %v: %w", out.N, out.Value, err)
	}
	addr := out.ScriptPubKey.Address
	if addr == "" && len(out.ScriptPubKey.Addresses) > 0 {
		addr = out.ScriptPubKey.Addresses[0]
	}
	return escrow.TxIO{Address: addr, Value: int64(amount)}, nil
}

var _ Caller = (*rpc.Client)(nil)
