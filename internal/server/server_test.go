package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rampsettle/internal/config"
	"github.com/mbd888/rampsettle/internal/escrow"
	"github.com/mbd888/rampsettle/internal/logging"
	"github.com/mbd888/rampsettle/internal/node"
	"github.com/mbd888/rampsettle/internal/orders"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	sellerAddr   = "bchtest:qqseller0000000000000000000000000000000"
	buyerAddr    = "bchtest:qqbuyer00000000000000000000000000000000"
	arbiterAddr  = "bchtest:qqarbiter000000000000000000000000000000"
	servicerAddr = "bchtest:qqservicer0000000000000000000000000000"
	contractAddr = "bchtest:pqcontract0000000000000000000000000000"
)

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, escrow.GenerateParams) (string, error) {
	return contractAddr, nil
}

type stubNode struct {
	mu  sync.Mutex
	txs map[string]escrow.DecodedTransaction
	err error
}

func (n *stubNode) DecodeTransaction(_ context.Context, txid string) (*escrow.DecodedTransaction, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	txn, ok := n.txs[txid]
	if !ok {
		return &escrow.DecodedTransaction{TxID: txid, Error: "No such mempool or blockchain transaction"}, nil
	}
	return &txn, nil
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "json",
		ServicerAddress:     servicerAddr,
		ContractVersion:     "v1",
		ContractFee:         1000,
		ServiceFee:          2000,
		ArbitrationFee:      3000,
		NodeTimeout:         time.Second,
		ExpirySweepInterval: time.Minute,
	}
}

func newTestServer(t *testing.T) (*Server, *stubNode) {
	t.Helper()
	n := &stubNode{txs: make(map[string]escrow.DecodedTransaction)}
	s, err := New(testConfig(),
		WithLogger(logging.Discard()),
		WithNode(n),
		WithGenerator(stubGenerator{}),
	)
	require.NoError(t, err)
	return s, n
}

// fundingOrder drives an order to ESCROW_PENDING (seller 1, buyer 2, arbiter 3).
func fundingOrder(t *testing.T, s *Server) *orders.Order {
	t.Helper()
	ctx := context.Background()
	o, err := s.orders.Create(ctx, orders.CreateRequest{
		OwnerID: 2,
		Ad: orders.AdSnapshot{
			AdID: 7, OwnerID: 1, TradeType: orders.TradeTypeSell,
			Price: "4200000", AppealCooldown: time.Hour,
		},
		TradeAmount: 100000,
	})
	require.NoError(t, err)
	_, err = s.orders.Confirm(ctx, o.ID, 1)
	require.NoError(t, err)
	_, err = s.escrow.GenerateContract(ctx, escrow.GenerateRequest{
		OrderID:   o.ID,
		ArbiterID: 3,
		Arbiter:   escrow.MemberKey{PubKey: "02arbiter", Address: arbiterAddr},
		Seller:    escrow.MemberKey{PubKey: "02seller", Address: sellerAddr},
		Buyer:     escrow.MemberKey{PubKey: "02buyer", Address: buyerAddr},
	})
	require.NoError(t, err)
	_, err = s.escrow.BeginEscrow(ctx, o.ID, 1)
	require.NoError(t, err)
	return o
}

func fundingTx(txid string, value int64) escrow.DecodedTransaction {
	return escrow.DecodedTransaction{
		TxID:          txid,
		Valid:         true,
		Confirmations: 1,
		Inputs:        []escrow.TxIO{{Address: sellerAddr, Value: value + 800}},
		Outputs:       []escrow.TxIO{{Address: contractAddr, Value: value}, {Address: sellerAddr, Value: 500}},
	}
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var resp map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := do(t, s, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := do(t, s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not_ready", resp["status"])

	s.ready.Store(true)
	w, _ = do(t, s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// The expiry timer only runs once Run starts it.
	w, resp = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", resp["status"])
	assert.Equal(t, "dev", resp["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w, _ := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rampsettle_")
}

func TestRequestIDHeader(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestAddressHook_SettlesWatchedContract(t *testing.T) {
	s, n := newTestServer(t)
	o := fundingOrder(t, s)
	n.txs["fund1"] = fundingTx("fund1", 106000)

	body := `{"address":"` + contractAddr + `","txid":"fund1"}`
	w, resp := do(t, s, http.MethodPost, "/v1/hooks/address", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	results := resp["results"].([]any)
	require.Len(t, results, 1)
	res := results[0].(map[string]any)
	assert.Equal(t, "ESCROWED", res["status"])
	assert.Equal(t, "ESCROW", res["action"])

	got, err := s.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusEscrowed, got.CurrentStatus)

	// Re-delivery of the same notification is a no-op.
	w, resp = do(t, s, http.MethodPost, "/v1/hooks/address", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["results"].([]any)[0].(map[string]any)["alreadySettled"])
}

func TestAddressHook_UnwatchedAddress(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := do(t, s, http.MethodPost, "/v1/hooks/address", `{"address":"bchtest:qqnobody","txid":"abc"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, resp["results"])
}

func TestAddressHook_InvalidBody(t *testing.T) {
	s, _ := newTestServer(t)

	w, resp := do(t, s, http.MethodPost, "/v1/hooks/address", `{"address":"bchtest:qq"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", resp["error"])
}

func TestSettle_ErrorMapping(t *testing.T) {
	s, n := newTestServer(t)
	o := fundingOrder(t, s)
	path := "/v1/orders/" + itoa(o.ID) + "/settle"

	t.Run("bad order id", func(t *testing.T) {
		w, resp := do(t, s, http.MethodPost, "/v1/orders/abc/settle", `{"action":"ESCROW","txid":"x"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_order_id", resp["error"])
	})

	t.Run("unknown order", func(t *testing.T) {
		w, resp := do(t, s, http.MethodPost, "/v1/orders/9999/settle", `{"action":"ESCROW","txid":"x"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "not_found", resp["error"])
	})

	t.Run("invalid action", func(t *testing.T) {
		w, _ := do(t, s, http.MethodPost, path, `{"action":"BURN","txid":"x"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		n.txs["short"] = fundingTx("short", 105000)
		w, resp := do(t, s, http.MethodPost, path, `{"action":"ESCROW","txid":"short"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "verification_failed", resp["error"])
		assert.Equal(t, "106000", resp["expected"])
		assert.Equal(t, "105000", resp["actual"])
	})

	t.Run("order not awaiting action", func(t *testing.T) {
		w, resp := do(t, s, http.MethodPost, path, `{"action":"RELEASE","txid":"x"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "illegal_transition", resp["error"])
		assert.Equal(t, "ESCROW_PENDING", resp["current"])
	})

	t.Run("node unavailable", func(t *testing.T) {
		n.mu.Lock()
		n.err = node.ErrNodeUnavailable
		n.mu.Unlock()
		defer func() {
			n.mu.Lock()
			n.err = nil
			n.mu.Unlock()
		}()
		w, resp := do(t, s, http.MethodPost, path, `{"action":"ESCROW","txid":"fund1"}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "node_unavailable", resp["error"])
	})

	t.Run("settled", func(t *testing.T) {
		n.txs["fund1"] = fundingTx("fund1", 106000)
		w, resp := do(t, s, http.MethodPost, path, `{"action":"ESCROW","txid":"fund1"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "ESCROWED", resp["status"])

		n.txs["fund2"] = fundingTx("fund2", 106000)
		w, resp = do(t, s, http.MethodPost, path, `{"action":"ESCROW","txid":"fund2"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "already_settled", resp["error"])
	})
}

func TestOrderHandler(t *testing.T) {
	s, _ := newTestServer(t)
	o := fundingOrder(t, s)

	w, resp := do(t, s, http.MethodGet, "/v1/orders/"+itoa(o.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ESCROW_PENDING", resp["order"].(map[string]any)["currentStatus"])
	assert.Len(t, resp["history"], 3)
	assert.NotNil(t, resp["contract"])
	assert.Nil(t, resp["appeal"])

	w, _ = do(t, s, http.MethodGet, "/v1/orders/9999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/ramp")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "@db:5432/ramp")
	assert.Equal(t, "redis://localhost:6379", maskDSN("redis://localhost:6379"))
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
