package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/levx/pkg/levx"
)

type nopOracle struct{}

func (nopOracle) Price(id string) (*big.Int, time.Time, error) {
	return nil, time.Time{}, fmt.Errorf("no oracle for %s", id)
}

type nopRouter struct{}

func (nopRouter) Swap(_ string, amountIn *big.Int, _ string, _ *big.Int) (*big.Int, bool, error) {
	return new(big.Int).Set(amountIn), false, nil
}

// newTestServer wires a JSON-RPC server over a real engine with one
// stable-asset pool. Execution and liquidity fees are zeroed to keep the
// fixtures round.
func newTestServer(t *testing.T) *JSONRPCServer {
	t.Helper()
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	cfg := levx.DefaultEngineConfig()
	cfg.ExecutionFee = new(big.Int)
	cfg.LiquidityFeeRate = new(big.Int)
	eng := levx.NewEngine(cfg, nopOracle{}, nopRouter{}, levx.StaticRoles{
		levx.RoleAdmin:  {"admin"},
		levx.RoleBroker: {"broker"},
	}, logger)

	admin := levx.Auth{Caller: "admin"}
	require.NoError(t, eng.RegisterAsset(admin, levx.Asset{ID: "USDC", Symbol: "USDC", Decimals: 6, IsStable: true}))
	require.NoError(t, eng.AddPool(admin, "main", []string{"USDC"}, levx.PoolConfig{
		CurveK:         levx.W(50),
		CurveB:         levx.W(6),
		BaseAPY:        levx.W(0.02),
		ReserveRate:    levx.W(0.1),
		ADLTriggerRate: levx.W(0.9),
		ADLMaxPnlRate:  levx.W(0.5),
	}))

	return NewJSONRPCServer(eng, logger)
}

func call(t *testing.T, srv *JSONRPCServer, body string) JSONRPCResponse {
	t.Helper()
	req := httptest.NewRequest("POST", "/rpc", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var resp JSONRPCResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestPing(t *testing.T) {
	srv := newTestServer(t)
	resp := call(t, srv, `{"jsonrpc":"2.0","method":"levx_ping","params":{},"id":1}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, "pong", resp.Result)
}

func TestMethodNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp := call(t, srv, `{"jsonrpc":"2.0","method":"levx_nope","params":{},"id":1}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestMalformedRequest(t *testing.T) {
	srv := newTestServer(t)

	resp := call(t, srv, `{not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ParseError, resp.Error.Code)

	resp = call(t, srv, `{"jsonrpc":"1.0","method":"levx_ping","id":1}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidRequest, resp.Error.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest("GET", "/rpc", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, 405, w.Code)
}

func TestDepositAndBalance(t *testing.T) {
	srv := newTestServer(t)

	resp := call(t, srv, `{"jsonrpc":"2.0","method":"levx_depositCollateral","params":{"account":{"owner":"alice","subId":1},"asset":"USDC","rawAmount":"1000000000"},"id":1}`)
	require.Nil(t, resp.Error)

	resp = call(t, srv, `{"jsonrpc":"2.0","method":"levx_collateralBalance","params":{"account":{"owner":"alice","subId":1},"asset":"USDC"},"id":2}`)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "1000", result["balance"])
}

func TestLiquidityLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp := call(t, srv, `{"jsonrpc":"2.0","method":"levx_depositCollateral","params":{"account":{"owner":"lp"},"asset":"USDC","rawAmount":"500000000"},"id":1}`)
	require.Nil(t, resp.Error)

	resp = call(t, srv, `{"jsonrpc":"2.0","method":"levx_placeLiquidityOrder","params":{"caller":"lp","pool":"main","asset":"USDC","amount":"500","isAdding":true},"id":2}`)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	orderID := uint64(result["orderId"].(float64))
	assert.Equal(t, "pending", result["status"])

	// Only a broker may fill.
	resp = call(t, srv, fmt.Sprintf(`{"jsonrpc":"2.0","method":"levx_fillLiquidityOrder","params":{"caller":"lp","orderId":%d},"id":3}`, orderID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeAuthorization, resp.Error.Code)

	resp = call(t, srv, fmt.Sprintf(`{"jsonrpc":"2.0","method":"levx_fillLiquidityOrder","params":{"caller":"broker","orderId":%d},"id":4}`, orderID))
	require.Nil(t, resp.Error)

	resp = call(t, srv, `{"jsonrpc":"2.0","method":"levx_poolBalance","params":{"pool":"main","asset":"USDC"},"id":5}`)
	require.Nil(t, resp.Error)
	result = resp.Result.(map[string]interface{})
	assert.Equal(t, "500", result["balance"])

	resp = call(t, srv, fmt.Sprintf(`{"jsonrpc":"2.0","method":"levx_getOrder","params":{"orderId":%d},"id":6}`, orderID))
	require.Nil(t, resp.Error)
}

func TestErrorCodeMapping(t *testing.T) {
	srv := newTestServer(t)

	// Unknown order id maps to the not-found code.
	resp := call(t, srv, `{"jsonrpc":"2.0","method":"levx_getOrder","params":{"orderId":42},"id":1}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)

	// Unknown pool on placement maps to the validation code.
	resp = call(t, srv, `{"jsonrpc":"2.0","method":"levx_placeLiquidityOrder","params":{"caller":"lp","pool":"nope","asset":"USDC","amount":"1","isAdding":true},"id":2}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeValidation, resp.Error.Code)

	// Bad decimal input maps to invalid params.
	resp = call(t, srv, `{"jsonrpc":"2.0","method":"levx_placeLiquidityOrder","params":{"caller":"lp","pool":"main","asset":"USDC","amount":"abc","isAdding":true},"id":3}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	// Unknown market on accrual maps to validation.
	resp = call(t, srv, `{"jsonrpc":"2.0","method":"levx_updateBorrowingFee","params":{"market":"nope"},"id":4}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeValidation, resp.Error.Code)
}

func TestCancelOrderStateMapping(t *testing.T) {
	srv := newTestServer(t)

	call(t, srv, `{"jsonrpc":"2.0","method":"levx_depositCollateral","params":{"account":{"owner":"lp"},"asset":"USDC","rawAmount":"500000000"},"id":1}`)
	resp := call(t, srv, `{"jsonrpc":"2.0","method":"levx_placeLiquidityOrder","params":{"caller":"lp","pool":"main","asset":"USDC","amount":"500","isAdding":true},"id":2}`)
	require.Nil(t, resp.Error)
	orderID := uint64(resp.Result.(map[string]interface{})["orderId"].(float64))

	// Inside the cool down the owner cannot cancel yet.
	resp = call(t, srv, fmt.Sprintf(`{"jsonrpc":"2.0","method":"levx_cancelOrder","params":{"caller":"lp","orderId":%d},"id":3}`, orderID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeState, resp.Error.Code)

	// A stranger cannot cancel at all.
	resp = call(t, srv, fmt.Sprintf(`{"jsonrpc":"2.0","method":"levx_cancelOrder","params":{"caller":"mallory","orderId":%d},"id":4}`, orderID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeAuthorization, resp.Error.Code)
}
