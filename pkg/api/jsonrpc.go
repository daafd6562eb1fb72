// Package api exposes the trading engine over JSON-RPC 2.0.
package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/levx/pkg/levx"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the engine.
type JSONRPCServer struct {
	engine *levx.Engine
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server.
func NewJSONRPCServer(engine *levx.Engine, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		engine: engine,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Engine error codes, mapped from the engine's error taxonomy.
const (
	CodeValidation    = -32000
	CodeAuthorization = -32001
	CodeState         = -32002
	CodeCapacity      = -32003
	CodePrice         = -32004
	CodeArithmetic    = -32005
	CodeNotFound      = -32006
)

// rpcError maps an engine error onto a JSON-RPC error code.
func rpcError(err error) *RPCError {
	code := InternalError
	switch err.(type) {
	case *levx.ValidationError:
		code = CodeValidation
	case *levx.AuthorizationError:
		code = CodeAuthorization
	case *levx.StateError:
		code = CodeState
	case *levx.CapacityError:
		code = CodeCapacity
	case *levx.PriceError:
		code = CodePrice
	case *levx.ArithmeticError:
		code = CodeArithmetic
	default:
		if err == levx.ErrOrderNotFound {
			code = CodeNotFound
		}
	}
	return &RPCError{Code: code, Message: err.Error()}
}

// ServeHTTP implements http.Handler.
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = rpcError(err)
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Order methods
	case "levx_placePositionOrder":
		return s.placePositionOrder(params)
	case "levx_placeLiquidityOrder":
		return s.placeLiquidityOrder(params)
	case "levx_placeWithdrawalOrder":
		return s.placeWithdrawalOrder(params)
	case "levx_placeRebalanceOrder":
		return s.placeRebalanceOrder(params)
	case "levx_cancelOrder":
		return s.cancelOrder(params)
	case "levx_fillPositionOrder":
		return s.fillOrder(params, s.engine.FillPositionOrder)
	case "levx_fillLiquidityOrder":
		return s.fillOrder(params, s.engine.FillLiquidityOrder)
	case "levx_fillWithdrawalOrder":
		return s.fillOrder(params, s.engine.FillWithdrawalOrder)
	case "levx_fillRebalanceOrder":
		return s.fillOrder(params, s.engine.FillRebalanceOrder)
	case "levx_getOrder":
		return s.getOrder(params)
	case "levx_getOrders":
		return s.getOrders(params)

	// Account methods
	case "levx_depositCollateral":
		return s.depositCollateral(params)
	case "levx_collateralBalance":
		return s.collateralBalance(params)
	case "levx_getPosition":
		return s.getPosition(params)
	case "levx_activePositions":
		return s.engine.ActivePositions(), nil

	// Pool and market methods
	case "levx_updateBorrowingFee":
		return s.updateBorrowingFee(params)
	case "levx_reallocate":
		return s.reallocate(params)
	case "levx_poolBalance":
		return s.poolBalance(params)
	case "levx_poolMarket":
		return s.poolMarket(params)
	case "levx_isADLTriggered":
		return s.isADLTriggered(params)
	case "levx_protocolRevenue":
		return s.protocolRevenue(params)

	case "levx_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// parseWad converts a boundary decimal string ("1.5") into an 18-decimal
// fixed-point amount.
func parseWad(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid decimal %q", s)}
	}
	return levx.WadFromDecimal(d), nil
}

func formatWad(w *big.Int) string {
	if w == nil {
		return "0"
	}
	return levx.WadToDecimal(w).String()
}

type accountParam struct {
	Owner string `json:"owner"`
	SubID uint32 `json:"subId"`
}

func (a accountParam) id() levx.AccountID {
	return levx.AccountID{Owner: levx.Address(a.Owner), SubID: a.SubID}
}

// Order placement

func (s *JSONRPCServer) placePositionOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller           string       `json:"caller"`
		Account          accountParam `json:"account"`
		Market           string       `json:"market"`
		CollateralAsset  string       `json:"collateralAsset"`
		CollateralAmount string       `json:"collateralAmount"`
		Size             string       `json:"size"`
		LimitPrice       string       `json:"limitPrice"`
		IsOpen           bool         `json:"isOpen"`
		IsMarketOrder    bool         `json:"isMarketOrder"`
		TakeProfitPrice  string       `json:"takeProfitPrice"`
		StopLossPrice    string       `json:"stopLossPrice"`
		ReferralCode     string       `json:"referralCode"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	collateral, err := parseWad(p.CollateralAmount)
	if err != nil {
		return nil, err
	}
	size, err := parseWad(p.Size)
	if err != nil {
		return nil, err
	}
	limit, err := parseWad(p.LimitPrice)
	if err != nil {
		return nil, err
	}
	tp, err := parseWad(p.TakeProfitPrice)
	if err != nil {
		return nil, err
	}
	sl, err := parseWad(p.StopLossPrice)
	if err != nil {
		return nil, err
	}

	payload := levx.PositionOrderPayload{
		Account:          p.Account.id(),
		Market:           p.Market,
		CollateralAsset:  p.CollateralAsset,
		CollateralAmount: collateral,
		Size:             size,
		LimitPrice:       limit,
		IsOpen:           p.IsOpen,
		IsMarketOrder:    p.IsMarketOrder,
		ReferralCode:     p.ReferralCode,
	}
	if tp.Sign() > 0 {
		payload.TakeProfitPrice = tp
	}
	if sl.Sign() > 0 {
		payload.StopLossPrice = sl
	}

	id, err := s.engine.PlacePositionOrder(levx.Auth{Caller: levx.Address(p.Caller)}, payload)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"orderId": id, "status": "pending"}, nil
}

func (s *JSONRPCServer) placeLiquidityOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller   string `json:"caller"`
		Pool     string `json:"pool"`
		Asset    string `json:"asset"`
		Amount   string `json:"amount"`
		IsAdding bool   `json:"isAdding"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, err := parseWad(p.Amount)
	if err != nil {
		return nil, err
	}

	id, err := s.engine.PlaceLiquidityOrder(levx.Auth{Caller: levx.Address(p.Caller)}, levx.LiquidityOrderPayload{
		Pool:     p.Pool,
		Asset:    p.Asset,
		Amount:   amount,
		IsAdding: p.IsAdding,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"orderId": id, "status": "pending"}, nil
}

func (s *JSONRPCServer) placeWithdrawalOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller  string       `json:"caller"`
		Account accountParam `json:"account"`
		Asset   string       `json:"asset"`
		Amount  string       `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, err := parseWad(p.Amount)
	if err != nil {
		return nil, err
	}

	id, err := s.engine.PlaceWithdrawalOrder(levx.Auth{Caller: levx.Address(p.Caller)}, levx.WithdrawalOrderPayload{
		Account: p.Account.id(),
		Asset:   p.Asset,
		Amount:  amount,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"orderId": id, "status": "pending"}, nil
}

func (s *JSONRPCServer) placeRebalanceOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller   string `json:"caller"`
		Pool     string `json:"pool"`
		TokenIn  string `json:"tokenIn"`
		TokenOut string `json:"tokenOut"`
		AmountIn string `json:"amountIn"`
		MinOut   string `json:"minOut"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amountIn, err := parseWad(p.AmountIn)
	if err != nil {
		return nil, err
	}
	minOut, err := parseWad(p.MinOut)
	if err != nil {
		return nil, err
	}

	id, err := s.engine.PlaceRebalanceOrder(levx.Auth{Caller: levx.Address(p.Caller)}, levx.RebalanceOrderPayload{
		Pool:     p.Pool,
		TokenIn:  p.TokenIn,
		TokenOut: p.TokenOut,
		AmountIn: amountIn,
		MinOut:   minOut,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"orderId": id, "status": "pending"}, nil
}

// Order lifecycle

func (s *JSONRPCServer) cancelOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller  string `json:"caller"`
		OrderID uint64 `json:"orderId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.engine.CancelOrder(levx.Auth{Caller: levx.Address(p.Caller)}, p.OrderID); err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"orderId": p.OrderID, "status": "cancelled"}, nil
}

func (s *JSONRPCServer) fillOrder(params json.RawMessage, fill func(levx.Auth, uint64) error) (interface{}, error) {
	var p struct {
		Caller  string `json:"caller"`
		OrderID uint64 `json:"orderId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := fill(levx.Auth{Caller: levx.Address(p.Caller)}, p.OrderID); err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"orderId": p.OrderID, "status": "filled"}, nil
}

// Queries

func (s *JSONRPCServer) getOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		OrderID uint64 `json:"orderId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	order, err := s.engine.GetOrder(p.OrderID)
	if err != nil {
		return nil, rpcError(err)
	}
	return order, nil
}

func (s *JSONRPCServer) getOrders(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner string `json:"owner"`
		Begin uint64 `json:"begin"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 100
	}

	if p.Owner != "" {
		return s.engine.GetOrdersOf(levx.Address(p.Owner), p.Begin, p.Limit), nil
	}
	return s.engine.GetOrders(p.Begin, p.Limit), nil
}

func (s *JSONRPCServer) depositCollateral(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account   accountParam `json:"account"`
		Asset     string       `json:"asset"`
		RawAmount string       `json:"rawAmount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	raw, ok := new(big.Int).SetString(p.RawAmount, 10)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "invalid raw amount"}
	}

	if err := s.engine.DepositCollateral(p.Account.id(), p.Asset, raw); err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"status": "ok"}, nil
}

func (s *JSONRPCServer) collateralBalance(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account accountParam `json:"account"`
		Asset   string       `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	bal := s.engine.CollateralBalance(p.Account.id(), p.Asset)
	return map[string]interface{}{"balance": formatWad(bal)}, nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account accountParam `json:"account"`
		Market  string       `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	pos, ok := s.engine.GetPosition(p.Account.id(), p.Market)
	if !ok {
		return nil, &RPCError{Code: CodeNotFound, Message: "position not found"}
	}
	return pos, nil
}

func (s *JSONRPCServer) updateBorrowingFee(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market string `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.engine.UpdateBorrowingFee(p.Market); err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"status": "ok"}, nil
}

func (s *JSONRPCServer) reallocate(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller   string       `json:"caller"`
		Account  accountParam `json:"account"`
		Market   string       `json:"market"`
		FromPool string       `json:"fromPool"`
		ToPool   string       `json:"toPool"`
		Amount   string       `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, err := parseWad(p.Amount)
	if err != nil {
		return nil, err
	}

	if err := s.engine.Reallocate(levx.Auth{Caller: levx.Address(p.Caller)}, p.Account.id(), p.Market, p.FromPool, p.ToPool, amount); err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"status": "ok"}, nil
}

func (s *JSONRPCServer) poolBalance(params json.RawMessage) (interface{}, error) {
	var p struct {
		Pool  string `json:"pool"`
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	bal := s.engine.PoolBalance(p.Pool, p.Asset)
	return map[string]interface{}{"balance": formatWad(bal)}, nil
}

func (s *JSONRPCServer) poolMarket(params json.RawMessage) (interface{}, error) {
	var p struct {
		Pool   string `json:"pool"`
		Market string `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	state, ok := s.engine.PoolMarket(p.Pool, p.Market)
	if !ok {
		return nil, &RPCError{Code: CodeNotFound, Message: "pool market not found"}
	}
	return map[string]interface{}{
		"totalSize":                formatWad(state.TotalSize),
		"averageEntryPrice":        formatWad(state.AverageEntryPrice),
		"cumulatedBorrowingPerUsd": formatWad(state.CumulatedBorrowingPerUsd),
		"lastAccrualTime":          state.LastAccrualTime,
	}, nil
}

func (s *JSONRPCServer) isADLTriggered(params json.RawMessage) (interface{}, error) {
	var p struct {
		Pool   string `json:"pool"`
		Market string `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	triggered, err := s.engine.IsADLTriggered(p.Pool, p.Market)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"triggered": triggered}, nil
}

func (s *JSONRPCServer) protocolRevenue(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	return map[string]interface{}{"revenue": formatWad(s.engine.ProtocolRevenue(p.Asset))}, nil
}

// sendError writes a JSON-RPC error response.
func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
