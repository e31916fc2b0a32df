package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/luxfi/perp/pkg/lx"
)

// Version is reported by perp_getInfo.
const Version = "1.0.0"

// Recorder observes served requests.
type Recorder interface {
	RecordRPC(method string, ok bool, elapsed time.Duration)
}

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	seq      *lx.Sequencer
	auth     *Authenticator
	recorder Recorder
	logger   log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(seq *lx.Sequencer, auth *Authenticator, logger log.Logger) *JSONRPCServer {
	if auth == nil {
		auth = NewAuthenticator(DefaultDomain)
	}
	return &JSONRPCServer{
		seq:    seq,
		auth:   auth,
		logger: logger,
	}
}

// SetRecorder installs r to observe every request.
func (s *JSONRPCServer) SetRecorder(r Recorder) {
	s.recorder = r
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server error codes
const (
	EngineError  = -32000 // data.kind names the engine error
	Unauthorized = -32001
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	// Route to method handler
	start := time.Now()
	result, err := s.handleMethod(req.Method, req.Params)
	if s.recorder != nil {
		s.recorder.RecordRPC(req.Method, err == nil, time.Since(start))
	}
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.logger.Debug("Request failed", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
		s.sendError(w, req.ID, rpcErr)
		return
	}

	// Send success response
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
	// Collateral methods
	case "perp_depositMargin":
		return s.depositMargin(method, params)
	case "perp_withdrawMargin":
		return s.withdrawMargin(method, params)
	case "perp_provideLiquidity":
		return s.provideLiquidity(method, params)
	case "perp_withdrawLiquidity":
		return s.withdrawLiquidity(method, params)

	// Position methods
	case "perp_openPosition":
		return s.openPosition(method, params)
	case "perp_closePosition":
		return s.closePosition(method, params)
	case "perp_liquidate":
		return s.liquidate(method, params)

	// Market methods
	case "perp_updateFunding":
		return s.updateFunding()
	case MethodSetOraclePrice:
		return s.setOraclePrice(method, params)

	// Queries
	case "perp_getPosition":
		return s.getPosition(params)
	case "perp_getMargin":
		return s.getMargin(params)
	case "perp_getMarginBalance":
		return s.getMarginBalance(params)
	case "perp_getLpShares":
		return s.getLPShares(params)
	case "perp_isLiquidatable":
		return s.isLiquidatable(params)
	case "perp_getVammPrice":
		return s.getVammPrice()
	case "perp_getMarketState":
		return s.getMarketState()
	case "perp_getFundingHistory":
		return s.getFundingHistory(params)
	case "perp_getOpenAccounts":
		return s.getOpenAccounts()

	// Info methods
	case "perp_getInfo":
		return s.getInfo()
	case "perp_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// signed decodes TxParams and recovers the caller.
func (s *JSONRPCServer) signed(method string, params json.RawMessage) (*TxParams, common.Address, error) {
	var p TxParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, common.Address{}, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	caller, err := s.auth.Authenticate(method, &p)
	if err != nil {
		return nil, common.Address{}, &RPCError{Code: Unauthorized, Message: err.Error()}
	}
	return &p, caller, nil
}

// signedAmount is signed plus the decimal Amount. Non-positive amounts are
// left for the engine to reject.
func (s *JSONRPCServer) signedAmount(method string, params json.RawMessage) (*TxParams, common.Address, *big.Int, error) {
	p, caller, err := s.signed(method, params)
	if err != nil {
		return nil, common.Address{}, nil, err
	}
	amount, err := lx.ParseAmount(p.Amount)
	if err != nil {
		return nil, common.Address{}, nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return p, caller, amount, nil
}

// engineError maps a failed execution to an RPC error.
func engineError(err error) error {
	kind := lx.ErrorKind(err)
	if kind == "" {
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
	return &RPCError{
		Code:    EngineError,
		Message: err.Error(),
		Data:    map[string]string{"kind": kind},
	}
}

type resultFunc func(e *lx.Engine) (map[string]interface{}, error)

// apply runs fn as one sequenced execution. The result is built inside the
// execution and stamped with the height it committed at.
func (s *JSONRPCServer) apply(fn resultFunc) (map[string]interface{}, error) {
	var result map[string]interface{}
	height, err := s.seq.Apply(func(e *lx.Engine) error {
		var err error
		result, err = fn(e)
		return err
	})
	if err != nil {
		return nil, err
	}
	result["height"] = height
	return result, nil
}

// execute is apply with engine errors mapped for the response.
func (s *JSONRPCServer) execute(fn resultFunc) (interface{}, error) {
	result, err := s.apply(fn)
	if err != nil {
		return nil, engineError(err)
	}
	return result, nil
}

func accountResult(e *lx.Engine, account common.Address) map[string]interface{} {
	return map[string]interface{}{
		"account":       account.Hex(),
		"marginBalance": lx.FormatAmount(e.MarginBalance(account)),
		"lpShares":      lx.FormatAmount(e.LPShares(account)),
		"position":      lx.NewPositionView(e.Position(account)),
	}
}

// Margin deposit
func (s *JSONRPCServer) depositMargin(method string, params json.RawMessage) (interface{}, error) {
	_, caller, amount, err := s.signedAmount(method, params)
	if err != nil {
		return nil, err
	}
	return s.execute(func(e *lx.Engine) (map[string]interface{}, error) {
		if err := e.DepositMargin(caller, amount); err != nil {
			return nil, err
		}
		return accountResult(e, caller), nil
	})
}

// Margin withdrawal
func (s *JSONRPCServer) withdrawMargin(method string, params json.RawMessage) (interface{}, error) {
	_, caller, amount, err := s.signedAmount(method, params)
	if err != nil {
		return nil, err
	}
	return s.execute(func(e *lx.Engine) (map[string]interface{}, error) {
		if err := e.WithdrawMargin(caller, amount); err != nil {
			return nil, err
		}
		return accountResult(e, caller), nil
	})
}

func (s *JSONRPCServer) provideLiquidity(method string, params json.RawMessage) (interface{}, error) {
	_, caller, amount, err := s.signedAmount(method, params)
	if err != nil {
		return nil, err
	}
	return s.execute(func(e *lx.Engine) (map[string]interface{}, error) {
		if err := e.ProvideLiquidity(caller, amount); err != nil {
			return nil, err
		}
		return accountResult(e, caller), nil
	})
}

func (s *JSONRPCServer) withdrawLiquidity(method string, params json.RawMessage) (interface{}, error) {
	_, caller, amount, err := s.signedAmount(method, params)
	if err != nil {
		return nil, err
	}
	return s.execute(func(e *lx.Engine) (map[string]interface{}, error) {
		if err := e.WithdrawLiquidity(caller, amount); err != nil {
			return nil, err
		}
		return accountResult(e, caller), nil
	})
}

// Position opening
func (s *JSONRPCServer) openPosition(method string, params json.RawMessage) (interface{}, error) {
	p, caller, margin, err := s.signedAmount(method, params)
	if err != nil {
		return nil, err
	}
	dir, err := lx.ParseDirection(p.Direction)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	return s.execute(func(e *lx.Engine) (map[string]interface{}, error) {
		pos, err := e.OpenPosition(caller, margin, p.Leverage, dir)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"account":  caller.Hex(),
			"position": lx.NewPositionView(pos),
		}, nil
	})
}

// Position closing
func (s *JSONRPCServer) closePosition(method string, params json.RawMessage) (interface{}, error) {
	_, caller, err := s.signed(method, params)
	if err != nil {
		return nil, err
	}

	return s.execute(func(e *lx.Engine) (map[string]interface{}, error) {
		st, err := e.ClosePosition(caller)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"account":     caller.Hex(),
			"margin":      lx.FormatAmount(st.Margin),
			"pnl":         lx.FormatAmount(st.PnL),
			"fundingCost": lx.FormatAmount(st.FundingCost),
			"equity":      lx.FormatAmount(st.Equity),
		}, nil
	})
}

func (s *JSONRPCServer) liquidate(method string, params json.RawMessage) (interface{}, error) {
	p, caller, err := s.signed(method, params)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(p.Account) {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid account"}
	}
	account := common.HexToAddress(p.Account)

	return s.execute(func(e *lx.Engine) (map[string]interface{}, error) {
		res, err := e.Liquidate(caller, account)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"account":   account.Hex(),
			"keeper":    caller.Hex(),
			"equity":    lx.FormatAmount(res.Equity),
			"reward":    lx.FormatAmount(res.Reward),
			"remainder": lx.FormatAmount(res.Remainder),
			"badDebt":   lx.FormatAmount(res.BadDebt),
		}, nil
	})
}

var errNoFundingDue = errors.New("no funding due")

func (s *JSONRPCServer) updateFunding() (interface{}, error) {
	result, err := s.apply(func(e *lx.Engine) (map[string]interface{}, error) {
		fr := e.UpdateFundingRate()
		if fr == nil {
			return nil, errNoFundingDue
		}
		return map[string]interface{}{
			"updated": true,
			"funding": lx.NewFundingView(*fr),
		}, nil
	})
	switch {
	case errors.Is(err, errNoFundingDue):
		return map[string]interface{}{"updated": false}, nil
	case err != nil:
		return nil, engineError(err)
	}
	return result, nil
}

func (s *JSONRPCServer) setOraclePrice(method string, params json.RawMessage) (interface{}, error) {
	p, caller, err := s.signed(method, params)
	if err != nil {
		return nil, err
	}
	price, err := lx.ParseAmount(p.Price)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return s.execute(func(e *lx.Engine) (map[string]interface{}, error) {
		if err := e.SetOraclePrice(caller, price); err != nil {
			return nil, err
		}
		return map[string]interface{}{"price": lx.FormatAmount(price)}, nil
	})
}

// accountParam decodes {"account": "0x..."}.
func accountParam(params json.RawMessage) (common.Address, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil || !common.IsHexAddress(p.Account) {
		return common.Address{}, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	return common.HexToAddress(p.Account), nil
}

// Get position by account
func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	account, err := accountParam(params)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{"account": account.Hex()}
	s.seq.Read(func(e *lx.Engine) {
		result["position"] = lx.NewPositionView(e.Position(account))
		if st, ok := e.Valuation(account); ok {
			result["unrealizedPnl"] = lx.FormatAmount(st.PnL)
			result["equity"] = lx.FormatAmount(st.Equity)
			result["maintenance"] = lx.FormatAmount(e.MaintenanceRequirement(account))
		}
	})
	return result, nil
}

func (s *JSONRPCServer) getMargin(params json.RawMessage) (interface{}, error) {
	account, err := accountParam(params)
	if err != nil {
		return nil, err
	}
	var margin *big.Int
	s.seq.Read(func(e *lx.Engine) { margin = e.Margin(account) })
	return map[string]interface{}{
		"account": account.Hex(),
		"margin":  lx.FormatAmount(margin),
	}, nil
}

func (s *JSONRPCServer) getMarginBalance(params json.RawMessage) (interface{}, error) {
	account, err := accountParam(params)
	if err != nil {
		return nil, err
	}
	var free *big.Int
	s.seq.Read(func(e *lx.Engine) { free = e.MarginBalance(account) })
	return map[string]interface{}{
		"account":       account.Hex(),
		"marginBalance": lx.FormatAmount(free),
	}, nil
}

func (s *JSONRPCServer) getLPShares(params json.RawMessage) (interface{}, error) {
	account, err := accountParam(params)
	if err != nil {
		return nil, err
	}
	var shares *big.Int
	s.seq.Read(func(e *lx.Engine) { shares = e.LPShares(account) })
	return map[string]interface{}{
		"account":  account.Hex(),
		"lpShares": lx.FormatAmount(shares),
	}, nil
}

func (s *JSONRPCServer) isLiquidatable(params json.RawMessage) (interface{}, error) {
	account, err := accountParam(params)
	if err != nil {
		return nil, err
	}
	var ok bool
	s.seq.Read(func(e *lx.Engine) { ok = e.IsLiquidatable(account) })
	return map[string]interface{}{
		"account":        account.Hex(),
		"isLiquidatable": ok,
	}, nil
}

func (s *JSONRPCServer) getVammPrice() (interface{}, error) {
	var price *big.Int
	s.seq.Read(func(e *lx.Engine) { price = e.VammPrice() })
	return map[string]interface{}{
		"price": lx.FormatAmount(price),
	}, nil
}

// Get market snapshot
func (s *JSONRPCServer) getMarketState() (interface{}, error) {
	var state lx.MarketState
	s.seq.Read(func(e *lx.Engine) { state = e.MarketState() })
	return lx.NewMarketView(state), nil
}

// Get recent funding accruals
func (s *JSONRPCServer) getFundingHistory(params json.RawMessage) (interface{}, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	p.Limit = 24
	json.Unmarshal(params, &p)

	var history []lx.FundingRate
	s.seq.Read(func(e *lx.Engine) { history = e.FundingHistory(p.Limit) })

	views := make([]lx.FundingView, 0, len(history))
	for _, fr := range history {
		views = append(views, lx.NewFundingView(fr))
	}
	return views, nil
}

func (s *JSONRPCServer) getOpenAccounts() (interface{}, error) {
	var accounts []common.Address
	s.seq.Read(func(e *lx.Engine) { accounts = e.OpenAccounts() })

	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.Hex())
	}
	return out, nil
}

// Get node info
func (s *JSONRPCServer) getInfo() (interface{}, error) {
	result := map[string]interface{}{
		"version":   Version,
		"domain":    s.auth.Domain(),
		"height":    s.seq.Height(),
		"timestamp": time.Now().Unix(),
	}
	s.seq.Read(func(e *lx.Engine) {
		result["owner"] = e.Owner().Hex()
		result["custody"] = e.Custody().Hex()
		result["openPositions"] = len(e.OpenAccounts())
		result["nextFundingTime"] = e.NextFundingTime().Unix()
	})
	return result, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer serves server on addr until ctx is done.
func StartJSONRPCServer(ctx context.Context, addr string, server *JSONRPCServer, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
