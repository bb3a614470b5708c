// Package chainclient is the reference core.ChainClient implementation
// (spec §6, §DOMAIN-4): a JSON-RPC connection to the DEX node over a
// resilient WebSocket transport, grounded on the teacher's
// pkg/websocket.Client reconnect loop and internal/trading/order.Executor's
// rate-limit/retry shape.
package chainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dexgrid/internal/core"
	"dexgrid/pkg/apperrors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Config parameterizes the client's transport and resilience knobs.
type Config struct {
	Endpoint        string
	AccountID       string
	RateLimitPerSec int
	RequestTimeout  time.Duration
	ReconnectWait   time.Duration
}

// rpcRequest is the JSON-RPC 2.0 envelope sent to the node.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcPush is the envelope for unsolicited server messages, e.g. the
// subscribed fill-history feed. Pushes carry a Method and no ID; replies
// to a call always carry the caller's ID and no Method, so inspecting
// both fields is enough to route an inbound frame without guessing.
type rpcPush struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type fillPushParams struct {
	Fill core.Fill `json:"fill"`
}

// Client is the reference ChainClient: a single WebSocket connection
// multiplexing request/response RPC calls and a subscription push for
// fill-history events, grounded on the teacher's reconnect-loop pattern.
type Client struct {
	cfg    Config
	logger core.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan rpcResponse
	fillsCh chan core.Fill

	limiter  *rate.Limiter
	pipeline failsafe.Executor[rpcResponse]

	connected atomic.Bool
}

// New dials nothing yet; call Connect to establish the transport.
func New(cfg Config, logger core.Logger) *Client {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	limit := cfg.RateLimitPerSec
	if limit <= 0 {
		limit = 10
	}

	retryPolicy := retrypolicy.NewBuilder[rpcResponse]().
		HandleIf(func(_ rpcResponse, err error) bool { return err != nil }).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[rpcResponse]().
		HandleIf(func(_ rpcResponse, err error) bool { return err != nil }).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &Client{
		cfg:      cfg,
		logger:   logger.WithField("component", "chainclient"),
		pending:  make(map[string]chan rpcResponse),
		limiter:  rate.NewLimiter(rate.Limit(limit), limit*2),
		pipeline: failsafe.With[rpcResponse](retryPolicy, breaker),
	}
}

// Connect dials the node's WebSocket endpoint once and, on success, starts
// the read loop (which redials after a dropped connection). A failed first
// dial is not retried here; it is returned wrapped in apperrors.ErrChainRPC.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(); err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrChainRPC, err.Error())
	}
	go c.readLoop(ctx)
	return nil
}

func (c *Client) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.cfg.Endpoint, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			if err := c.dial(); err != nil {
				c.logger.Warn("chainclient reconnect failed", "error", err.Error())
				time.Sleep(c.cfg.ReconnectWait)
				continue
			}
			c.resubscribeFills(ctx)
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("chainclient connection lost, reconnecting", "error", err.Error())
			c.connected.Store(false)
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			time.Sleep(c.cfg.ReconnectWait)
			continue
		}

		var push rpcPush
		if err := json.Unmarshal(data, &push); err == nil && push.Method != "" {
			c.routePush(push)
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("chainclient malformed rpc response", "error", err.Error())
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// routePush dispatches an unsolicited server message to the registered
// fill-history channel, if any subscriber is listening.
func (c *Client) routePush(push rpcPush) {
	if push.Method != "fill_event" {
		return
	}
	var params fillPushParams
	if err := json.Unmarshal(push.Params, &params); err != nil {
		c.logger.Warn("chainclient malformed fill push", "error", err.Error())
		return
	}
	c.mu.Lock()
	ch := c.fillsCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- params.Fill:
	default:
		c.logger.Warn("chainclient fill channel full, dropping event", "chain_order_id", params.Fill.ChainOrderID)
	}
}

// resubscribeFills re-issues the fill-history subscription after a
// reconnect, if StreamFills was previously called.
func (c *Client) resubscribeFills(ctx context.Context) {
	c.mu.Lock()
	active := c.fillsCh != nil
	c.mu.Unlock()
	if !active {
		return
	}
	if _, err := c.call(ctx, "subscribe_fill_history", map[string]string{"account": c.cfg.AccountID}); err != nil {
		c.logger.Warn("chainclient fill resubscribe failed", "error", err.Error())
	}
}

// call performs one RPC round trip, rate-limited and wrapped in the
// failsafe retry/circuit-breaker pipeline.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrLockTimeout, err.Error())
	}

	resp, err := c.pipeline.GetWithExecution(func(_ failsafe.Execution[rpcResponse]) (rpcResponse, error) {
		return c.roundTrip(ctx, method, params)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrChainRPC, err.Error())
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s (code %d)", apperrors.ErrChainRPC, resp.Error.Message, resp.Error.Code)
	}
	return resp.Result, nil
}

func (c *Client) roundTrip(ctx context.Context, method string, params any) (rpcResponse, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return rpcResponse{}, fmt.Errorf("chainclient: not connected")
	}

	id := uuid.NewString()
	respCh := make(chan rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := conn.WriteJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return rpcResponse{}, err
	}

	timeout := c.cfg.RequestTimeout
	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return rpcResponse{}, ctx.Err()
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return rpcResponse{}, fmt.Errorf("chainclient: rpc %s timed out after %s", method, timeout)
	}
}

type readOpenOrdersParams struct {
	Account  string `json:"account"`
	AssetA   string `json:"asset_a"`
	AssetB   string `json:"asset_b"`
}

// ReadOpenOrders fetches the account's currently open orders for the pair.
func (c *Client) ReadOpenOrders(ctx context.Context, account string, assetAID, assetBID string) ([]core.OrderRec, error) {
	result, err := c.call(ctx, "read_open_orders", readOpenOrdersParams{Account: account, AssetA: assetAID, AssetB: assetBID})
	if err != nil {
		return nil, err
	}
	var recs []core.OrderRec
	if err := json.Unmarshal(result, &recs); err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrParse, err.Error())
	}
	return recs, nil
}

// GetOnChainAssetBalances fetches the account's {total,free} balances for
// the given asset ids.
func (c *Client) GetOnChainAssetBalances(ctx context.Context, account string, assetIDs []string) (map[string]core.AccountBalance, error) {
	result, err := c.call(ctx, "get_account_balances", map[string]any{"account": account, "asset_ids": assetIDs})
	if err != nil {
		return nil, err
	}
	var balances map[string]core.AccountBalance
	if err := json.Unmarshal(result, &balances); err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrParse, err.Error())
	}
	return balances, nil
}

type createOrderParams struct {
	Account string          `json:"account"`
	SlotID  string          `json:"slot_id"`
	Side    core.Side       `json:"side"`
	Size    decimal.Decimal `json:"size"`
	Price   decimal.Decimal `json:"price"`
}

// CreateOrder submits a new limit order to the chain.
func (c *Client) CreateOrder(ctx context.Context, slotID string, size, price decimal.Decimal, side core.Side) (core.CreateOrderResult, error) {
	result, err := c.call(ctx, "create_order", createOrderParams{Account: c.cfg.AccountID, SlotID: slotID, Side: side, Size: size, Price: price})
	if err != nil {
		return core.CreateOrderResult{}, err
	}
	var out core.CreateOrderResult
	if err := json.Unmarshal(result, &out); err != nil {
		return core.CreateOrderResult{}, fmt.Errorf("%w: %s", apperrors.ErrParse, err.Error())
	}
	return out, nil
}

type updateOrderParams struct {
	ChainOrderID string          `json:"chain_order_id"`
	NewPrice     decimal.Decimal `json:"new_price"`
	NewSize      decimal.Decimal `json:"new_size"`
}

// UpdateOrder amends an existing on-chain order's price and size.
func (c *Client) UpdateOrder(ctx context.Context, chainOrderID string, newPrice, newSize decimal.Decimal) (core.UpdateOrderResult, error) {
	result, err := c.call(ctx, "update_order", updateOrderParams{ChainOrderID: chainOrderID, NewPrice: newPrice, NewSize: newSize})
	if err != nil {
		return core.UpdateOrderResult{}, err
	}
	var out core.UpdateOrderResult
	if err := json.Unmarshal(result, &out); err != nil {
		return core.UpdateOrderResult{}, fmt.Errorf("%w: %s", apperrors.ErrParse, err.Error())
	}
	return out, nil
}

// CancelOrder cancels an on-chain order by id.
func (c *Client) CancelOrder(ctx context.Context, chainOrderID string) error {
	_, err := c.call(ctx, "cancel_order", map[string]string{"chain_order_id": chainOrderID})
	return err
}

// StreamFills subscribes to the account's fill-history push feed and
// delivers events on the returned channel until ctx is cancelled. Fills
// arrive as unsolicited "fill_event" pushes on the same connection and
// are routed to this channel by readLoop; the subscription itself is
// re-issued automatically by readLoop after a reconnect.
func (c *Client) StreamFills(ctx context.Context) (<-chan core.Fill, error) {
	out := make(chan core.Fill, 64)
	c.mu.Lock()
	c.fillsCh = out
	c.mu.Unlock()

	if _, err := c.call(ctx, "subscribe_fill_history", map[string]string{"account": c.cfg.AccountID}); err != nil {
		c.mu.Lock()
		c.fillsCh = nil
		c.mu.Unlock()
		return nil, err
	}

	go func() {
		defer func() {
			c.mu.Lock()
			if c.fillsCh == out {
				c.fillsCh = nil
			}
			c.mu.Unlock()
			close(out)
		}()
		<-ctx.Done()
	}()
	return out, nil
}

// Connected reports whether the underlying WebSocket is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
