package chainclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"dexgrid/internal/core"
	"dexgrid/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                    {}
func (noopLogger) Info(string, ...interface{})                     {}
func (noopLogger) Warn(string, ...interface{})                     {}
func (noopLogger) Error(string, ...interface{})                    {}
func (l noopLogger) WithField(string, interface{}) core.Logger     { return l }
func (l noopLogger) WithFields(map[string]interface{}) core.Logger { return l }

func newTestClient() *Client {
	return New(Config{Endpoint: "ws://127.0.0.1:0", AccountID: "1.2.3"}, noopLogger{})
}

func TestNew_AppliesDefaultsWhenUnset(t *testing.T) {
	c := newTestClient()
	assert.Equal(t, 2*time.Second, c.cfg.ReconnectWait)
	assert.Equal(t, 5*time.Second, c.cfg.RequestTimeout)
	assert.InDelta(t, 10, float64(c.limiter.Limit()), 0.001)
	assert.Equal(t, 20, c.limiter.Burst())
}

func TestNew_PreservesExplicitConfig(t *testing.T) {
	c := New(Config{
		Endpoint:        "ws://example",
		AccountID:       "1.2.3",
		RateLimitPerSec: 5,
		RequestTimeout:  time.Second,
		ReconnectWait:   500 * time.Millisecond,
	}, noopLogger{})
	assert.Equal(t, time.Second, c.cfg.RequestTimeout)
	assert.Equal(t, 500*time.Millisecond, c.cfg.ReconnectWait)
	assert.InDelta(t, 5, float64(c.limiter.Limit()), 0.001)
}

func TestRoutePush_DeliversFillEventToRegisteredChannel(t *testing.T) {
	c := newTestClient()
	ch := make(chan core.Fill, 1)
	c.fillsCh = ch

	push := rpcPush{
		Method: "fill_event",
		Params: json.RawMessage(`{"fill":{"chain_order_id":"1.7.1"}}`),
	}
	c.routePush(push)

	select {
	case f := <-ch:
		assert.Equal(t, "1.7.1", f.ChainOrderID)
	default:
		t.Fatal("expected fill to be routed to the subscriber channel")
	}
}

func TestRoutePush_IgnoresUnknownMethod(t *testing.T) {
	c := newTestClient()
	ch := make(chan core.Fill, 1)
	c.fillsCh = ch

	c.routePush(rpcPush{Method: "some_other_event", Params: json.RawMessage(`{}`)})

	select {
	case <-ch:
		t.Fatal("unexpected delivery for a non fill_event push")
	default:
	}
}

func TestRoutePush_NoopWhenNoSubscriber(t *testing.T) {
	c := newTestClient()
	assert.NotPanics(t, func() {
		c.routePush(rpcPush{Method: "fill_event", Params: json.RawMessage(`{"fill":{"chain_order_id":"1.7.1"}}`)})
	})
}

func TestRoutePush_DropsWithoutBlockingWhenChannelFull(t *testing.T) {
	c := newTestClient()
	ch := make(chan core.Fill, 1)
	ch <- core.Fill{ChainOrderID: "already-queued"}
	c.fillsCh = ch

	done := make(chan struct{})
	go func() {
		c.routePush(rpcPush{Method: "fill_event", Params: json.RawMessage(`{"fill":{"chain_order_id":"1.7.2"}}`)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("routePush blocked on a full channel instead of dropping")
	}
}

func TestResubscribeFills_NoopWhenStreamFillsNeverCalled(t *testing.T) {
	c := newTestClient()
	assert.NotPanics(t, func() {
		c.resubscribeFills(context.Background())
	})
}

func TestConnected_DefaultsFalse(t *testing.T) {
	c := newTestClient()
	assert.False(t, c.Connected())
}

func TestClose_NoopWithoutConnection(t *testing.T) {
	c := newTestClient()
	assert.NoError(t, c.Close())
}

func TestCall_WrapsNotConnectedErrorAfterRetries(t *testing.T) {
	c := New(Config{
		Endpoint:       "ws://127.0.0.1:0",
		AccountID:      "1.2.3",
		RequestTimeout: 50 * time.Millisecond,
	}, noopLogger{})

	_, err := c.call(context.Background(), "read_open_orders", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrChainRPC)
}

func TestCreateOrder_ReturnsWrappedErrorWhenDisconnected(t *testing.T) {
	c := newTestClient()
	_, err := c.CreateOrder(context.Background(), "s0", decimal.Zero, decimal.Zero, core.SideBuy)
	assert.Error(t, err)
}
