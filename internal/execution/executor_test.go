package execution

import (
	"context"
	"errors"
	"testing"

	"dexgrid/internal/core"

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

type fakeChain struct {
	createResult core.CreateOrderResult
	createErr    error
	updateErr    error
	cancelErr    error
}

func (f fakeChain) ReadOpenOrders(ctx context.Context, account, a, b string) ([]core.OrderRec, error) {
	return nil, nil
}
func (f fakeChain) GetOnChainAssetBalances(ctx context.Context, account string, assetIDs []string) (map[string]core.AccountBalance, error) {
	return nil, nil
}
func (f fakeChain) CreateOrder(ctx context.Context, slotID string, size, price decimal.Decimal, side core.Side) (core.CreateOrderResult, error) {
	return f.createResult, f.createErr
}
func (f fakeChain) UpdateOrder(ctx context.Context, chainOrderID string, newPrice, newSize decimal.Decimal) (core.UpdateOrderResult, error) {
	return core.UpdateOrderResult{}, f.updateErr
}
func (f fakeChain) CancelOrder(ctx context.Context, chainOrderID string) error { return f.cancelErr }
func (f fakeChain) StreamFills(ctx context.Context) (<-chan core.Fill, error) { return nil, nil }

func TestExecute_CreateReturnsActiveOrderWithChainID(t *testing.T) {
	e := New(fakeChain{createResult: core.CreateOrderResult{ChainOrderID: "1.7.1"}}, noopLogger{})
	order, err := e.Execute(context.Background(), core.Action{Type: core.ActionCreate, SlotID: "s0", Side: core.SideBuy, Price: decimal.NewFromInt(1), Size: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, "1.7.1", order.ChainOrderID)
	assert.Equal(t, core.StateActive, order.State)
	assert.Equal(t, core.TypeBuy, order.Type)
}

func TestExecute_CreatePartialFillReturnsPartialState(t *testing.T) {
	e := New(fakeChain{createResult: core.CreateOrderResult{ChainOrderID: "1.7.2", Partial: true}}, noopLogger{})
	order, err := e.Execute(context.Background(), core.Action{Type: core.ActionCreate, SlotID: "s1", Side: core.SideSell, Price: decimal.NewFromInt(1), Size: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.Equal(t, core.StatePartial, order.State)
}

func TestExecute_CancelReturnsVirtualSpreadSlot(t *testing.T) {
	e := New(fakeChain{}, noopLogger{})
	order, err := e.Execute(context.Background(), core.Action{Type: core.ActionCancel, SlotID: "s0", ChainOrderID: "1.7.1", Price: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, core.TypeSpread, order.Type)
	assert.Equal(t, core.StateVirtual, order.State)
	assert.Empty(t, order.ChainOrderID)
}

func TestExecute_CreateErrorPropagates(t *testing.T) {
	e := New(fakeChain{createErr: errors.New("rpc down")}, noopLogger{})
	_, err := e.Execute(context.Background(), core.Action{Type: core.ActionCreate, SlotID: "s0", Side: core.SideBuy, Size: decimal.NewFromInt(1)})
	assert.Error(t, err)
}

func TestExecuteBatch_PreservesOrderAndCollectsEachResult(t *testing.T) {
	e := New(fakeChain{createResult: core.CreateOrderResult{ChainOrderID: "1.7.1"}}, noopLogger{})
	actions := []core.Action{
		{Type: core.ActionCreate, SlotID: "s0", Side: core.SideBuy, Size: decimal.NewFromInt(1)},
		{Type: core.ActionCancel, SlotID: "s1", ChainOrderID: "1.7.9"},
	}
	results := e.ExecuteBatch(context.Background(), actions, nil)
	require.Len(t, results, 2)
	assert.Equal(t, "s0", results[0].Action.SlotID)
	assert.Equal(t, "s1", results[1].Action.SlotID)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
}

func TestExecuteBatch_CollectsPerActionErrorsWithoutAbortingOthers(t *testing.T) {
	e := New(fakeChain{updateErr: errors.New("boom")}, noopLogger{})
	actions := []core.Action{
		{Type: core.ActionUpdate, SlotID: "s0", ChainOrderID: "1.7.1"},
		{Type: core.ActionCancel, SlotID: "s1", ChainOrderID: "1.7.2"},
	}
	results := e.ExecuteBatch(context.Background(), actions, nil)
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
}
