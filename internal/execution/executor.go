// Package execution turns a reconciler action plan into chain-client
// calls and folds the results back into slot state, grounded on the
// teacher's internal/engine/gridengine.DBOSGridEngine.ExecuteActionWorkflow
// two-step place/cancel-then-apply pattern, generalized here to run
// either inline or behind a durable workflow step.
package execution

import (
	"context"
	"fmt"

	"dexgrid/internal/core"
	"dexgrid/pkg/concurrency"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Result pairs one action with its chain outcome, ready to be folded
// into a working grid via WorkingGrid.Set.
type Result struct {
	Action core.Action
	Order  core.Order
	Err    error
}

// Executor submits reconciler actions to a chain client.
type Executor struct {
	chain  core.ChainClient
	logger core.Logger
}

// New builds an Executor bound to chain.
func New(chain core.ChainClient, logger core.Logger) *Executor {
	return &Executor{chain: chain, logger: logger.WithField("component", "execution")}
}

// Execute submits a single action and returns the Order record its slot
// should be updated to, folding in whatever the chain reported (a new
// chain_order_id on create, a PARTIAL state on a partial fill-at-create,
// or a cleared chain_order_id/VIRTUAL state on cancel).
func (e *Executor) Execute(ctx context.Context, action core.Action) (core.Order, error) {
	switch action.Type {
	case core.ActionCreate:
		res, err := e.chain.CreateOrder(ctx, action.SlotID, action.Size, action.Price, action.Side)
		if err != nil {
			return core.Order{}, fmt.Errorf("execution: create order for slot %s: %w", action.SlotID, err)
		}
		state := core.StateActive
		if res.Partial {
			state = core.StatePartial
		}
		return core.Order{
			SlotID:       action.SlotID,
			Type:         typeOfSide(action.Side),
			State:        state,
			Price:        action.Price,
			Size:         action.Size,
			ChainOrderID: res.ChainOrderID,
		}, nil

	case core.ActionUpdate:
		if _, err := e.chain.UpdateOrder(ctx, action.ChainOrderID, action.Price, action.Size); err != nil {
			return core.Order{}, fmt.Errorf("execution: update order for slot %s: %w", action.SlotID, err)
		}
		return core.Order{
			SlotID:       action.SlotID,
			Type:         typeOfSide(action.Side),
			State:        core.StateActive,
			Price:        action.Price,
			Size:         action.Size,
			ChainOrderID: action.ChainOrderID,
		}, nil

	case core.ActionCancel:
		if err := e.chain.CancelOrder(ctx, action.ChainOrderID); err != nil {
			return core.Order{}, fmt.Errorf("execution: cancel order for slot %s: %w", action.SlotID, err)
		}
		return core.Order{
			SlotID: action.SlotID,
			Type:   core.TypeSpread,
			State:  core.StateVirtual,
			Price:  action.Price,
			Size:   decimal.Zero,
		}, nil

	default:
		return core.Order{}, fmt.Errorf("execution: unknown action type %q", action.Type)
	}
}

// ExecuteBatch submits every action concurrently, capped at pool's worker
// count when a pool is given, and collects one Result per action in the
// same order they were given (spec §DOMAIN-5, batching reconciler output
// for concurrent chain submission). A per-action failure is recorded in
// that action's Result and never aborts its siblings, grounded on the
// teacher's errgroup-fanned concurrent exchange polling in
// internal/trading/monitor.FundingMonitor.Start, adapted here to record
// errors per-slot instead of via errgroup's own error aggregation (the
// batch must finish every action even if one fails).
func (e *Executor) ExecuteBatch(ctx context.Context, actions []core.Action, pool *concurrency.WorkerPool) []Result {
	results := make([]Result, len(actions))

	var g errgroup.Group
	for i, action := range actions {
		i, action := i, action
		run := func() {
			order, err := e.Execute(ctx, action)
			results[i] = Result{Action: action, Order: order, Err: err}
			if err != nil {
				e.logger.Warn("action execution failed", "slot_id", action.SlotID, "type", string(action.Type), "error", err.Error())
			}
		}
		g.Go(func() error {
			if pool != nil {
				pool.SubmitAndWait(run)
				return nil
			}
			run()
			return nil
		})
	}
	g.Wait()

	return results
}

func typeOfSide(side core.Side) core.OrderType {
	if side == core.SideSell {
		return core.TypeSell
	}
	return core.TypeBuy
}
