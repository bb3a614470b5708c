package main

import (
	"context"
	"sync"
	"time"

	"dexgrid/internal/assets"
	"dexgrid/internal/bootstrap"
	"dexgrid/internal/config"
	"dexgrid/internal/core"
	"dexgrid/internal/execution"
	"dexgrid/internal/primitives"
	"dexgrid/internal/store"

	"github.com/shopspring/decimal"
)

// runner drives the "simple" in-process engine loop: open-orders
// reconciliation, fill consumption, periodic rebalance/commit, and
// periodic persistence, grounded on the teacher's internal/engine/simple
// ticker-driven run loop.
type runner struct {
	built      *bootstrap.Built
	chain      core.ChainClient
	persist    *store.Store
	assetTable *assets.Table
	execr      *execution.Executor
	cfg        *config.Config
	logger     core.Logger
	feeSched   primitives.FeeSchedule

	assetIDIndex map[string]string

	fillsMu      sync.Mutex
	pendingFills []core.Fill
}

func newRunner(built *bootstrap.Built, chain core.ChainClient, persist *store.Store, assetTable *assets.Table, execr *execution.Executor, cfg *config.Config, logger core.Logger) *runner {
	return &runner{
		built:      built,
		chain:      chain,
		persist:    persist,
		assetTable: assetTable,
		execr:      execr,
		cfg:        cfg,
		logger:     logger.WithField("component", "runner"),
		feeSched: primitives.FeeSchedule{
			MakerRate: decimal.NewFromFloat(cfg.Fees.MakerRate),
			TakerRate: decimal.NewFromFloat(cfg.Fees.TakerRate),
			CreateFee: decimal.NewFromFloat(cfg.Fees.CreateFee),
			UpdateFee: decimal.NewFromFloat(cfg.Fees.UpdateFee),
		},
		assetIDIndex: buildAssetIDIndex(context.Background(), assetTable, []string{cfg.Market.BaseSymbol, cfg.Market.QuoteSymbol}),
	}
}

func buildAssetIDIndex(ctx context.Context, at *assets.Table, symbols []string) map[string]string {
	idx := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		info, err := at.LookupAsset(ctx, sym)
		if err != nil {
			continue
		}
		idx[info.ID] = info.Symbol
	}
	return idx
}

func (r *runner) symbolForAsset(assetID string) string {
	if sym, ok := r.assetIDIndex[assetID]; ok {
		return sym
	}
	return assetID
}

// RunSimple drives the ticker loop until ctx is cancelled, executing each
// rebalance plan inline against the chain client.
func (r *runner) RunSimple(ctx context.Context) {
	r.run(ctx, r.rebalanceAndCommit)
}

// run is the shared ticker loop behind both the simple and durable
// engines; rebalance is the only step that differs between them (inline
// execution vs. a DBOS workflow per action).
func (r *runner) run(ctx context.Context, rebalance func(context.Context)) {
	fillsCh, err := r.chain.StreamFills(ctx)
	if err != nil {
		r.logger.Error("failed to subscribe to fill history, running without live fills", "error", err.Error())
	} else {
		go r.consumeFills(ctx, fillsCh)
	}

	openOrdersTicker := time.NewTicker(time.Duration(r.cfg.Sync.OpenOrdersIntervalSeconds) * time.Second)
	defer openOrdersTicker.Stop()
	rebalanceTicker := time.NewTicker(time.Duration(r.cfg.Sync.FillHistoryIntervalSeconds) * time.Second)
	defer rebalanceTicker.Stop()
	persistTicker := time.NewTicker(30 * time.Second)
	defer persistTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-openOrdersTicker.C:
			r.syncOpenOrders(ctx)
			r.built.Manager.TrackPipelineHealth(now)
		case <-rebalanceTicker.C:
			rebalance(ctx)
		case <-persistTicker.C:
			r.persistSnapshot(ctx)
		}
	}
}

func (r *runner) consumeFills(ctx context.Context, fillsCh <-chan core.Fill) {
	for {
		select {
		case <-ctx.Done():
			return
		case fill, ok := <-fillsCh:
			if !ok {
				return
			}
			r.handleFill(ctx, fill)
		}
	}
}

func (r *runner) handleFill(ctx context.Context, fill core.Fill) {
	paySymbol := r.symbolForAsset(fill.Pays.AssetID)
	recvSymbol := r.symbolForAsset(fill.Receives.AssetID)

	fees, err := primitives.GetAssetFees(recvSymbol, fill.Receives.Value, fill.IsMaker, r.feeSched)
	if err != nil {
		r.logger.Error("fee computation failed for fill, skipping accounting", "chain_order_id", fill.ChainOrderID, "error", err.Error())
		return
	}

	res, err := r.built.Manager.ProcessFill(ctx, fill, paySymbol, recvSymbol, fees)
	if err != nil {
		r.logger.Warn("process fill failed", "chain_order_id", fill.ChainOrderID, "error", err.Error())
		return
	}

	r.fillsMu.Lock()
	r.pendingFills = append(r.pendingFills, fill)
	r.fillsMu.Unlock()

	r.logger.Debug("fill processed", "slot_id", res.SlotID, "fully_filled", res.FullyFilled, "double_trigger", res.DoubleReplacementTrigger)
}

func (r *runner) drainPendingFills() []core.Fill {
	r.fillsMu.Lock()
	defer r.fillsMu.Unlock()
	fills := r.pendingFills
	r.pendingFills = nil
	return fills
}

func (r *runner) syncOpenOrders(ctx context.Context) {
	recs, err := r.chain.ReadOpenOrders(ctx, r.cfg.Chain.AccountID, r.cfg.Market.BaseAssetID, r.cfg.Market.QuoteAssetID)
	if err != nil {
		r.logger.Warn("read open orders failed", "error", err.Error())
		return
	}
	if _, err := r.built.Manager.RunOpenOrdersSync(ctx, recs); err != nil {
		r.logger.Warn("open orders sync failed", "error", err.Error())
	}
}

// rebalanceAndCommit runs one full plan/execute/commit cycle (spec §4.8
// steps 1-9): plan a target grid, submit the resulting actions to the
// chain, fold the chain's responses into the working copy, then commit.
func (r *runner) rebalanceAndCommit(ctx context.Context) {
	r.planAndCommit(ctx, func(ctx context.Context, actions []core.Action) []execution.Result {
		return r.execr.ExecuteBatch(ctx, actions, r.built.Pool)
	})
}

// planAndCommit runs the plan/execute/commit cycle (spec §4.8 steps 1-9),
// delegating the actual action submission to execute so the durable
// engine can route the same plan through a DBOS workflow per action
// instead of calling the chain client inline.
func (r *runner) planAndCommit(ctx context.Context, execute func(context.Context, []core.Action) []execution.Result) {
	fills := r.drainPendingFills()

	outcome, err := r.built.Manager.PerformSafeRebalance(ctx, fills, nil)
	if err != nil {
		r.logger.Warn("rebalance planning failed", "error", err.Error())
		return
	}
	if len(outcome.Actions) == 0 {
		return
	}

	results := execute(ctx, outcome.Actions)
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		outcome.Working.Set(res.Action.SlotID, res.Order)
	}

	changed, err := r.built.Manager.CommitWorkingGrid(ctx, outcome.Working, outcome.WorkingBoundary, outcome.CacheDrawdown)
	if err != nil {
		r.logger.Error("commit working grid failed", "error", err.Error())
		return
	}
	r.logger.Info("rebalance committed", "actions", len(outcome.Actions), "changed_slots", changed)
}

func (r *runner) persistSnapshot(ctx context.Context) {
	if err := r.built.Manager.ValidateGridForPersistence(); err != nil {
		r.logger.Warn("skipping snapshot, grid failed validation", "error", err.Error())
		return
	}

	funds := r.built.Accountant.Funds()
	snap := core.GridSnapshot{
		Orders:      r.built.Master.Snapshot(),
		BoundaryIdx: r.built.Manager.BoundaryIdx(),
		CacheFunds:  funds.CacheFunds,
		BTSFeesOwed: funds.BTSFeesOwed,
		AssetA:      core.AssetInfo{ID: r.cfg.Market.BaseAssetID, Symbol: r.cfg.Market.BaseSymbol, Precision: r.cfg.Market.BasePrecision},
		AssetB:      core.AssetInfo{ID: r.cfg.Market.QuoteAssetID, Symbol: r.cfg.Market.QuoteSymbol, Precision: r.cfg.Market.QuotePrecision},
		AccountTotals: r.built.Accountant.AccountTotals(),
		SideDoubledFlags: map[core.Side]bool{
			core.SideBuy:  r.built.SyncEngine.IsSideDoubled(core.SideBuy),
			core.SideSell: r.built.SyncEngine.IsSideDoubled(core.SideSell),
		},
	}

	if err := r.persist.SaveGridSnapshot(ctx, r.cfg.App.Name, snap); err != nil {
		r.logger.Error("snapshot save failed", "error", err.Error())
	}
}

// cancelAllOnChain cancels every ACTIVE/PARTIAL slot's on-chain order,
// used on graceful shutdown when system.cancel_on_exit is set.
func (r *runner) cancelAllOnChain(ctx context.Context) {
	orders := r.built.Master.Snapshot()
	for _, o := range orders {
		if !o.State.IsOnChain() {
			continue
		}
		if err := r.chain.CancelOrder(ctx, o.ChainOrderID); err != nil {
			r.logger.Warn("cancel-on-exit failed for order", "chain_order_id", o.ChainOrderID, "error", err.Error())
		}
	}
}
