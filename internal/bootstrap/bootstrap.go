// Package bootstrap wires the grid engine's collaborators (master grid,
// accountant, sync engine, manager) from a loaded config.Config and a
// persisted snapshot, if one exists, grounded on the teacher's
// cmd/live_server.createExchange-style factory wiring.
package bootstrap

import (
	"context"
	"fmt"

	"dexgrid/internal/accountant"
	"dexgrid/internal/config"
	"dexgrid/internal/core"
	"dexgrid/internal/gridstate"
	"dexgrid/internal/manager"
	"dexgrid/internal/primitives"
	"dexgrid/internal/strategy"
	syncengine "dexgrid/internal/sync"
	"dexgrid/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// GridSnapshotLoader is the subset of core.PersistenceStore needed to
// recover a prior run's grid on startup.
type GridSnapshotLoader interface {
	LoadGridSnapshot(ctx context.Context, key string) (core.GridSnapshot, bool, error)
}

// Built holds every top-level collaborator cmd/gridbot needs after wiring.
type Built struct {
	Master     *gridstate.MasterGrid
	Accountant *accountant.Accountant
	SyncEngine *syncengine.Engine
	Manager    *manager.Manager
	Pool       *concurrency.WorkerPool
}

// strategyConfig translates config.GridConfig into the strategy package's
// native Config shape.
func strategyConfig(cfg *config.Config) strategy.Config {
	return strategy.Config{
		TargetSpreadPercent: cfg.Grid.TargetSpreadPercent,
		IncrementPercent:    cfg.Grid.IncrementPercent,
		MinSpreadOrders:     cfg.Grid.MinSpreadOrders,
		MinSpreadFactor:     cfg.Grid.MinSpreadFactor,
		BuyWindowSize:       cfg.Grid.BuyWindowSize,
		SellWindowSize:      cfg.Grid.SellWindowSize,
		WeightBase:          decimal.NewFromFloat(cfg.Grid.WeightBase),
		WeightStep:          decimal.NewFromFloat(cfg.Grid.WeightStep),
		DustPercent:         decimal.NewFromFloat(cfg.Grid.DustThresholdRatio),
		ReactionCapSlots:    cfg.Grid.ReactionCapSlots,
		BuyPrecision:        cfg.Market.BasePrecision,
		SellPrecision:       cfg.Market.QuotePrecision,
	}
}

// seedFreshGrid builds the rail of VIRTUAL SPREAD slots for a brand-new
// grid (spec §4.5), grounded on primitives.BuildRail/SplitIndex.
func seedFreshGrid(cfg *config.Config) (map[string]core.Order, int) {
	rail := primitives.BuildRail(
		decimal.NewFromFloat(cfg.Grid.LowerBound),
		decimal.NewFromFloat(cfg.Grid.UpperBound),
		decimal.NewFromFloat(cfg.Grid.IncrementPercent),
		cfg.Market.PriceBasePoints,
	)
	orders := make(map[string]core.Order, len(rail))
	slotIDs := make([]string, len(rail))
	for i, price := range rail {
		id := fmt.Sprintf("s%d", i)
		slotIDs[i] = id
		orders[id] = core.Order{SlotID: id, Price: price, Type: core.TypeSpread, State: core.StateVirtual}
	}

	startPrice := decimal.NewFromFloat(cfg.Grid.LowerBound).Add(decimal.NewFromFloat(cfg.Grid.UpperBound)).Div(decimal.NewFromInt(2))
	gapSlots := strategyConfig(cfg).GapSlots()
	boundary := strategy.InitialBoundary(slotIDs, orders, startPrice, gapSlots)
	return orders, boundary
}

// Build constructs every wired collaborator. If loader has a persisted
// snapshot under cfg.App.Name, the grid resumes from it; otherwise a
// fresh rail is seeded from the grid config's price bounds.
func Build(ctx context.Context, cfg *config.Config, logger core.Logger, chain core.ChainClient, persist core.PersistenceStore, loader GridSnapshotLoader) (*Built, error) {
	orders, boundary := seedFreshGrid(cfg)
	allocated := core.Allocated{
		Buy:  decimal.NewFromFloat(cfg.Funds.BuyBudget),
		Sell: decimal.NewFromFloat(cfg.Funds.SellBudget),
	}
	feeAsset := core.AssetInfo{ID: cfg.Market.QuoteAssetID, Symbol: cfg.Market.QuoteSymbol, Precision: cfg.Market.QuotePrecision}
	var snap core.GridSnapshot
	haveSnapshot := false

	if loader != nil {
		loaded, ok, err := loader.LoadGridSnapshot(ctx, cfg.App.Name)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load persisted grid snapshot: %w", err)
		}
		if ok && len(loaded.Orders) > 0 {
			snap = loaded
			haveSnapshot = true
			orders = snap.Orders
			boundary = snap.BoundaryIdx
			logger.Info("resumed grid from persisted snapshot", "slots", len(orders), "boundary_idx", boundary)
		} else {
			logger.Info("no persisted snapshot found, seeding a fresh grid", "slots", len(orders))
		}
	}

	master := gridstate.NewMasterGrid()
	master.Init(orders)

	acct := accountant.New(allocated, feeAsset, logger)
	if haveSnapshot {
		acct.ModifyCacheFunds(core.SideBuy, snap.CacheFunds.Buy)
		acct.ModifyCacheFunds(core.SideSell, snap.CacheFunds.Sell)
		acct.AccrueBTSFees(snap.BTSFeesOwed)
		acct.SetAccountTotals(snap.AccountTotals)
	}

	market := syncengine.MarketConfig{
		BaseAssetID:    cfg.Market.BaseAssetID,
		QuoteAssetID:   cfg.Market.QuoteAssetID,
		BasePrecision:  cfg.Market.BasePrecision,
		QuotePrecision: cfg.Market.QuotePrecision,
	}
	syncCfg := syncengine.Config{
		LockLeaseSeconds:    cfg.Sync.LockLeaseSeconds,
		PriceToleranceRatio: decimal.NewFromFloat(cfg.Sync.PriceToleranceRatio),
	}
	se := syncengine.NewEngine(master, acct, market, syncCfg, logger)
	if haveSnapshot {
		for side, doubled := range snap.SideDoubledFlags {
			se.SetSideDoubled(side, doubled)
		}
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       cfg.App.Name + "-actions",
		MaxWorkers: 8,
	}, logger)

	mgr := manager.New(master, acct, se, strategyConfig(cfg), chain, persist, pool, logger, manager.Config{
		PersistenceKey: cfg.App.Name,
	})
	mgr.SetBoundaryIdx(boundary)

	return &Built{Master: master, Accountant: acct, SyncEngine: se, Manager: mgr, Pool: pool}, nil
}
