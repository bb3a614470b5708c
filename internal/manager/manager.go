// Package manager implements the grid engine's orchestrator: the five
// non-reentrant mutexes guarding master/fund/sync state, the
// REBALANCING/BROADCASTING commit protocol, and pipeline-health tracking
// (spec §4.8).
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dexgrid/internal/accountant"
	"dexgrid/internal/core"
	"dexgrid/internal/gridstate"
	"dexgrid/internal/reconciler"
	"dexgrid/internal/strategy"
	syncengine "dexgrid/internal/sync"
	"dexgrid/internal/workinggrid"
	"dexgrid/pkg/apperrors"
	"dexgrid/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// RebalancePhase is the manager's state machine for a single planning
// cycle (spec §4.8 "NORMAL → REBALANCING → BROADCASTING → NORMAL").
type RebalancePhase int

const (
	PhaseNormal RebalancePhase = iota
	PhaseRebalancing
	PhaseBroadcasting
)

func (p RebalancePhase) String() string {
	switch p {
	case PhaseRebalancing:
		return "REBALANCING"
	case PhaseBroadcasting:
		return "BROADCASTING"
	default:
		return "NORMAL"
	}
}

// BatchPhase tracks where a reconciler action batch is in its submit/apply
// lifecycle, used by pipeline-health to detect a stuck broadcast.
type BatchPhase int

const (
	BatchIdle BatchPhase = iota
	BatchSubmitting
	BatchApplying
)

// Config parameterizes the manager beyond what its collaborators already
// own.
type Config struct {
	PersistenceKey    string
	PipelineTimeout   time.Duration
	WorkerPoolWorkers int
}

// RebalanceOutcome is perform_safe_rebalance's return value (spec §4.8
// step 7).
type RebalanceOutcome struct {
	Actions         []core.Action
	StateUpdates    map[string]core.Order
	Working         *workinggrid.WorkingGrid
	WorkingBoundary int
	PlanningTime    time.Duration
	CacheDrawdown   core.BuySell // deferred per-side cache_funds draw-down, applied by CommitWorkingGrid (spec §4.5 final paragraph)
}

// Manager owns the frozen master, the accountant, the strategy
// configuration, the sync engine, and the in-flight working grid, and
// serializes every mutation path through its five mutexes.
type Manager struct {
	syncMu       sync.Mutex
	gridMu       sync.Mutex
	fundMu       sync.Mutex
	fillMu       sync.Mutex
	divergenceMu sync.Mutex

	master     *gridstate.MasterGrid
	acct       *accountant.Accountant
	syncEngine *syncengine.Engine
	stratCfg   strategy.Config
	chain      core.ChainClient
	store      core.PersistenceStore
	pool       *concurrency.WorkerPool
	logger     core.Logger

	cfg Config

	phaseMu sync.Mutex
	phase   RebalancePhase

	workingMu sync.Mutex
	working   *workinggrid.WorkingGrid

	boundaryMu  sync.Mutex
	boundaryIdx int

	pauseMu    sync.Mutex
	pauseCount int

	pipelineMu           sync.Mutex
	pipelineBlockedSince *time.Time
	pendingPriceCorr     int
	pendingFills         int
	divergenceFlags      map[core.Side]bool
}

// New builds a manager wired to its already-constructed collaborators.
func New(master *gridstate.MasterGrid, acct *accountant.Accountant, syncEngine *syncengine.Engine, stratCfg strategy.Config, chain core.ChainClient, store core.PersistenceStore, pool *concurrency.WorkerPool, logger core.Logger, cfg Config) *Manager {
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 30 * time.Second
	}
	return &Manager{
		master:          master,
		acct:            acct,
		syncEngine:      syncEngine,
		stratCfg:        stratCfg,
		chain:           chain,
		store:           store,
		pool:            pool,
		logger:          logger.WithField("component", "manager"),
		cfg:             cfg,
		divergenceFlags: make(map[core.Side]bool),
	}
}

// Phase returns the manager's current rebalance phase.
func (m *Manager) Phase() RebalancePhase {
	m.phaseMu.Lock()
	defer m.phaseMu.Unlock()
	return m.phase
}

func (m *Manager) setPhase(p RebalancePhase) {
	m.phaseMu.Lock()
	m.phase = p
	m.phaseMu.Unlock()
}

// pauseFundRecalc suspends the accountant's recalculation trigger while a
// caller holds the returned release closure, RAII-style (spec §4.8,
// spec.md §9 "encode as explicit phase enums" + pause handle).
func (m *Manager) pauseFundRecalc() func() {
	m.pauseMu.Lock()
	m.pauseCount++
	m.pauseMu.Unlock()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		m.pauseMu.Lock()
		if m.pauseCount > 0 {
			m.pauseCount--
		}
		m.pauseMu.Unlock()
	}
}

func (m *Manager) fundRecalcPaused() bool {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	return m.pauseCount > 0
}

// PerformSafeRebalance runs steps 1-7 of spec §4.8's commit pipeline: it
// clones master into a working grid, asks the strategy for a target per
// side, reconciles master vs. target into an action list, projects the
// target into the working copy, and validates funds before handing the
// plan back to the caller for chain execution.
func (m *Manager) PerformSafeRebalance(ctx context.Context, fills []core.Fill, exclude map[string]bool) (RebalanceOutcome, error) {
	start := time.Now()

	m.gridMu.Lock()
	defer m.gridMu.Unlock()

	m.setPhase(PhaseRebalancing)
	defer func() {
		if m.Phase() == PhaseRebalancing {
			m.setPhase(PhaseNormal)
		}
	}()

	working := workinggrid.NewFromMaster(m.master)
	rail := m.master.SortedSlotIDs()
	gapSlots := m.stratCfg.GapSlots()

	targetBoundary := strategy.ShiftBoundary(m.BoundaryIdx(), fills, len(rail))
	m.assignRoles(working, rail, targetBoundary, gapSlots, exclude)

	buyBoundary, sellBoundary, drawdown := m.computeSideOutcomes(working, rail, targetBoundary, fills, exclude)
	_ = buyBoundary
	_ = sellBoundary

	result, err := reconciler.Reconcile(m.master, working, targetBoundary, m.logger)
	if err != nil {
		return RebalanceOutcome{}, err
	}

	if stale, reason := working.IsStale(m.master); stale {
		return RebalanceOutcome{}, fmt.Errorf("%w: %s", apperrors.ErrIllegalStateTransition, reason)
	}

	if err := m.validateFundsForPlan(working); err != nil {
		return RebalanceOutcome{}, err
	}

	if stale, reason := working.IsStale(m.master); stale {
		return RebalanceOutcome{}, fmt.Errorf("%w: %s", apperrors.ErrIllegalStateTransition, reason)
	}

	m.workingMu.Lock()
	m.working = working
	m.workingMu.Unlock()

	m.setPhase(PhaseBroadcasting)

	return RebalanceOutcome{
		Actions:         result.Actions,
		StateUpdates:    working.ToMap(),
		Working:         working,
		WorkingBoundary: result.Boundary,
		PlanningTime:    time.Since(start),
		CacheDrawdown:   drawdown,
	}, nil
}

// assignRoles applies the boundary-crawl role reassignment (spec §4.5
// "Role assignment", seed scenario S2 "slot 2 reassigned to BUY") into
// working before the per-side rebalance runs, so a slot whose type flips
// BUY/SPREAD/SELL on a boundary shift is reconciled against its new type
// rather than the one it carried into this cycle.
func (m *Manager) assignRoles(working *workinggrid.WorkingGrid, rail []string, targetBoundary, gapSlots int, pendingCancel map[string]bool) {
	roles := strategy.AssignRoles(rail, working.ToMap(), targetBoundary, gapSlots, pendingCancel)
	for slotID, typ := range roles {
		o, ok := working.Get(slotID)
		if !ok || o.Type == typ {
			continue
		}
		o.Type = typ
		working.Set(slotID, o)
	}
}

// computeSideOutcomes asks the strategy for both sides' target windows and
// writes the resulting slot updates into working, returning each side's
// resolved boundary contribution for diagnostics plus the per-side
// cache-fund draw-down its placements earned (spec §4.5 final paragraph).
func (m *Manager) computeSideOutcomes(working *workinggrid.WorkingGrid, rail []string, boundary int, fills []core.Fill, exclude map[string]bool) (buy, sell int, drawdown core.BuySell) {
	funds := m.acct.Funds()

	locked := make(map[string]bool, len(exclude))
	for k, v := range exclude {
		locked[k] = v
	}

	for _, side := range []core.Side{core.SideBuy, core.SideSell} {
		in := strategy.RebalanceInput{
			Side:          side,
			Rail:          rail,
			Orders:        working.ToMap(),
			BoundaryIdx:   boundary,
			Available:     funds.Available.Get(side),
			Fills:         fills,
			SideIsDoubled: m.syncEngine.IsSideDoubled(side),
			LockedSlotIDs: locked,
			Precision:     precisionFor(side, m.stratCfg),
		}
		plan := strategy.Rebalance(m.stratCfg, in)
		for slotID, o := range plan.SlotUpdates {
			working.Set(slotID, o)
		}
		m.syncEngine.SetSideDoubled(side, plan.SideIsDoubled)
		drawdown = drawdown.Set(side, plan.CapitalIncrease)
	}

	return boundary, boundary, drawdown
}

// clearWorking drops the manager's working-grid reference, both on a
// successful commit and on a stale rejection (spec §4.8 step 4 "clear
// working-grid reference", seed scenario S6).
func (m *Manager) clearWorking() {
	m.workingMu.Lock()
	m.working = nil
	m.workingMu.Unlock()
}

// checkIllegalState drains the master grid's last_illegal_state signal
// (spec §7 "last_illegal_state", consumed and reset by orchestration
// layers) and logs it at error level, as PhantomOrder corrections do not
// otherwise surface to the caller of the mutation that triggered them.
func (m *Manager) checkIllegalState() {
	if msg, ok := m.master.TakeLastIllegalState(); ok {
		m.logger.Error("illegal state transition auto-corrected", "detail", msg)
	}
}

func precisionFor(side core.Side, cfg strategy.Config) int32 {
	if side == core.SideBuy {
		return cfg.BuyPrecision
	}
	return cfg.SellPrecision
}

func (m *Manager) validateFundsForPlan(working *workinggrid.WorkingGrid) error {
	funds := m.acct.Funds()
	required := core.BuySell{}
	for _, o := range working.ToMap() {
		switch o.Type {
		case core.TypeBuy:
			required = required.Add(core.SideBuy, o.Size.Mul(o.Price))
		case core.TypeSell:
			required = required.Add(core.SideSell, o.Size)
		}
	}
	for _, side := range []core.Side{core.SideBuy, core.SideSell} {
		if required.Get(side).GreaterThan(funds.Available.Get(side).Add(funds.Committed.Grid.Get(side))) {
			return apperrors.ErrInsufficientFunds
		}
	}
	return nil
}

// CommitWorkingGrid swaps working into master if it is still fresh (spec
// §4.8 "commit_working_grid"). drawdown carries the per-side cache_funds
// draw-down earned by this cycle's placements, applied only once the state
// updates are committed (spec §4.5 final paragraph: "SELL-fill proceeds
// fund BUY placements and vice versa"). Returns the number of slots
// changed.
func (m *Manager) CommitWorkingGrid(ctx context.Context, working *workinggrid.WorkingGrid, boundary int, drawdown core.BuySell) (int, error) {
	if stale, reason := working.IsStale(m.master); stale {
		m.clearWorking()
		return 0, fmt.Errorf("%w: %s", apperrors.ErrIllegalStateTransition, reason)
	}

	m.gridMu.Lock()
	defer m.gridMu.Unlock()

	if stale, reason := working.IsStale(m.master); stale {
		m.clearWorking()
		return 0, fmt.Errorf("%w: %s", apperrors.ErrIllegalStateTransition, reason)
	}

	deltas := working.BuildDelta(m.master)
	if len(deltas) == 0 {
		return 0, nil
	}

	version := m.master.ApplyBatch(working.ToMap())
	m.checkIllegalState()
	m.SetBoundaryIdx(boundary)

	for _, side := range []core.Side{core.SideBuy, core.SideSell} {
		if amt := drawdown.Get(side); amt.Sign() > 0 {
			m.acct.ModifyCacheFunds(side, amt.Neg())
		}
	}

	m.clearWorking()
	m.setPhase(PhaseNormal)

	if !m.fundRecalcPaused() {
		m.TriggerFundRecalc()
	}

	m.logger.WithFields(map[string]interface{}{
		"grid_version": version,
		"changed":      len(deltas),
		"boundary":     boundary,
	}).Info("working grid committed")

	return len(deltas), nil
}

// RunOpenOrdersSync drives one sync_from_open_orders pass under syncMu,
// acquiring gridMu only for the instant the sync engine mutates master
// (spec §5 "acquires the grid mutex inside the sync mutex").
func (m *Manager) RunOpenOrdersSync(ctx context.Context, chainOrders []core.OrderRec) (syncengine.Result, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	m.gridMu.Lock()
	defer m.gridMu.Unlock()

	result, err := m.syncEngine.SyncFromOpenOrders(ctx, chainOrders, false)
	m.checkIllegalState()
	if err != nil {
		return result, err
	}
	m.SetPendingPriceCorrections(len(result.PriceCorrections))
	if !m.fundRecalcPaused() {
		m.TriggerFundRecalc()
	}
	return result, nil
}

// ProcessFill drives one sync_from_fill_history event under fillMu,
// acquiring gridMu only for the slot transition itself.
func (m *Manager) ProcessFill(ctx context.Context, fill core.Fill, paySymbol, recvSymbol string, fees core.Fees) (syncengine.FillResult, error) {
	m.fillMu.Lock()
	defer m.fillMu.Unlock()

	m.gridMu.Lock()
	res, err := m.syncEngine.SyncFromFillHistory(ctx, fill, paySymbol, recvSymbol, fees)
	m.gridMu.Unlock()
	m.checkIllegalState()
	if err != nil {
		return res, err
	}

	if !m.fundRecalcPaused() {
		m.TriggerFundRecalc()
	}
	return res, nil
}

// TriggerFundRecalc reruns the accountant's fund recalculation against the
// current master snapshot, guarded by fundMu.
func (m *Manager) TriggerFundRecalc() {
	m.fundMu.Lock()
	defer m.fundMu.Unlock()

	orders := m.master.Snapshot()
	precision := map[core.Side]int32{
		core.SideBuy:  m.stratCfg.BuyPrecision,
		core.SideSell: m.stratCfg.SellPrecision,
	}
	startPrice := m.midpointPrice(orders)
	m.acct.RecalculateFunds(orders, startPrice, core.BuySell{}, precision)
}

func (m *Manager) midpointPrice(orders map[string]core.Order) decimal.Decimal {
	idx := m.BoundaryIdx()
	rail := m.master.SortedSlotIDs()
	if idx < 0 || idx >= len(rail) {
		return decimal.Zero
	}
	return orders[rail[idx]].Price
}

// BoundaryIdx returns the manager's persisted boundary index.
func (m *Manager) BoundaryIdx() int {
	m.boundaryMu.Lock()
	defer m.boundaryMu.Unlock()
	return m.boundaryIdx
}

// SetBoundaryIdx clamps and stores idx.
func (m *Manager) SetBoundaryIdx(idx int) {
	m.boundaryMu.Lock()
	defer m.boundaryMu.Unlock()
	railLen := m.master.Len()
	if railLen == 0 {
		m.boundaryIdx = 0
		return
	}
	if idx < 0 {
		idx = 0
	}
	if idx > railLen-1 {
		idx = railLen - 1
	}
	m.boundaryIdx = idx
}

// MarkDivergence flags side as diverged (e.g. a concurrent sync pass
// disagreed with the accountant's view), consumed by pipeline-health.
func (m *Manager) MarkDivergence(side core.Side, v bool) {
	m.divergenceMu.Lock()
	defer m.divergenceMu.Unlock()
	m.divergenceFlags[side] = v
}

// PipelineEmpty reports whether every pipeline signal (pending fills,
// pending price corrections, divergence flags, current phase) is
// quiescent, per spec §4.8 "Pipeline health". Sync-engine leases are not
// consulted.
func (m *Manager) PipelineEmpty() bool {
	m.pipelineMu.Lock()
	fillsPending := m.pendingFills
	priceCorrPending := m.pendingPriceCorr
	m.pipelineMu.Unlock()

	return fillsPending == 0 && priceCorrPending == 0 && !m.anyDivergence() && m.Phase() == PhaseNormal
}

func (m *Manager) anyDivergence() bool {
	m.divergenceMu.Lock()
	defer m.divergenceMu.Unlock()
	for _, v := range m.divergenceFlags {
		if v {
			return true
		}
	}
	return false
}

// pipelineEmptyLocked is PipelineEmpty's logic for callers that already
// hold pipelineMu; it must not re-lock it.
func (m *Manager) pipelineEmptyLocked() bool {
	return m.pendingFills == 0 && m.pendingPriceCorr == 0 && !m.anyDivergence() && m.Phase() == PhaseNormal
}

// TrackPipelineHealth updates pipeline_blocked_since: set the first time
// the pipeline is observed non-empty, cleared once it drains, and force-
// cleared with a warning once PIPELINE_TIMEOUT_MS elapses (spec §4.8).
func (m *Manager) TrackPipelineHealth(now time.Time) {
	m.pipelineMu.Lock()
	defer m.pipelineMu.Unlock()

	if m.pipelineEmptyLocked() {
		m.pipelineBlockedSince = nil
		return
	}
	if m.pipelineBlockedSince == nil {
		blockedAt := now
		m.pipelineBlockedSince = &blockedAt
		return
	}
	if now.Sub(*m.pipelineBlockedSince) > m.cfg.PipelineTimeout {
		m.logger.Warn("pipeline blocked beyond timeout, clearing stuck signals", "blocked_for", now.Sub(*m.pipelineBlockedSince).String())
		m.pendingPriceCorr = 0
		m.divergenceMu.Lock()
		for k := range m.divergenceFlags {
			m.divergenceFlags[k] = false
		}
		m.divergenceMu.Unlock()
		m.pipelineBlockedSince = nil
	}
}

// PipelineBlockedSinceMs reports how long the pipeline has been blocked,
// for telemetry, or 0 when it is currently empty.
func (m *Manager) PipelineBlockedSinceMs(now time.Time) int64 {
	m.pipelineMu.Lock()
	defer m.pipelineMu.Unlock()
	if m.pipelineBlockedSince == nil {
		return 0
	}
	return now.Sub(*m.pipelineBlockedSince).Milliseconds()
}

// SetPendingFills/SetPendingPriceCorrections feed external queue depths
// into the pipeline-health signal.
func (m *Manager) SetPendingFills(n int)            { m.pipelineMu.Lock(); m.pendingFills = n; m.pipelineMu.Unlock() }
func (m *Manager) SetPendingPriceCorrections(n int) { m.pipelineMu.Lock(); m.pendingPriceCorr = n; m.pipelineMu.Unlock() }

// ValidateGridForPersistence gates a snapshot write on the grid being
// internally consistent, so a corrupted in-memory state is never
// persisted and then reloaded on the next restart.
func (m *Manager) ValidateGridForPersistence() error {
	if err := m.master.ValidateIndices(); err != nil {
		return apperrors.ErrInvariantViolation
	}
	return nil
}

// Start begins the manager's lifecycle (spec §4.8 ambient note: mirrors
// the teacher's engine.Engine Start/Stop contract).
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("manager starting", "persistence_key", m.cfg.PersistenceKey)
	return nil
}

// Stop stops the worker pool, if one was supplied, waiting for its queued
// tasks; any in-flight working grid reference is left as it is.
func (m *Manager) Stop() error {
	m.logger.Info("manager stopping")
	if m.pool != nil {
		m.pool.Stop()
	}
	return nil
}

// Healthy reports whether the manager's pipeline is currently unblocked.
func (m *Manager) Healthy() bool {
	return m.PipelineBlockedSinceMs(time.Now()) < m.cfg.PipelineTimeout.Milliseconds()
}

// Status reports a coarse health snapshot for a future HTTP endpoint.
func (m *Manager) Status() map[string]string {
	return map[string]string{
		"phase":          m.Phase().String(),
		"grid_version":   decimal.NewFromInt(m.master.Version()).String(),
		"boundary_idx":   decimal.NewFromInt(int64(m.BoundaryIdx())).String(),
		"pipeline_empty": boolToStatus(m.PipelineEmpty()),
	}
}

func boolToStatus(v bool) string {
	if v {
		return "empty"
	}
	return "blocked"
}
