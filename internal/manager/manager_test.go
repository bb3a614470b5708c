package manager

import (
	"context"
	"testing"
	"time"

	"dexgrid/internal/accountant"
	"dexgrid/internal/core"
	"dexgrid/internal/gridstate"
	"dexgrid/internal/strategy"
	syncengine "dexgrid/internal/sync"

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

func testStratConfig() strategy.Config {
	return strategy.Config{
		TargetSpreadPercent: 2,
		IncrementPercent:    1,
		MinSpreadOrders:     1,
		MinSpreadFactor:     1,
		BuyWindowSize:       3,
		SellWindowSize:      3,
		WeightBase:          decimal.NewFromInt(1),
		WeightStep:          decimal.NewFromFloat(0.1),
		DustPercent:         decimal.NewFromFloat(0.01),
		ReactionCapSlots:    2,
		BuyPrecision:        5,
		SellPrecision:       5,
	}
}

func newTestManager(orders map[string]core.Order) *Manager {
	g := gridstate.NewMasterGrid()
	g.Init(orders)
	acct := accountant.New(
		core.Allocated{Buy: decimal.NewFromInt(1000), Sell: decimal.NewFromInt(1000)},
		core.AssetInfo{ID: "1.3.0", Symbol: "BTS", Precision: 5},
		noopLogger{},
	)
	market := syncengine.MarketConfig{BaseAssetID: "1.3.113", QuoteAssetID: "1.3.0", BasePrecision: 5, QuotePrecision: 5}
	syncCfg := syncengine.Config{LockLeaseSeconds: 30, PriceToleranceRatio: decimal.NewFromFloat(0.001)}
	se := syncengine.NewEngine(g, acct, market, syncCfg, noopLogger{})

	m := New(g, acct, se, testStratConfig(), nil, nil, nil, noopLogger{}, Config{PipelineTimeout: 50 * time.Millisecond})
	return m
}

func sampleRail() map[string]core.Order {
	return map[string]core.Order{
		"s0": {SlotID: "s0", Type: core.TypeBuy, State: core.StateActive, Price: decimal.NewFromFloat(0.90), Size: decimal.NewFromInt(10)},
		"s1": {SlotID: "s1", Type: core.TypeBuy, State: core.StateVirtual, Price: decimal.NewFromFloat(0.95)},
		"s2": {SlotID: "s2", Type: core.TypeSpread, State: core.StateVirtual, Price: decimal.NewFromFloat(1.00)},
		"s3": {SlotID: "s3", Type: core.TypeSell, State: core.StateVirtual, Price: decimal.NewFromFloat(1.05)},
		"s4": {SlotID: "s4", Type: core.TypeSell, State: core.StateActive, Price: decimal.NewFromFloat(1.10), Size: decimal.NewFromInt(10)},
	}
}

func TestPerformSafeRebalance_ProducesWorkingGridAndEntersBroadcastingPhase(t *testing.T) {
	m := newTestManager(sampleRail())
	m.SetBoundaryIdx(0)

	outcome, err := m.PerformSafeRebalance(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, outcome.Working)
	assert.Equal(t, PhaseBroadcasting, m.Phase())
}

func TestPerformSafeRebalance_ReassignsRolesOnBoundaryShift(t *testing.T) {
	m := newTestManager(sampleRail())
	m.SetBoundaryIdx(0)

	outcome, err := m.PerformSafeRebalance(context.Background(), []core.Fill{{Side: core.SideSell}}, nil)
	require.NoError(t, err)

	// The SELL fill crawls the boundary from 0 to 1; with gap_slots=2,
	// slot s3 (rail index 3) falls inside the new gap window and has no
	// live chain id, so it must be reassigned SPREAD rather than keep
	// its stale SELL type.
	s3, ok := outcome.StateUpdates["s3"]
	require.True(t, ok)
	assert.Equal(t, core.TypeSpread, s3.Type)
}

func TestCommitWorkingGrid_AppliesDeltaAndReturnsToNormalPhase(t *testing.T) {
	m := newTestManager(sampleRail())
	m.SetBoundaryIdx(0)

	outcome, err := m.PerformSafeRebalance(context.Background(), nil, nil)
	require.NoError(t, err)

	before := m.master.Version()
	changed, err := m.CommitWorkingGrid(context.Background(), outcome.Working, outcome.WorkingBoundary, outcome.CacheDrawdown)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, changed, 0)
	if changed > 0 {
		assert.Greater(t, m.master.Version(), before)
	}
	assert.Equal(t, PhaseNormal, m.Phase())
}

func TestCommitWorkingGrid_RejectsStaleWorkingGrid(t *testing.T) {
	m := newTestManager(sampleRail())
	m.SetBoundaryIdx(0)

	outcome, err := m.PerformSafeRebalance(context.Background(), nil, nil)
	require.NoError(t, err)

	// Advance master out from under the working grid so it becomes stale.
	m.master.ApplyUpdate("s0", func(old core.Order) core.Order {
		old.Size = decimal.NewFromInt(999)
		return old
	})

	_, err = m.CommitWorkingGrid(context.Background(), outcome.Working, outcome.WorkingBoundary, outcome.CacheDrawdown)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "base version")

	m.workingMu.Lock()
	working := m.working
	m.workingMu.Unlock()
	assert.Nil(t, working)
}

func TestPauseFundRecalc_SuppressesRecalcUntilReleased(t *testing.T) {
	m := newTestManager(sampleRail())

	release := m.pauseFundRecalc()
	assert.True(t, m.fundRecalcPaused())
	release()
	assert.False(t, m.fundRecalcPaused())

	// Idempotent: calling release again must not underflow the counter.
	release()
	assert.False(t, m.fundRecalcPaused())
}

func TestPauseFundRecalc_NestedPausesRequireEveryReleaseCall(t *testing.T) {
	m := newTestManager(sampleRail())

	releaseA := m.pauseFundRecalc()
	releaseB := m.pauseFundRecalc()
	assert.True(t, m.fundRecalcPaused())

	releaseA()
	assert.True(t, m.fundRecalcPaused(), "still held by the second pause")

	releaseB()
	assert.False(t, m.fundRecalcPaused())
}

func TestBoundaryIdx_ClampsToRailBounds(t *testing.T) {
	m := newTestManager(sampleRail())

	m.SetBoundaryIdx(-5)
	assert.Equal(t, 0, m.BoundaryIdx())

	m.SetBoundaryIdx(999)
	assert.Equal(t, m.master.Len()-1, m.BoundaryIdx())
}

func TestPipelineEmpty_ReflectsPendingSignalsAndPhase(t *testing.T) {
	m := newTestManager(sampleRail())
	assert.True(t, m.PipelineEmpty())

	m.SetPendingFills(1)
	assert.False(t, m.PipelineEmpty())
	m.SetPendingFills(0)
	assert.True(t, m.PipelineEmpty())

	m.MarkDivergence(core.SideBuy, true)
	assert.False(t, m.PipelineEmpty())
	m.MarkDivergence(core.SideBuy, false)
	assert.True(t, m.PipelineEmpty())
}

func TestTrackPipelineHealth_ForceClearsAfterTimeout(t *testing.T) {
	m := newTestManager(sampleRail())
	m.SetPendingPriceCorrections(1)

	start := time.Now()
	m.TrackPipelineHealth(start)
	assert.False(t, m.PipelineEmpty())
	assert.Greater(t, m.PipelineBlockedSinceMs(start), int64(-1))

	// Still within timeout: signal stays blocked.
	m.TrackPipelineHealth(start.Add(10 * time.Millisecond))
	assert.False(t, m.PipelineEmpty())

	// Past PipelineTimeout (50ms): force-clear.
	m.TrackPipelineHealth(start.Add(100 * time.Millisecond))
	assert.True(t, m.PipelineEmpty())
}

func TestTrackPipelineHealth_DoesNotDeadlock(t *testing.T) {
	m := newTestManager(sampleRail())
	done := make(chan struct{})
	go func() {
		m.TrackPipelineHealth(time.Now())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TrackPipelineHealth deadlocked")
	}
}

func TestRunOpenOrdersSync_AcquiresLocksWithoutDeadlock(t *testing.T) {
	m := newTestManager(sampleRail())
	done := make(chan struct{})
	go func() {
		_, _ = m.RunOpenOrdersSync(context.Background(), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunOpenOrdersSync deadlocked")
	}
}

func TestProcessFill_UnknownChainOrderReturnsError(t *testing.T) {
	m := newTestManager(sampleRail())
	_, err := m.ProcessFill(context.Background(), core.Fill{ChainOrderID: "missing"}, "1.3.0", "1.3.113", core.Fees{})
	assert.Error(t, err)
}

func TestValidateGridForPersistence_PassesOnFreshGrid(t *testing.T) {
	m := newTestManager(sampleRail())
	assert.NoError(t, m.ValidateGridForPersistence())
}

func TestStatus_ReportsPhaseAndPipelineState(t *testing.T) {
	m := newTestManager(sampleRail())
	status := m.Status()
	assert.Equal(t, "NORMAL", status["phase"])
	assert.Equal(t, "empty", status["pipeline_empty"])
}

func TestHealthy_TrueWhenPipelineNotBlockedPastTimeout(t *testing.T) {
	m := newTestManager(sampleRail())
	assert.True(t, m.Healthy())
}
