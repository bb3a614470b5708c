package strategy

import (
	"testing"

	"dexgrid/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		TargetSpreadPercent: 1,
		IncrementPercent:    0.5,
		MinSpreadOrders:     1,
		MinSpreadFactor:     2,
		BuyWindowSize:       3,
		SellWindowSize:      3,
		WeightBase:          decimal.NewFromInt(1),
		WeightStep:          decimal.NewFromFloat(0.1),
		DustPercent:         decimal.NewFromFloat(0.05),
		ReactionCapSlots:    5,
		BuyPrecision:        5,
		SellPrecision:       5,
	}
}

func TestRebalance_FillsEmptyShortagesWithinWindow(t *testing.T) {
	cfg := testConfig()
	rail := []string{"b2", "b1", "b0", "spread", "s0", "s1", "s2"}
	orders := map[string]core.Order{
		"b2": {SlotID: "b2", Type: core.TypeBuy, State: core.StateVirtual},
		"b1": {SlotID: "b1", Type: core.TypeBuy, State: core.StateVirtual},
		"b0": {SlotID: "b0", Type: core.TypeBuy, State: core.StateVirtual},
	}

	in := RebalanceInput{
		Side:        core.SideBuy,
		Rail:        rail,
		Orders:      orders,
		BoundaryIdx: 2,
		Available:   decimal.NewFromInt(300),
		Precision:   cfg.BuyPrecision,
	}

	plan := Rebalance(cfg, in)
	require.NotEmpty(t, plan.SlotUpdates)
	for id, o := range plan.SlotUpdates {
		assert.Equal(t, core.TypeBuy, o.Type, "slot %s should stay BUY", id)
		assert.True(t, o.Size.GreaterThan(decimal.Zero), "slot %s should be funded", id)
	}
}

func TestRebalance_RotatesSurplusOutsideWindowIntoShortageInside(t *testing.T) {
	cfg := testConfig()
	cfg.BuyWindowSize = 2
	rail := []string{"b3", "b2", "b1", "b0", "spread"}
	orders := map[string]core.Order{
		"b3": {SlotID: "b3", Type: core.TypeBuy, State: core.StateActive, ChainOrderID: "1.7.1", Size: decimal.NewFromInt(50)},
		"b2": {SlotID: "b2", Type: core.TypeBuy, State: core.StateVirtual},
		"b1": {SlotID: "b1", Type: core.TypeBuy, State: core.StateVirtual},
		"b0": {SlotID: "b0", Type: core.TypeBuy, State: core.StateVirtual},
	}

	in := RebalanceInput{
		Side:        core.SideBuy,
		Rail:        rail,
		Orders:      orders,
		BoundaryIdx: 3,
		Available:   decimal.NewFromInt(100),
		Precision:   cfg.BuyPrecision,
	}

	plan := Rebalance(cfg, in)

	b3, ok := plan.SlotUpdates["b3"]
	require.True(t, ok, "b3 sits outside the 2-wide window and is a surplus candidate")
	assert.Equal(t, core.StateVirtual, b3.State)
	assert.True(t, b3.Size.IsZero())

	rotated := false
	for id, o := range plan.SlotUpdates {
		if id != "b3" && o.Size.GreaterThan(decimal.Zero) {
			rotated = true
		}
	}
	assert.True(t, rotated, "the freed funds should activate a shortage inside the window")
}

func TestRebalance_ReactionCapLimitsActionsWhenFillsPresent(t *testing.T) {
	cfg := testConfig()
	cfg.ReactionCapSlots = 5
	rail := []string{"b2", "b1", "b0", "spread"}
	orders := map[string]core.Order{
		"b2": {SlotID: "b2", Type: core.TypeBuy, State: core.StateVirtual},
		"b1": {SlotID: "b1", Type: core.TypeBuy, State: core.StateVirtual},
		"b0": {SlotID: "b0", Type: core.TypeBuy, State: core.StateVirtual},
	}
	fills := []core.Fill{{Side: core.SideSell}}

	in := RebalanceInput{
		Side:        core.SideBuy,
		Rail:        rail,
		Orders:      orders,
		BoundaryIdx: 2,
		Available:   decimal.NewFromInt(300),
		Fills:       fills,
		Precision:   cfg.BuyPrecision,
	}

	plan := Rebalance(cfg, in)
	assert.Len(t, plan.SlotUpdates, 1, "a single opposite-side fill caps reactions at one slot")
}

func TestRebalance_PartialInWindowIsResizedFirst(t *testing.T) {
	cfg := testConfig()
	rail := []string{"b1", "b0", "spread"}
	orders := map[string]core.Order{
		"b1": {SlotID: "b1", Type: core.TypeBuy, State: core.StatePartial, ChainOrderID: "1.7.9", Size: decimal.NewFromInt(10)},
		"b0": {SlotID: "b0", Type: core.TypeBuy, State: core.StateVirtual},
	}

	in := RebalanceInput{
		Side:        core.SideBuy,
		Rail:        rail,
		Orders:      orders,
		BoundaryIdx: 1,
		Available:   decimal.NewFromInt(50),
		Precision:   cfg.BuyPrecision,
	}

	plan := Rebalance(cfg, in)
	updated, ok := plan.SlotUpdates["b1"]
	require.True(t, ok)
	assert.True(t, updated.Size.GreaterThan(decimal.Zero))
}

func TestRebalance_NonDustPartialDoubleReplacesAdjacentOutwardSlot(t *testing.T) {
	cfg := testConfig()
	rail := []string{"b2", "b1", "b0", "spread"}
	orders := map[string]core.Order{
		"b0": {SlotID: "b0", Type: core.TypeBuy, State: core.StateVirtual},
		"b1": {SlotID: "b1", Type: core.TypeBuy, State: core.StatePartial, ChainOrderID: "1.7.1", Size: decimal.NewFromInt(20)},
		"b2": {SlotID: "b2", Type: core.TypeBuy, State: core.StateVirtual},
	}

	in := RebalanceInput{
		Side:        core.SideBuy,
		Rail:        rail,
		Orders:      orders,
		BoundaryIdx: 2,
		Available:   decimal.NewFromInt(300),
		Precision:   cfg.BuyPrecision,
	}

	plan := Rebalance(cfg, in)

	resized, ok := plan.SlotUpdates["b1"]
	require.True(t, ok)
	assert.True(t, resized.Size.GreaterThan(decimal.Zero))

	replacement, ok := plan.SlotUpdates["b2"]
	require.True(t, ok, "the adjacent outward slot should receive a fresh order of the old partial size")
	assert.Equal(t, core.TypeBuy, replacement.Type)
	assert.True(t, replacement.Size.Equal(decimal.NewFromInt(20)), "replacement should carry the old partial's size, not the new ideal size")
}

func TestRebalance_DustPartialSkipsAdjacentReplacement(t *testing.T) {
	cfg := testConfig()
	rail := []string{"b2", "b1", "b0", "spread"}
	orders := map[string]core.Order{
		"b0": {SlotID: "b0", Type: core.TypeBuy, State: core.StateVirtual},
		"b1": {SlotID: "b1", Type: core.TypeBuy, State: core.StatePartial, ChainOrderID: "1.7.1", Size: decimal.NewFromFloat(0.0001)},
		"b2": {SlotID: "b2", Type: core.TypeBuy, State: core.StateVirtual},
	}

	in := RebalanceInput{
		Side:        core.SideBuy,
		Rail:        rail,
		Orders:      orders,
		BoundaryIdx: 2,
		Available:   decimal.NewFromInt(300),
		Precision:   cfg.BuyPrecision,
	}

	plan := Rebalance(cfg, in)

	replacement, ok := plan.SlotUpdates["b2"]
	require.True(t, ok, "b2 is still placed to fill its own shortage")
	assert.False(t, replacement.Size.Equal(decimal.NewFromFloat(0.0001)), "a dust partial must not trigger a double-replacement of the old size")
}

func TestRebalance_LockedSlotsAreNeverTouched(t *testing.T) {
	cfg := testConfig()
	rail := []string{"b1", "b0", "spread"}
	orders := map[string]core.Order{
		"b1": {SlotID: "b1", Type: core.TypeBuy, State: core.StateActive, ChainOrderID: "1.7.1", Size: decimal.NewFromInt(1)},
		"b0": {SlotID: "b0", Type: core.TypeBuy, State: core.StateVirtual},
	}

	in := RebalanceInput{
		Side:          core.SideBuy,
		Rail:          rail,
		Orders:        orders,
		BoundaryIdx:   1,
		Available:     decimal.NewFromInt(50),
		Precision:     cfg.BuyPrecision,
		LockedSlotIDs: map[string]bool{"b1": true},
	}

	plan := Rebalance(cfg, in)
	_, touched := plan.SlotUpdates["b1"]
	assert.False(t, touched, "a locked slot must not appear in the plan")
}

func TestReactionCap_FloorWhenNoOppositeFills(t *testing.T) {
	budget := reactionCap(core.SideBuy, nil, 3)
	assert.Equal(t, 3, budget)
}

func TestReactionCap_CountsOnlyOppositeNonPartialFills(t *testing.T) {
	fills := []core.Fill{
		{Side: core.SideSell},
		{Side: core.SideSell},
		{Side: core.SideBuy},
		{Side: core.SideSell, Partial: true},
	}
	budget := reactionCap(core.SideBuy, fills, 5)
	assert.Equal(t, 2, budget)
}

func TestCapByFunds_NeverExceedsAvailable(t *testing.T) {
	result := capByFunds(decimal.NewFromInt(100), decimal.NewFromInt(30))
	assert.True(t, result.Equal(decimal.NewFromInt(30)))

	resultNeg := capByFunds(decimal.NewFromInt(100), decimal.NewFromInt(-5))
	assert.True(t, resultNeg.IsZero())
}
