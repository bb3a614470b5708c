// Package strategy implements the Boundary-Crawl grid strategy (spec
// §4.5): a single sorted "master rail" of slot prices, a boundary index
// separating BUY from SELL with a SPREAD buffer between them, and a
// per-side rebalance algorithm that reacts to fills by rotating and
// replacing orders within a reaction-capped budget.
package strategy

import (
	"sort"

	"dexgrid/internal/core"
	"dexgrid/internal/primitives"

	"github.com/shopspring/decimal"
)

// Config parameterizes the strategy, sourced from internal/config.GridConfig.
type Config struct {
	TargetSpreadPercent float64
	IncrementPercent    float64
	MinSpreadOrders     int
	MinSpreadFactor     float64
	BuyWindowSize       int
	SellWindowSize      int
	WeightBase          decimal.Decimal
	WeightStep          decimal.Decimal
	DustPercent         decimal.Decimal // DUST_PERCENT / 100
	ReactionCapSlots    int
	BuyPrecision        int32
	SellPrecision       int32
}

// GapSlots returns the number of SPREAD placeholder slots around the
// boundary (spec §4.5).
func (c Config) GapSlots() int {
	return primitives.GapSlots(c.TargetSpreadPercent, c.IncrementPercent, c.MinSpreadOrders, c.MinSpreadFactor)
}

// InitialBoundary computes boundary_idx when unset: the ACTIVE BUY slot
// closest to startPrice if one exists, otherwise split_idx -
// floor(gap_slots/2) - 1 (spec §4.5 "Initial boundary").
func InitialBoundary(rail []string, orders map[string]core.Order, startPrice decimal.Decimal, gapSlots int) int {
	bestIdx := -1
	bestDist := decimal.Decimal{}
	found := false

	for i, id := range rail {
		o, ok := orders[id]
		if !ok || o.Type != core.TypeBuy || o.State != core.StateActive {
			continue
		}
		dist := o.Price.Sub(startPrice).Abs()
		if !found || dist.LessThan(bestDist) {
			found = true
			bestDist = dist
			bestIdx = i
		}
	}
	if found {
		return bestIdx
	}

	splitIdx := len(rail)
	for i, id := range rail {
		if orders[id].Price.GreaterThanOrEqual(startPrice) {
			splitIdx = i
			break
		}
	}
	idx := splitIdx - gapSlots/2 - 1
	return clamp(idx, 0, len(rail)-1)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ShiftBoundary applies a sequence of fills to boundary_idx (spec §4.5
// "Shift"): BUY fill decrements, SELL fill increments; only non-partial
// fills and explicit double-replacement triggers count; unknown/malformed
// sides are ignored. The result is clamped to [0, railLen-1].
func ShiftBoundary(boundaryIdx int, fills []core.Fill, railLen int) int {
	idx := boundaryIdx
	for _, f := range fills {
		if f.Partial && !f.DoubleReplacementTrigger {
			continue
		}
		switch f.Side {
		case core.SideBuy:
			idx--
		case core.SideSell:
			idx++
		default:
			continue
		}
	}
	return clamp(idx, 0, railLen-1)
}

// AssignRoles computes the BUY/SPREAD/SELL type for every rail slot given
// the boundary and gap (spec §4.5 "Role assignment"). Slots with a live
// on-chain id that would otherwise become SPREAD keep their side until
// the chain confirms cancellation — callers pass pendingCancel to mark
// which slot ids are mid-cancellation.
func AssignRoles(rail []string, orders map[string]core.Order, boundaryIdx, gapSlots int, pendingCancel map[string]bool) map[string]core.OrderType {
	roles := make(map[string]core.OrderType, len(rail))
	for i, id := range rail {
		switch {
		case i <= boundaryIdx:
			roles[id] = core.TypeBuy
		case i <= boundaryIdx+gapSlots:
			o := orders[id]
			if o.ChainOrderID != "" && !pendingCancel[id] {
				roles[id] = o.Type
			} else {
				roles[id] = core.TypeSpread
			}
		default:
			roles[id] = core.TypeSell
		}
	}
	return roles
}

// SortMarketClosestFirst sorts slot ids for side by distance to the
// boundary (ascending), as required by rebalance step 1.
func SortMarketClosestFirst(rail []string, boundaryIdx int, ids []string, side core.Side) []string {
	out := append([]string(nil), ids...)
	pos := make(map[string]int, len(rail))
	for i, id := range rail {
		pos[id] = i
	}
	sort.Slice(out, func(i, j int) bool {
		di := distanceToBoundary(pos[out[i]], boundaryIdx, side)
		dj := distanceToBoundary(pos[out[j]], boundaryIdx, side)
		return di < dj
	})
	return out
}

func distanceToBoundary(pos, boundaryIdx int, side core.Side) int {
	if side == core.SideBuy {
		return boundaryIdx - pos
	}
	return pos - boundaryIdx
}
