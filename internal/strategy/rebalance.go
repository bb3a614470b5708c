package strategy

import (
	"dexgrid/internal/core"
	"dexgrid/internal/primitives"

	"github.com/shopspring/decimal"
)

// RebalanceInput bundles everything the per-side rebalance needs (spec
// §4.5 "Per-side rebalance").
type RebalanceInput struct {
	Side          core.Side
	Rail          []string
	Orders        map[string]core.Order
	BoundaryIdx   int
	Available     decimal.Decimal // per-side budget, fee headroom already subtracted
	Fills         []core.Fill     // fills since the last rebalance, used for the reaction cap
	SideIsDoubled bool
	LockedSlotIDs map[string]bool // excluded from shortage/surplus consideration
	Precision     int32
	SpreadIsWider bool // widen target window by one when true and no fills pending
}

// Plan is the set of state transitions and chain actions one side's
// rebalance produces. SlotUpdates mutate the working grid; Actions are
// handed to the reconciler/sync engine for chain submission.
type Plan struct {
	SlotUpdates     map[string]core.Order
	SideIsDoubled   bool
	CapitalIncrease decimal.Decimal // funds newly committed to this side's orders, for the deferred cache-fund draw-down (spec §4.5 final paragraph)
}

// Rebalance runs the nine-step per-side algorithm from spec §4.5 and
// returns the resulting slot updates. It does not touch the chain
// directly; ideal sizes and actions are derived purely from the grid
// snapshot passed in, so the caller can diff the result against the
// master grid via the reconciler.
func Rebalance(cfg Config, in RebalanceInput) Plan {
	targetCount := cfg.windowSize(in.Side)
	if in.SpreadIsWider && len(in.Fills) == 0 {
		targetCount++
	}

	sideIDs := idsOfType(in.Orders, sideType(in.Side))
	sorted := SortMarketClosestFirst(in.Rail, in.BoundaryIdx, sideIDs, in.Side)

	windowLen := targetCount
	if windowLen > len(sorted) {
		windowLen = len(sorted)
	}
	targetWindow := sorted[:windowLen]

	idealSizes := primitives.AllocateFundsByWeights(in.Available, len(sorted), cfg.WeightBase, cfg.WeightStep, in.Side == core.SideBuy, false, in.Precision)
	idealBySlot := make(map[string]decimal.Decimal, len(sorted))
	for i, id := range sorted {
		idealBySlot[id] = idealSizes[i]
	}

	dustThreshold := func(id string) decimal.Decimal {
		return idealBySlot[id].Mul(cfg.DustPercent)
	}

	inWindow := make(map[string]bool, len(targetWindow))
	for _, id := range targetWindow {
		inWindow[id] = true
	}

	updates := make(map[string]core.Order)
	sideIsDoubled := in.SideIsDoubled

	// Step 3: shortages and surpluses.
	var shortages, surpluses []string
	for _, id := range targetWindow {
		if in.LockedSlotIDs[id] {
			continue
		}
		o := in.Orders[id]
		if o.ChainOrderID == "" || o.Size.LessThan(dustThreshold(id)) {
			shortages = append(shortages, id)
		}
	}
	for _, id := range sorted {
		if in.LockedSlotIDs[id] {
			continue
		}
		o := in.Orders[id]
		if o.ChainOrderID == "" {
			continue
		}
		if !inWindow[id] || o.Size.LessThan(dustThreshold(id)) {
			surpluses = append(surpluses, id)
		}
	}

	// Step 4: sort surpluses, PARTIAL first, then market-closest-first
	// (already the order `sorted` walks in, since sorted is
	// market-closest-first overall).
	sortSurpluses(surpluses, in.Orders, in.Rail, in.BoundaryIdx, in.Side)

	// Step 5: reaction cap.
	reactionBudget := reactionCap(in.Side, in.Fills, cfg.ReactionCapSlots)

	remaining := in.Available
	actionsUsed := 0

	// Step 6: PARTIAL orders inside the window handled first. A non-dust
	// partial is double-replaced: resized to ideal_size here, and its old
	// size placed fresh in the adjacent outward slot below if that slot
	// is free to take a new order.
	for i, id := range targetWindow {
		if actionsUsed >= reactionBudget {
			break
		}
		if in.LockedSlotIDs[id] {
			continue
		}
		o := in.Orders[id]
		if o.State != core.StatePartial {
			continue
		}
		oldSize := o.Size
		ideal := idealBySlot[id]
		newSize := capByFunds(ideal, remaining)
		updates[id] = withSize(o, newSize)
		remaining = remaining.Sub(newSize)
		actionsUsed++

		if oldSize.LessThan(dustThreshold(id)) {
			sideIsDoubled = true
			continue
		}
		if actionsUsed >= reactionBudget || i+1 >= len(sorted) {
			continue
		}
		adjID := sorted[i+1]
		if _, already := updates[adjID]; already {
			continue
		}
		adj := in.Orders[adjID]
		if adj.State != core.StateVirtual || adj.ChainOrderID != "" {
			continue
		}
		replacementSize := capByFunds(oldSize, remaining)
		if replacementSize.Sign() <= 0 {
			continue
		}
		updates[adjID] = withPendingActivation(adj, replacementSize, sideType(in.Side))
		remaining = remaining.Sub(replacementSize)
		actionsUsed++
	}

	// Step 7: rotate surpluses into shortages, inner to outer.
	si, ti := 0, 0
	for si < len(surpluses) && ti < len(shortages) && actionsUsed < reactionBudget {
		surplusID := surpluses[si]
		targetID := shortages[ti]
		if _, already := updates[surplusID]; already {
			si++
			continue
		}
		if _, already := updates[targetID]; already {
			ti++
			continue
		}

		targetIdeal := capByFunds(idealBySlot[targetID], remaining)
		updates[surplusID] = asVirtualEmpty(in.Orders[surplusID])
		updates[targetID] = withPendingActivation(in.Orders[targetID], targetIdeal, sideType(in.Side))

		remaining = remaining.Sub(targetIdeal)
		actionsUsed++
		si++
		ti++
	}

	// Step 8: place new orders at remaining outermost shortages.
	remainingShortages := shortages[ti:]
	for i := len(remainingShortages) - 1; i >= 0 && actionsUsed < reactionBudget; i-- {
		id := remainingShortages[i]
		if _, already := updates[id]; already {
			continue
		}
		ordersLeft := i + 1
		perOrder := remaining.Div(decimal.NewFromInt(int64(ordersLeft)))
		size := capByFunds(idealBySlot[id], perOrder)
		if size.Sign() <= 0 {
			continue
		}
		updates[id] = withPendingActivation(in.Orders[id], size, sideType(in.Side))
		remaining = remaining.Sub(size)
		actionsUsed++
	}

	// Step 9: cancel any surplus not rotated.
	for _, id := range surpluses[si:] {
		if _, already := updates[id]; already {
			continue
		}
		updates[id] = asVirtualEmpty(in.Orders[id])
	}

	return Plan{
		SlotUpdates:     updates,
		SideIsDoubled:   sideIsDoubled,
		CapitalIncrease: in.Available.Sub(remaining),
	}
}

func (c Config) windowSize(side core.Side) int {
	if side == core.SideBuy {
		return c.BuyWindowSize
	}
	return c.SellWindowSize
}

func sideType(side core.Side) core.OrderType {
	if side == core.SideBuy {
		return core.TypeBuy
	}
	return core.TypeSell
}

func idsOfType(orders map[string]core.Order, typ core.OrderType) []string {
	ids := make([]string, 0)
	for id, o := range orders {
		if o.Type == typ {
			ids = append(ids, id)
		}
	}
	return ids
}

func sortSurpluses(ids []string, orders map[string]core.Order, rail []string, boundaryIdx int, side core.Side) {
	pos := make(map[string]int, len(rail))
	for i, id := range rail {
		pos[id] = i
	}
	less := func(i, j int) bool {
		oi, oj := orders[ids[i]], orders[ids[j]]
		pi, pj := oi.State == core.StatePartial, oj.State == core.StatePartial
		if pi != pj {
			return pi
		}
		return distanceToBoundary(pos[ids[i]], boundaryIdx, side) < distanceToBoundary(pos[ids[j]], boundaryIdx, side)
	}
	insertionSort(ids, less)
}

func insertionSort(ids []string, less func(i, j int) bool) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func reactionCap(side core.Side, fills []core.Fill, floorCap int) int {
	opposite := side.Other()
	count := 0
	for _, f := range fills {
		if f.Partial && !f.DoubleReplacementTrigger {
			continue
		}
		if f.Side != opposite {
			continue
		}
		count++
	}
	if count == 0 {
		if floorCap < 1 {
			return 1
		}
		return floorCap
	}
	if count > floorCap {
		return floorCap
	}
	return count
}

func capByFunds(ideal, available decimal.Decimal) decimal.Decimal {
	if ideal.GreaterThan(available) {
		if available.Sign() < 0 {
			return decimal.Zero
		}
		return available
	}
	return ideal
}

func withSize(o core.Order, size decimal.Decimal) core.Order {
	o.Size = size
	return o
}

func asVirtualEmpty(o core.Order) core.Order {
	o.State = core.StateVirtual
	o.Size = decimal.Zero
	o.ChainOrderID = ""
	return o
}

func withPendingActivation(o core.Order, size decimal.Decimal, typ core.OrderType) core.Order {
	o.Type = typ
	o.Size = size
	o.State = core.StateVirtual
	o.CommittedSide = sideOf(typ)
	return o
}

func sideOf(typ core.OrderType) core.Side {
	if typ == core.TypeBuy {
		return core.SideBuy
	}
	return core.SideSell
}
