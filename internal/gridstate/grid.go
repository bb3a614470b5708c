// Package gridstate implements the frozen master grid: an atomically
// swapped, copy-on-write map of slot_id -> Order plus the by_state/by_type
// indices that every other component queries (spec §3, §4.2).
package gridstate

import (
	"fmt"
	"sort"
	"sync/atomic"

	"dexgrid/internal/core"

	"github.com/shopspring/decimal"
)

// snapshot is the immutable payload behind the master grid's atomic
// pointer. Every mutation builds a new snapshot and swaps it in; readers
// never see a torn or partially-updated view.
type snapshot struct {
	orders  map[string]core.Order
	byState map[core.OrderState]map[string]struct{}
	byType  map[core.OrderType]map[string]struct{}
	version int64
}

func newEmptySnapshot() *snapshot {
	return &snapshot{
		orders: make(map[string]core.Order),
		byState: map[core.OrderState]map[string]struct{}{
			core.StateVirtual: {},
			core.StateActive:  {},
			core.StatePartial: {},
		},
		byType: map[core.OrderType]map[string]struct{}{
			core.TypeBuy:    {},
			core.TypeSell:   {},
			core.TypeSpread: {},
		},
	}
}

func (s *snapshot) clone() *snapshot {
	out := &snapshot{
		orders:  make(map[string]core.Order, len(s.orders)),
		byState: make(map[core.OrderState]map[string]struct{}, len(s.byState)),
		byType:  make(map[core.OrderType]map[string]struct{}, len(s.byType)),
		version: s.version,
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for state, set := range s.byState {
		ns := make(map[string]struct{}, len(set))
		for k := range set {
			ns[k] = struct{}{}
		}
		out.byState[state] = ns
	}
	for typ, set := range s.byType {
		ns := make(map[string]struct{}, len(set))
		for k := range set {
			ns[k] = struct{}{}
		}
		out.byType[typ] = ns
	}
	return out
}

func (s *snapshot) index(slotID string, state core.OrderState, typ core.OrderType) {
	if s.byState[state] == nil {
		s.byState[state] = make(map[string]struct{})
	}
	if s.byType[typ] == nil {
		s.byType[typ] = make(map[string]struct{})
	}
	s.byState[state][slotID] = struct{}{}
	s.byType[typ][slotID] = struct{}{}
}

func (s *snapshot) unindex(slotID string, state core.OrderState, typ core.OrderType) {
	delete(s.byState[state], slotID)
	delete(s.byType[typ], slotID)
}

// MasterGrid is the frozen master grid. A single atomic.Pointer holds the
// current snapshot; the grid-mutation caller is responsible for holding
// the manager's grid mutex around multi-step updates (spec §5).
type MasterGrid struct {
	ptr              atomic.Pointer[snapshot]
	lastIllegalState atomic.Pointer[string]
}

// NewMasterGrid creates an empty grid at version 0.
func NewMasterGrid() *MasterGrid {
	g := &MasterGrid{}
	g.ptr.Store(newEmptySnapshot())
	return g
}

// Version returns the current grid_version.
func (g *MasterGrid) Version() int64 {
	return g.ptr.Load().version
}

// Get returns the order at slotID and whether it exists.
func (g *MasterGrid) Get(slotID string) (core.Order, bool) {
	s := g.ptr.Load()
	o, ok := s.orders[slotID]
	return o, ok
}

// Len returns the number of slots in the grid.
func (g *MasterGrid) Len() int {
	return len(g.ptr.Load().orders)
}

// Snapshot returns an independent copy of the current slot map, safe for
// the caller to range over without racing a concurrent mutation.
func (g *MasterGrid) Snapshot() map[string]core.Order {
	s := g.ptr.Load()
	out := make(map[string]core.Order, len(s.orders))
	for k, v := range s.orders {
		out[k] = v
	}
	return out
}

// SortedSlotIDs returns every slot id ordered by ascending price, the
// "master rail" order used by the boundary-crawl strategy.
func (g *MasterGrid) SortedSlotIDs() []string {
	s := g.ptr.Load()
	ids := make([]string, 0, len(s.orders))
	for id := range s.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.orders[ids[i]].Price.LessThan(s.orders[ids[j]].Price)
	})
	return ids
}

// SlotIDsByType returns a snapshot copy of the slot ids indexed under typ.
func (g *MasterGrid) SlotIDsByType(typ core.OrderType) []string {
	s := g.ptr.Load()
	set := s.byType[typ]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// SlotIDsByState returns a snapshot copy of the slot ids indexed under state.
func (g *MasterGrid) SlotIDsByState(state core.OrderState) []string {
	s := g.ptr.Load()
	set := s.byState[state]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Init installs the full initial slot set, replacing whatever grid state
// existed before. Used once at bot startup when the master rail is built.
func (g *MasterGrid) Init(orders map[string]core.Order) {
	s := newEmptySnapshot()
	s.version = g.ptr.Load().version
	for id, o := range orders {
		s.orders[id] = o
		s.index(id, o.State, o.Type)
	}
	g.ptr.Store(s)
}

// downgradePhantom rewrites an order claiming on-chain state without a
// chain_order_id (invariant 1, spec §7 PhantomOrder) to VIRTUAL/size 0,
// reporting whether a correction was made.
func downgradePhantom(o core.Order) (core.Order, bool) {
	if !o.IsPhantom() {
		return o, false
	}
	o.State = core.StateVirtual
	o.Size = decimal.Zero
	return o, true
}

// setLastIllegalState records msg for the next TakeLastIllegalState call
// (spec §7 "last_illegal_state", consumed and reset by orchestration).
func (g *MasterGrid) setLastIllegalState(msg string) {
	g.lastIllegalState.Store(&msg)
}

// TakeLastIllegalState returns the most recently recorded illegal-state
// correction message and clears it, or ("", false) if none is pending.
func (g *MasterGrid) TakeLastIllegalState() (string, bool) {
	p := g.lastIllegalState.Swap(nil)
	if p == nil {
		return "", false
	}
	return *p, true
}

// ApplyUpdate produces a new Order from the old one via fn, installs it
// into a cloned grid map, and atomically swaps the master reference (spec
// §4.2 "every apply_order_update produces a new Order record"). A result
// that would install a phantom order (ACTIVE/PARTIAL with no chain id) is
// auto-corrected to VIRTUAL/size 0 and raises last_illegal_state (spec §7
// PhantomOrder, seed scenario S5), rather than installed verbatim. Returns
// the new order and the new grid_version.
func (g *MasterGrid) ApplyUpdate(slotID string, fn func(old core.Order) core.Order) (core.Order, int64, error) {
	for {
		cur := g.ptr.Load()
		old, ok := cur.orders[slotID]
		if !ok {
			return core.Order{}, 0, fmt.Errorf("gridstate: unknown slot %q", slotID)
		}
		updated := fn(old)
		updated.SlotID = slotID
		if corrected, wasPhantom := downgradePhantom(updated); wasPhantom {
			updated = corrected
			g.setLastIllegalState(fmt.Sprintf("phantom order auto-corrected to VIRTUAL at slot %q", slotID))
		}

		next := cur.clone()
		next.unindex(slotID, old.State, old.Type)
		next.orders[slotID] = updated
		next.index(slotID, updated.State, updated.Type)
		next.version = cur.version + 1

		if g.ptr.CompareAndSwap(cur, next) {
			return updated, next.version, nil
		}
		// Lost the race to a concurrent mutation; retry against the new base.
	}
}

// ApplyBatch installs multiple slot updates as a single atomic version
// bump, used by the reconciler's commit path so a partially-applied plan
// never becomes visible. Any update that would install a phantom order is
// auto-corrected the same way ApplyUpdate does (spec §7 PhantomOrder).
func (g *MasterGrid) ApplyBatch(updates map[string]core.Order) int64 {
	cur := g.ptr.Load()
	next := cur.clone()
	for id, updated := range updates {
		if corrected, wasPhantom := downgradePhantom(updated); wasPhantom {
			updated = corrected
			g.setLastIllegalState(fmt.Sprintf("phantom order auto-corrected to VIRTUAL at slot %q", id))
		}
		if old, ok := next.orders[id]; ok {
			next.unindex(id, old.State, old.Type)
		}
		next.orders[id] = updated
		next.index(id, updated.State, updated.Type)
	}
	next.version = cur.version + 1
	g.ptr.Store(next)
	return next.version
}

// ValidateIndices is a debug invariant (spec §4.2): every slot appears in
// exactly one state set and one type set, and no set references an
// absent slot.
func (g *MasterGrid) ValidateIndices() error {
	s := g.ptr.Load()
	for id, o := range s.orders {
		if _, ok := s.byState[o.State][id]; !ok {
			return fmt.Errorf("gridstate: slot %q missing from byState[%s]", id, o.State)
		}
		if _, ok := s.byType[o.Type][id]; !ok {
			return fmt.Errorf("gridstate: slot %q missing from byType[%s]", id, o.Type)
		}
	}
	for state, set := range s.byState {
		for id := range set {
			if o, ok := s.orders[id]; !ok || o.State != state {
				return fmt.Errorf("gridstate: byState[%s] references stale slot %q", state, id)
			}
		}
	}
	for typ, set := range s.byType {
		for id := range set {
			if o, ok := s.orders[id]; !ok || o.Type != typ {
				return fmt.Errorf("gridstate: byType[%s] references stale slot %q", typ, id)
			}
		}
	}
	return nil
}

// RepairIndices rebuilds both index sets from the master map, discarding
// whatever inconsistent state the indices held before.
func (g *MasterGrid) RepairIndices() {
	cur := g.ptr.Load()
	next := newEmptySnapshot()
	next.version = cur.version
	for id, o := range cur.orders {
		next.orders[id] = o
		next.index(id, o.State, o.Type)
	}
	g.ptr.Store(next)
}
