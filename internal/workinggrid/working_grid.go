// Package workinggrid implements the copy-on-write planning surface that
// the strategy and reconciler build a target plan against before it is
// committed back into the master grid (spec §4.4).
package workinggrid

import (
	"sync"

	"dexgrid/internal/core"
	"dexgrid/internal/gridstate"
)

// WorkingGrid is a mutable clone of the master grid's slot map, tagged
// with the grid_version it was built from. It becomes stale the moment a
// concurrent master mutation invalidates that base version, or is
// explicitly marked stale by the manager during planning/broadcasting.
type WorkingGrid struct {
	mu          sync.RWMutex
	orders      map[string]core.Order
	baseVersion int64
	stale       bool
	staleReason string
}

// NewFromMaster clones master's current slot map as the starting point
// for a new plan.
func NewFromMaster(master *gridstate.MasterGrid) *WorkingGrid {
	return &WorkingGrid{
		orders:      master.Snapshot(),
		baseVersion: master.Version(),
	}
}

// Get returns the slot at id.
func (w *WorkingGrid) Get(id string) (core.Order, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	o, ok := w.orders[id]
	return o, ok
}

// Set installs a new value for id in the working copy.
func (w *WorkingGrid) Set(id string, o core.Order) {
	w.mu.Lock()
	defer w.mu.Unlock()
	o.SlotID = id
	w.orders[id] = o
}

// Delete removes id from the working copy.
func (w *WorkingGrid) Delete(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.orders, id)
}

// Entries returns every (slotID, order) pair currently in the plan.
func (w *WorkingGrid) Entries() map[string]core.Order {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]core.Order, len(w.orders))
	for k, v := range w.orders {
		out[k] = v
	}
	return out
}

// ToMap is an alias for Entries kept for parity with the spec's naming.
func (w *WorkingGrid) ToMap() map[string]core.Order {
	return w.Entries()
}

// GetIndexes computes by_state/by_type indices over the current working
// copy on demand; the working grid does not maintain them incrementally
// since plans are short-lived and rebuilt from scratch each rebalance.
func (w *WorkingGrid) GetIndexes() (byState map[core.OrderState][]string, byType map[core.OrderType][]string) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	byState = make(map[core.OrderState][]string)
	byType = make(map[core.OrderType][]string)
	for id, o := range w.orders {
		byState[o.State] = append(byState[o.State], id)
		byType[o.Type] = append(byType[o.Type], id)
	}
	return byState, byType
}

// SyncFromMaster pulls a single slot's latest value from master into the
// working copy, used when a concurrent fill updates a slot the plan still
// needs a fresh read of (spec §4.4 "sync_from_master(master, slot_id, version)").
// It returns false without mutating anything if master's version has
// already diverged from the working grid's base, since at that point the
// whole plan must be discarded rather than patched slot-by-slot.
func (w *WorkingGrid) SyncFromMaster(master *gridstate.MasterGrid, slotID string, version int64) bool {
	if version != w.BaseVersion() {
		w.MarkStale("master version diverged during sync_from_master")
		return false
	}
	o, ok := master.Get(slotID)
	if !ok {
		return false
	}
	w.Set(slotID, o)
	return true
}

// BaseVersion returns the grid_version this working grid was cloned from.
func (w *WorkingGrid) BaseVersion() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.baseVersion
}

// MarkStale flags the working grid as no longer committable and records
// why, for diagnostics.
func (w *WorkingGrid) MarkStale(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stale = true
	w.staleReason = reason
}

// IsStale reports whether the plan was explicitly marked stale, or the
// master has since advanced past this working grid's base version
// (spec §4.4: both conditions make a working grid uncommittable).
func (w *WorkingGrid) IsStale(master *gridstate.MasterGrid) (bool, string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stale {
		return true, w.staleReason
	}
	if master.Version() != w.baseVersion {
		return true, "base version no longer matches grid_version"
	}
	return false, ""
}

// Delta is one slot's before/after state in a plan.
type Delta struct {
	SlotID       string
	Before       core.Order
	BeforeExists bool
	After        core.Order
}

// BuildDelta diffs the working copy against master and returns every slot
// whose order value changed, used by the reconciler to avoid re-deriving
// actions for untouched slots.
func (w *WorkingGrid) BuildDelta(master *gridstate.MasterGrid) []Delta {
	w.mu.RLock()
	defer w.mu.RUnlock()

	deltas := make([]Delta, 0)
	for id, after := range w.orders {
		before, existed := master.Get(id)
		if !existed || !ordersEqual(before, after) {
			deltas = append(deltas, Delta{SlotID: id, Before: before, BeforeExists: existed, After: after})
		}
	}
	return deltas
}

// ordersEqual compares two orders field-by-field, using decimal.Equal
// instead of Go's == so that mathematically-equal decimals constructed
// through different code paths are not reported as a spurious delta.
func ordersEqual(a, b core.Order) bool {
	return a.SlotID == b.SlotID &&
		a.Price.Equal(b.Price) &&
		a.Type == b.Type &&
		a.State == b.State &&
		a.Size.Equal(b.Size) &&
		a.ChainOrderID == b.ChainOrderID &&
		a.CommittedSide == b.CommittedSide
}

// MemoryStats reports the size of the working copy, useful for the
// manager's pipeline-health telemetry.
type MemoryStats struct {
	SlotCount int
}

// MemoryStats returns coarse memory usage of the working grid.
func (w *WorkingGrid) MemoryStats() MemoryStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return MemoryStats{SlotCount: len(w.orders)}
}
