// Package reconciler diffs the master grid against a planned working grid
// and produces the compact action list the chain client executes (spec
// §4.6).
package reconciler

import (
	"dexgrid/internal/core"
	"dexgrid/internal/gridstate"
	"dexgrid/internal/workinggrid"
)

// ReconcileResult is the outcome of a single reconciliation pass.
type ReconcileResult struct {
	Actions  []core.Action
	Aborted  bool
	Reason   string
	Boundary int
}

// Reconcile diffs master against target and emits create/update/cancel
// actions (spec §4.6). The boundary is clamped to [0, master.Len()-1]
// before being returned.
func Reconcile(master *gridstate.MasterGrid, target *workinggrid.WorkingGrid, targetBoundary int, logger core.Logger) (ReconcileResult, error) {
	result := ReconcileResult{Actions: make([]core.Action, 0)}

	targetOrders := target.ToMap()
	visited := make(map[string]bool, len(targetOrders))

	for slotID, t := range targetOrders {
		visited[slotID] = true
		m, existsInMaster := master.Get(slotID)

		switch {
		case (!existsInMaster || m.State == core.StateVirtual) && t.Size.Sign() > 0:
			result.Actions = append(result.Actions, core.Action{
				Type:   core.ActionCreate,
				SlotID: slotID,
				Side:   sideOfType(t.Type),
				Price:  t.Price,
				Size:   t.Size,
			})

		case existsInMaster && m.ChainOrderID != "" && m.Type != t.Type:
			// Side invariance: never update in place across a side change.
			result.Actions = append(result.Actions,
				core.Action{Type: core.ActionCancel, SlotID: slotID, ChainOrderID: m.ChainOrderID, Side: sideOfType(m.Type), Price: m.Price, Size: m.Size},
			)
			if t.Size.Sign() > 0 {
				result.Actions = append(result.Actions,
					core.Action{Type: core.ActionCreate, SlotID: slotID, Side: sideOfType(t.Type), Price: t.Price, Size: t.Size},
				)
			}

		case existsInMaster && m.ChainOrderID != "" && !m.Size.Equal(t.Size):
			if t.Size.Sign() == 0 {
				result.Actions = append(result.Actions,
					core.Action{Type: core.ActionCancel, SlotID: slotID, ChainOrderID: m.ChainOrderID, Side: sideOfType(m.Type), Price: m.Price, Size: m.Size},
				)
			} else {
				result.Actions = append(result.Actions,
					core.Action{Type: core.ActionUpdate, SlotID: slotID, ChainOrderID: m.ChainOrderID, Side: sideOfType(t.Type), Price: t.Price, Size: t.Size},
				)
			}
		}
	}

	for _, slotID := range master.SortedSlotIDs() {
		if visited[slotID] {
			continue
		}
		m, ok := master.Get(slotID)
		if !ok || m.ChainOrderID == "" {
			continue
		}
		result.Actions = append(result.Actions,
			core.Action{Type: core.ActionCancel, SlotID: slotID, ChainOrderID: m.ChainOrderID, Side: sideOfType(m.Type), Price: m.Price, Size: m.Size},
		)
	}

	result.Boundary = clampBoundary(targetBoundary, master.Len())

	if logger != nil {
		logger.WithFields(map[string]interface{}{
			"actions":  len(result.Actions),
			"boundary": result.Boundary,
		}).Debug("reconcile pass complete")
	}

	return result, nil
}

func clampBoundary(idx, railLen int) int {
	if railLen == 0 {
		return 0
	}
	if idx < 0 {
		return 0
	}
	if idx > railLen-1 {
		return railLen - 1
	}
	return idx
}

func sideOfType(t core.OrderType) core.Side {
	if t == core.TypeSell {
		return core.SideSell
	}
	return core.SideBuy
}
