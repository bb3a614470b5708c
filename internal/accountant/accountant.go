// Package accountant implements the fund-accounting state machine (spec
// §3 "Fund state", §4.3). All public operations serialize through a
// single fund mutex; nothing here touches the master grid directly — the
// manager recomputes accountant state from the grid it owns.
package accountant

import (
	"context"
	"sync"

	"dexgrid/internal/core"
	"dexgrid/internal/primitives"
	"dexgrid/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// FeeLookup resolves the per-asset fee schedule used when crediting fill
// proceeds (spec §4.1, §4.3 process_fill_accounting).
type FeeLookup interface {
	GetAssetFees(symbol string, rawAmount decimal.Decimal, isMaker bool) (core.Fees, error)
}

// Accountant owns funds, account_totals and allocated caps for one grid.
type Accountant struct {
	mu sync.Mutex

	precision core.AssetInfo // fee-asset metadata; invariant tolerances use RecalculateFunds' per-side precision map instead
	allocated core.Allocated

	totals core.AccountTotals
	funds  core.Funds

	lastIllegalState      string
	lastAccountingFailure string
	recoveredThisCycle    bool

	logger core.Logger
}

// New constructs an Accountant with the given allocated caps and fee-asset
// metadata. Invariant tolerances are computed from the per-side precision
// map passed to RecalculateFunds, not from feeAssetInfo.
func New(allocated core.Allocated, feeAssetInfo core.AssetInfo, logger core.Logger) *Accountant {
	return &Accountant{
		allocated: allocated,
		precision: feeAssetInfo,
		logger:    logger,
	}
}

// ResetFunds zeros all sub-totals (spec §4.3 reset_funds).
func (a *Accountant) ResetFunds() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funds = core.Funds{}
}

// SetAccountTotals installs the latest chain-observed totals, consulted
// by RecalculateFunds.
func (a *Accountant) SetAccountTotals(t core.AccountTotals) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals = t
}

// Funds returns a copy of the current fund state.
func (a *Accountant) Funds() core.Funds {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.funds
}

// AccountTotals returns a copy of the current chain-observed totals.
func (a *Accountant) AccountTotals() core.AccountTotals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}

// RecalculateFunds recomputes every sub-total from the master grid's
// current orders and the last-set account_totals (spec §4.3
// recalculate_funds). startPrice classifies SPREAD slots by side for the
// committed.grid split (Open Question 1: split by price rather than
// reporting zero, so fund caps still reflect capital genuinely reserved
// by a spread slot that is mid-transition).
func (a *Accountant) RecalculateFunds(orders map[string]core.Order, startPrice decimal.Decimal, feeHeadroom core.BuySell, precision map[core.Side]int32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var committedGrid, virtual core.BuySell

	for _, o := range orders {
		side, ok := classifySide(o, startPrice)
		if !ok {
			continue
		}
		switch o.State {
		case core.StateActive, core.StatePartial:
			committedGrid = committedGrid.Add(side, o.Size)
		case core.StateVirtual:
			if o.Type != core.TypeSpread {
				virtual = virtual.Add(side, o.Size)
			}
		}
	}

	a.funds.Committed.Grid = committedGrid
	a.funds.Virtual = virtual

	totalChain := core.BuySell{
		Buy:  a.totals.BuyFree.Add(a.funds.Committed.Chain.Buy),
		Sell: a.totals.SellFree.Add(a.funds.Committed.Chain.Sell),
	}
	a.funds.Total.Chain = totalChain

	totalGrid := core.BuySell{
		Buy:  committedGrid.Buy.Add(virtual.Buy),
		Sell: committedGrid.Sell.Add(virtual.Sell),
	}
	a.funds.Total.Grid = totalGrid

	for _, side := range []core.Side{core.SideBuy, core.SideSell} {
		computedAvailable := a.totals.Free(side).Sub(virtual.Get(side)).Sub(feeHeadroom.Get(side))
		allocCap := a.allocated.Get(side)
		available := computedAvailable
		if available.GreaterThan(allocCap) {
			available = allocCap
		}
		if available.IsNegative() {
			available = decimal.Zero
		}
		a.funds.Available = a.funds.Available.Set(side, available)
	}

	a.verifyInvariantsLocked(precision)
}

func classifySide(o core.Order, startPrice decimal.Decimal) (core.Side, bool) {
	switch o.Type {
	case core.TypeBuy:
		return core.SideBuy, true
	case core.TypeSell:
		return core.SideSell, true
	case core.TypeSpread:
		if o.Price.LessThan(startPrice) {
			return core.SideBuy, true
		}
		return core.SideSell, true
	default:
		return "", false
	}
}

// verifyInvariantsLocked checks invariant 4 (fund-drift) for both sides,
// logging and flagging a single recovery attempt per cycle on violation.
// Callers must hold a.mu.
func (a *Accountant) verifyInvariantsLocked(precision map[core.Side]int32) {
	for _, side := range []core.Side{core.SideBuy, core.SideSell} {
		total := a.totals.Total(side)
		free := a.totals.Free(side)
		committed := a.funds.Committed.Grid.Get(side)
		p := precision[side]

		drift := total.Sub(free.Add(committed)).Abs()
		tol := primitives.Tolerance(total, p)

		if drift.GreaterThan(tol) {
			a.lastAccountingFailure = "fund drift exceeds tolerance for " + string(side)
			if a.logger != nil {
				a.logger.Error("accountant: invariant violation", "side", side, "drift", drift.String(), "tolerance", tol.String())
			}
			if !a.recoveredThisCycle {
				a.recoveredThisCycle = true
				// The manager observes lastAccountingFailure via
				// LastAccountingFailure and is responsible for driving
				// the actual fetch-balances/re-sync/re-validate recovery;
				// the accountant only raises the signal once per cycle.
			}
		}
	}
}

// ResetCycle clears the per-cycle recovery latch; called by the manager
// once a new reconciliation cycle begins.
func (a *Accountant) ResetCycle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recoveredThisCycle = false
}

// LastAccountingFailure returns the last invariant-violation message, or
// "" if none is outstanding.
func (a *Accountant) LastAccountingFailure() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAccountingFailure
}

// TryDeductFromChainFree atomically deducts amount from chain_free[side];
// fails without mutating state if insufficient (spec §4.3).
func (a *Accountant) TryDeductFromChainFree(side core.Side, amount decimal.Decimal, op string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	free := a.totals.Free(side)
	if free.LessThan(amount) {
		if a.logger != nil {
			a.logger.Debug("accountant: insufficient chain_free", "side", side, "op", op, "free", free.String(), "requested", amount.String())
		}
		return false
	}
	a.totals = a.totals.WithFree(side, free.Sub(amount))
	return true
}

// AddToChainFree always succeeds (spec §4.3).
func (a *Accountant) AddToChainFree(side core.Side, amount decimal.Decimal, op string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals = a.totals.WithFree(side, a.totals.Free(side).Add(amount))
}

// AdjustTotalBalance updates total and (unless totalOnly) free; free may
// go transiently negative, total is clamped at zero (spec §4.3).
func (a *Accountant) AdjustTotalBalance(side core.Side, delta decimal.Decimal, op string, totalOnly bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	newTotal := a.totals.Total(side).Add(delta)
	if newTotal.IsNegative() {
		newTotal = decimal.Zero
	}
	a.totals = a.totals.WithTotal(side, newTotal)

	if !totalOnly {
		a.totals = a.totals.WithFree(side, a.totals.Free(side).Add(delta))
	}
}

// UpdateOptimisticFreeBalance adjusts free balance for a state transition
// from oldCommitted to newCommitted, separately charging fee against the
// fee-asset side's total (spec §4.3). feeSide identifies which side's
// total the fee is deducted from; callers must pass a zero fee for
// transitions that are not genuine chain operations (Open Question 2: the
// spec's "never twice" guard is enforced by convention at the call site —
// only CreateOrder/UpdateOrder results carry a non-zero fee here).
func (a *Accountant) UpdateOptimisticFreeBalance(side core.Side, oldCommitted, newCommitted decimal.Decimal, feeSide core.Side, fee decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	commitmentDelta := newCommitted.Sub(oldCommitted)
	a.totals = a.totals.WithFree(side, a.totals.Free(side).Sub(commitmentDelta))

	if fee.Sign() > 0 {
		newFeeTotal := a.totals.Total(feeSide).Sub(fee)
		if newFeeTotal.IsNegative() {
			newFeeTotal = decimal.Zero
		}
		a.totals = a.totals.WithTotal(feeSide, newFeeTotal)
		a.totals = a.totals.WithFree(feeSide, a.totals.Free(feeSide).Sub(fee))
	}
}

// DeductBTSFees settles bts_fees_owed against the fee side's chain_free,
// drawing from cache_funds first, then base capital (spec §4.3). Returns
// true if the fees were settled, false if deferred due to insufficient
// chain_free.
func (a *Accountant) DeductBTSFees(feeSide core.Side) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	owed := a.funds.BTSFeesOwed
	if owed.Sign() <= 0 {
		return true
	}

	free := a.totals.Free(feeSide)
	if free.LessThan(owed) {
		return false // defer
	}

	fromCache := a.funds.CacheFunds.Get(feeSide)
	if fromCache.GreaterThan(owed) {
		fromCache = owed
	}
	a.funds.CacheFunds = a.funds.CacheFunds.Set(feeSide, a.funds.CacheFunds.Get(feeSide).Sub(fromCache))

	a.totals = a.totals.WithFree(feeSide, free.Sub(owed))
	a.totals = a.totals.WithTotal(feeSide, a.totals.Total(feeSide).Sub(owed))
	a.funds.BTSFeesOwed = decimal.Zero
	return true
}

// AccrueBTSFees adds amount to bts_fees_owed, called when a fill or order
// operation reports a fee denominated in the native fee asset.
func (a *Accountant) AccrueBTSFees(amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funds.BTSFeesOwed = a.funds.BTSFeesOwed.Add(amount)
}

// ModifyCacheFunds adjusts cache_funds[side] by delta, clamping at 0, and
// returns the new value (spec §4.3).
func (a *Accountant) ModifyCacheFunds(side core.Side, delta decimal.Decimal) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	v := a.funds.CacheFunds.Get(side).Add(delta)
	if v.IsNegative() {
		v = decimal.Zero
	}
	a.funds.CacheFunds = a.funds.CacheFunds.Set(side, v)
	return v
}

// FillAccountingInput bundles a resolved fill and fee context for
// ProcessFillAccounting.
type FillAccountingInput struct {
	Fill       core.Fill
	PaySide    core.Side
	RecvSide   core.Side
	Fees       core.Fees
	PaySymbol  string
	RecvSymbol string
}

// ProcessFillAccounting debits the paying side and credits the receiving
// side net of market fees (spec §4.3). For the native fee asset, the fee
// portion is never subtracted from proceeds here — it accrues to
// bts_fees_owed via AccrueBTSFees and is settled separately by
// DeductBTSFees (Open Question 3).
func (a *Accountant) ProcessFillAccounting(ctx context.Context, in FillAccountingInput) error {
	if in.Fill.Pays.Value.IsNegative() || in.Fill.Receives.Value.IsNegative() {
		return apperrors.ErrInvariantViolation
	}

	a.AdjustTotalBalance(in.PaySide, in.Fill.Pays.Value.Neg(), "fill_pay", false)

	netReceive := in.Fees.NetProceeds
	a.AdjustTotalBalance(in.RecvSide, netReceive, "fill_receive", false)
	a.ModifyCacheFunds(in.RecvSide, netReceive)

	if in.RecvSymbol == primitives.NativeFeeAsset || in.PaySymbol == primitives.NativeFeeAsset {
		a.AccrueBTSFees(in.Fees.Total)
	}

	return nil
}
