package primitives

import (
	"fmt"

	"dexgrid/internal/core"

	"github.com/shopspring/decimal"
)

// Fees is an alias to core.Fees so callers can write primitives.Fees
// without importing core separately.
type Fees = core.Fees

// NativeFeeAsset is the chain's native fee-settlement asset (spec calls it
// "BTS"). Fees charged in this asset are never netted directly out of
// trade proceeds; they accrue to bts_fees_owed and are settled separately
// by the accountant's DeductBTSFees (spec §4.3, Open Question 3).
const NativeFeeAsset = "BTS"

// FeeSchedule is the rate table consulted by GetAssetFees. A production
// deployment would source this from chain parameters; it is passed in
// explicitly here to keep the primitive pure and testable.
type FeeSchedule struct {
	MakerRate decimal.Decimal
	TakerRate decimal.Decimal
	CreateFee decimal.Decimal
	UpdateFee decimal.Decimal
}

// FeeError wraps a fee-computation failure (spec §9: "Result<Fees,
// FeeError>; callers handle the error locally").
type FeeError struct {
	Symbol string
	Reason string
}

func (e *FeeError) Error() string {
	return fmt.Sprintf("primitives: fee computation failed for %s: %s", e.Symbol, e.Reason)
}

// GetAssetFees computes the fee breakdown for a raw trade amount (spec
// §4.1). For the native fee asset, Total/MakerNetFee/TakerNetFee are
// still reported (the accountant decides whether to net them from
// proceeds or accrue them to bts_fees_owed); NetProceeds always reflects
// the net-of-market-fee amount for non-native assets, and the raw amount
// unmodified for the native asset (spec Open Question 3).
func GetAssetFees(symbol string, rawAmount decimal.Decimal, isMaker bool, sched FeeSchedule) (Fees, error) {
	if rawAmount.IsNegative() {
		return Fees{}, &FeeError{Symbol: symbol, Reason: "negative amount"}
	}

	rate := sched.TakerRate
	if isMaker {
		rate = sched.MakerRate
	}
	if rate.IsNegative() {
		return Fees{}, &FeeError{Symbol: symbol, Reason: "negative fee rate"}
	}

	fee := rawAmount.Mul(rate)

	netProceeds := rawAmount.Sub(fee)
	if symbol == NativeFeeAsset {
		netProceeds = rawAmount
	}

	return Fees{
		Total:       fee,
		CreateFee:   sched.CreateFee,
		UpdateFee:   sched.UpdateFee,
		MakerNetFee: rawAmount.Mul(sched.MakerRate),
		TakerNetFee: rawAmount.Mul(sched.TakerRate),
		NetProceeds: netProceeds,
	}, nil
}
