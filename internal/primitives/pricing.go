package primitives

import (
	"math"

	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the market's price precision.
func RoundPrice(price decimal.Decimal, pricePrecision int32) decimal.Decimal {
	return price.Round(pricePrecision)
}

// RoundSize rounds a size to the side's asset precision.
func RoundSize(size decimal.Decimal, sidePrecision int32) decimal.Decimal {
	return size.Round(sidePrecision)
}

// GapSlots computes the number of SPREAD placeholder slots straddling the
// boundary, per spec §4.5:
//
//	gap_slots = max(minSpreadOrders, ceil(ln(1+targetSpread/100) / ln(1+increment/100)))
//
// with a lower bound of increment * minSpreadFactor.
func GapSlots(targetSpreadPercent, incrementPercent float64, minSpreadOrders int, minSpreadFactor float64) int {
	if incrementPercent <= 0 {
		return minSpreadOrders
	}
	raw := math.Log(1+targetSpreadPercent/100) / math.Log(1+incrementPercent/100)
	n := int(math.Ceil(raw))
	if n < minSpreadOrders {
		n = minSpreadOrders
	}
	floor := int(math.Ceil(incrementPercent * minSpreadFactor))
	if n < floor {
		n = floor
	}
	return n
}

// BuildRail constructs the sorted master-rail of slot prices between
// lowerBound and upperBound, stepping geometrically by incrementPercent
// (spec §4.5 "a single sorted array of all slot prices").
func BuildRail(lowerBound, upperBound, incrementPercent decimal.Decimal, pricePrecision int32) []decimal.Decimal {
	if incrementPercent.Sign() <= 0 || lowerBound.GreaterThanOrEqual(upperBound) {
		return nil
	}
	ratio := decimal.NewFromInt(1).Add(incrementPercent.Div(decimal.NewFromInt(100)))
	rail := make([]decimal.Decimal, 0)
	price := lowerBound
	for price.LessThanOrEqual(upperBound) {
		rail = append(rail, RoundPrice(price, pricePrecision))
		price = price.Mul(ratio)
	}
	return rail
}

// SplitIndex returns the index of the first rail price >= startPrice, or
// len(rail) if none qualifies (spec §4.5 "initial boundary").
func SplitIndex(rail []decimal.Decimal, startPrice decimal.Decimal) int {
	for i, p := range rail {
		if p.GreaterThanOrEqual(startPrice) {
			return i
		}
	}
	return len(rail)
}
