package primitives

import (
	"github.com/shopspring/decimal"
)

// AllocateFundsByWeights distributes total across n slots following a
// geometric progression with ratio (1+step), then rounds each share to
// precision (spec §4.1).
//
// weight is the base weight assigned to the first slot in iteration
// order; each subsequent slot's weight is the previous one multiplied by
// (1+step), so without reverse the last slot (index n-1) is the heaviest.
// If reverse is true, the progression is computed and then the resulting
// slice is reversed, so the first slot (index 0) receives the heaviest
// weight instead of the last — used for BUY slots, which the strategy
// orders market-closest first, so the slot closest to market gets the
// largest size.
// If skip is true, the first weight of the progression (the lightest,
// before any reversal) is dropped and the remaining n-1 shares are
// renormalized to still sum to total (used when a slot in the window is
// already accounted for elsewhere, e.g. a dust partial).
func AllocateFundsByWeights(total decimal.Decimal, n int, weight, step decimal.Decimal, reverse, skip bool, precision int32) []decimal.Decimal {
	if n <= 0 || total.Sign() <= 0 {
		return make([]decimal.Decimal, maxInt(n, 0))
	}

	raw := make([]decimal.Decimal, n)
	w := weight
	if w.Sign() <= 0 {
		w = decimal.NewFromInt(1)
	}
	sum := decimal.Zero
	ratio := decimal.NewFromInt(1).Add(step)
	for i := 0; i < n; i++ {
		raw[i] = w
		sum = sum.Add(w)
		w = w.Mul(ratio)
	}

	if skip && n > 0 {
		sum = sum.Sub(raw[0])
		raw[0] = decimal.Zero
	}

	out := make([]decimal.Decimal, n)
	if sum.Sign() > 0 {
		for i, wv := range raw {
			if wv.Sign() == 0 {
				out[i] = decimal.Zero
				continue
			}
			out[i] = total.Mul(wv).Div(sum).Round(precision)
		}
	}

	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}

	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
