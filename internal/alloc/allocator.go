package alloc

import (
	"math/big"

	fpmath "PegLedger/internal/math"
)

// Allocate splits a bulk redemption amount across markets.
//
// When the system is under-collateralized every market must shrink
// proportionally, so each market receives floor(managed[i]*amountIn/total);
// rounding dust stays unallocated (strictly less than len(managed)).
//
// Otherwise redemption drains the deepest market first: repeatedly pick the
// market with the largest remaining headroom (first index wins ties) and
// take as much as it can absorb.
//
// Inputs are never mutated. The returned slice is parallel to managed and
// each entry satisfies alloc[i] <= managed[i].
func Allocate(amountIn *big.Int, managed []*big.Int, underCollateral bool) []*big.Int {
	out := make([]*big.Int, len(managed))
	for i := range out {
		out[i] = new(big.Int)
	}
	if amountIn == nil || amountIn.Sign() <= 0 || len(managed) == 0 {
		return out
	}

	total := new(big.Int)
	for _, m := range managed {
		total.Add(total, m)
	}
	if total.Sign() == 0 {
		return out
	}

	if underCollateral {
		for i, m := range managed {
			out[i] = fpmath.MulDivFloor(m, amountIn, total)
		}
		return out
	}

	remaining := fpmath.Min(amountIn, total)
	residual := new(big.Int)
	for remaining.Sign() > 0 {
		best := -1
		bestResidual := new(big.Int)
		for i := range managed {
			residual.Sub(managed[i], out[i])
			if best == -1 || residual.Cmp(bestResidual) > 0 {
				best = i
				bestResidual.Set(residual)
			}
		}
		if bestResidual.Sign() == 0 {
			break
		}
		take := fpmath.Min(remaining, bestResidual)
		out[best].Add(out[best], take)
		remaining.Sub(remaining, take)
	}
	return out
}
