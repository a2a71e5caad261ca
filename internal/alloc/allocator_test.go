package alloc_test

import (
	"math/big"
	"testing"

	"PegLedger/internal/alloc"
)

func ints(vs ...int64) []*big.Int {
	out := make([]*big.Int, len(vs))
	for i, v := range vs {
		out[i] = big.NewInt(v)
	}
	return out
}

func assertAlloc(t *testing.T, got []*big.Int, want ...int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Int64() != want[i] {
			t.Errorf("alloc[%d]: got %s, want %d", i, got[i], want[i])
		}
	}
}

// ============================================================
// Greedy mode (healthy system)
// ============================================================

func TestAllocate_GreedyDrainsDeepestFirst(t *testing.T) {
	got := alloc.Allocate(big.NewInt(400), ints(700, 300), false)
	assertAlloc(t, got, 400, 0)
}

func TestAllocate_GreedySpillsToNextMarket(t *testing.T) {
	got := alloc.Allocate(big.NewInt(900), ints(700, 300), false)
	assertAlloc(t, got, 700, 200)
}

func TestAllocate_GreedyFirstIndexWinsTies(t *testing.T) {
	got := alloc.Allocate(big.NewInt(100), ints(500, 500), false)
	assertAlloc(t, got, 100, 0)
}

func TestAllocate_GreedyCapsAtTotalManaged(t *testing.T) {
	got := alloc.Allocate(big.NewInt(5000), ints(700, 300), false)
	assertAlloc(t, got, 700, 300)
}

// ============================================================
// Proportional mode (under-collateralized)
// ============================================================

func TestAllocate_ProportionalShrinksEveryMarket(t *testing.T) {
	got := alloc.Allocate(big.NewInt(400), ints(700, 300), true)
	assertAlloc(t, got, 280, 120)
}

func TestAllocate_ProportionalRoundingDustStaysUnallocated(t *testing.T) {
	managed := ints(333, 333, 334)
	amountIn := big.NewInt(100)
	got := alloc.Allocate(amountIn, managed, true)

	sum := new(big.Int)
	for i := range got {
		if got[i].Cmp(managed[i]) > 0 {
			t.Errorf("alloc[%d]=%s exceeds managed %s", i, got[i], managed[i])
		}
		sum.Add(sum, got[i])
	}
	dust := new(big.Int).Sub(amountIn, sum)
	if dust.Sign() < 0 || dust.Int64() >= int64(len(managed)) {
		t.Errorf("dust %s must be in [0, %d)", dust, len(managed))
	}
}

// ============================================================
// Degenerate inputs
// ============================================================

func TestAllocate_ZeroAmountAndEmptyMarkets(t *testing.T) {
	assertAlloc(t, alloc.Allocate(big.NewInt(0), ints(700, 300), false), 0, 0)
	assertAlloc(t, alloc.Allocate(big.NewInt(0), ints(700, 300), true), 0, 0)

	if got := alloc.Allocate(big.NewInt(100), nil, false); len(got) != 0 {
		t.Errorf("empty markets: got %v", got)
	}
	assertAlloc(t, alloc.Allocate(big.NewInt(100), ints(0, 0), false), 0, 0)
	assertAlloc(t, alloc.Allocate(big.NewInt(100), ints(0, 0), true), 0, 0)
}

func TestAllocate_DoesNotMutateInputs(t *testing.T) {
	managed := ints(700, 300)
	amountIn := big.NewInt(400)
	alloc.Allocate(amountIn, managed, false)
	if managed[0].Int64() != 700 || managed[1].Int64() != 300 || amountIn.Int64() != 400 {
		t.Error("inputs were mutated")
	}
}
