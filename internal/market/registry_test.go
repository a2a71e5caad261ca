package market

import (
	"errors"
	"math/big"
	"testing"
)

func newTestMarket(key string) *Market {
	return &Market{
		Key:          key,
		WrappedToken: NewMemoryFToken(big.NewInt(1_000_000_000_000_000_000)),
		Treasury:     HealthyTreasury(),
		Contract:     &FakeContract{},
		IssuanceCap:  big.NewInt(1_000_000),
		Managed:      new(big.Int),
	}
}

// ============================================================
// Market registration
// ============================================================

func TestRegistry_AddAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(newTestMarket("wstETH")); err != nil {
		t.Fatalf("add: %v", err)
	}

	m, err := r.Get("wstETH")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Key != "wstETH" {
		t.Errorf("key: got %s", m.Key)
	}

	if _, err := r.Get("sfrxETH"); !errors.Is(err, ErrUnsupportedMarket) {
		t.Errorf("unknown market: got %v, want ErrUnsupportedMarket", err)
	}
}

func TestRegistry_DuplicateAdd(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(newTestMarket("wstETH")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(newTestMarket("wstETH")); !errors.Is(err, ErrDuplicateMarket) {
		t.Errorf("duplicate add: got %v, want ErrDuplicateMarket", err)
	}
}

func TestRegistry_InsertionOrder(t *testing.T) {
	r := NewRegistry()
	for _, k := range []string{"wstETH", "sfrxETH", "weETH"} {
		if err := r.Add(newTestMarket(k)); err != nil {
			t.Fatalf("add %s: %v", k, err)
		}
	}

	keys := r.Keys()
	want := []string{"wstETH", "sfrxETH", "weETH"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys[%d]: got %s, want %s", i, keys[i], want[i])
		}
	}

	markets := r.Markets()
	for i := range want {
		if markets[i].Key != want[i] {
			t.Fatalf("markets[%d]: got %s, want %s", i, markets[i].Key, want[i])
		}
	}
}

func TestRegistry_RemoveBackedMarketRefused(t *testing.T) {
	r := NewRegistry()
	m := newTestMarket("wstETH")
	m.Managed = big.NewInt(100)
	if err := r.Add(m); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := r.Remove("wstETH"); !errors.Is(err, ErrMarketStillBacked) {
		t.Errorf("remove backed: got %v, want ErrMarketStillBacked", err)
	}

	m.Managed.SetInt64(0)
	if err := r.Remove("wstETH"); err != nil {
		t.Errorf("remove drained: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("len after remove: got %d", r.Len())
	}
	if err := r.Remove("wstETH"); !errors.Is(err, ErrUnsupportedMarket) {
		t.Errorf("remove missing: got %v, want ErrUnsupportedMarket", err)
	}
}

func TestRegistry_TotalManaged(t *testing.T) {
	r := NewRegistry()
	a := newTestMarket("wstETH")
	a.Managed = big.NewInt(700)
	b := newTestMarket("sfrxETH")
	b.Managed = big.NewInt(300)
	if err := r.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(b); err != nil {
		t.Fatal(err)
	}

	if got := r.TotalManaged(); got.Int64() != 1000 {
		t.Errorf("total managed: got %s, want 1000", got)
	}

	amounts := r.ManagedAmounts()
	if amounts[0].Int64() != 700 || amounts[1].Int64() != 300 {
		t.Errorf("managed amounts: got %v", amounts)
	}
	// Copies must not alias registry state.
	amounts[0].SetInt64(0)
	if a.Managed.Int64() != 700 {
		t.Error("ManagedAmounts must return copies")
	}
}

func TestRegistry_IsUnderCollateral(t *testing.T) {
	r := NewRegistry()
	a := newTestMarket("wstETH")
	b := newTestMarket("sfrxETH")
	if err := r.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(b); err != nil {
		t.Fatal(err)
	}

	if r.IsUnderCollateral() {
		t.Error("healthy markets should not report under-collateral")
	}
	b.Treasury.(*StaticTreasury).Under = true
	if !r.IsUnderCollateral() {
		t.Error("one unhealthy market should trip the system brake")
	}
}

// ============================================================
// Rebalance pools
// ============================================================

func TestRegistry_Pools(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(newTestMarket("wstETH")); err != nil {
		t.Fatal(err)
	}

	pool := &FakePool{Addr: "pool-1", Market: "wstETH"}
	if err := r.AddPool(pool); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	if err := r.AddPool(pool); !errors.Is(err, ErrDuplicateRebalancePool) {
		t.Errorf("duplicate pool: got %v", err)
	}
	if err := r.AddPool(&FakePool{Addr: "pool-2", Market: "sfrxETH"}); !errors.Is(err, ErrUnsupportedMarket) {
		t.Errorf("pool for unknown market: got %v", err)
	}

	got, err := r.Pool("pool-1")
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if got.Address() != "pool-1" {
		t.Errorf("pool address: got %s", got.Address())
	}

	if err := r.RemovePool("pool-1"); err != nil {
		t.Errorf("remove pool: %v", err)
	}
	if _, err := r.Pool("pool-1"); !errors.Is(err, ErrUnsupportedRebalancePool) {
		t.Errorf("removed pool lookup: got %v", err)
	}
	if err := r.RemovePool("pool-1"); !errors.Is(err, ErrUnsupportedRebalancePool) {
		t.Errorf("remove missing pool: got %v", err)
	}
}
