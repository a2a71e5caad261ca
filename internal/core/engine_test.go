package core

import (
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"

	"PegLedger/internal/event"
	"PegLedger/internal/market"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/reserve"
)

const (
	selfAddr    = "ledger"
	poolMgrAddr = "pool-manager"
	keeperAddr  = "keeper"
	adminAddr   = "admin"
	aliceAddr   = "alice"
	bobAddr     = "bob"
	sinkAddr    = "contract-sink"
)

type fixture struct {
	engine     *Engine
	registry   *market.Registry
	stable     *market.MemoryStable
	collateral *market.MemoryToken
	keeper     *market.FakeKeeper
	shares     map[string]*market.MemoryFToken
	treasuries map[string]*market.StaticTreasury
	contracts  map[string]*market.FakeContract
	persisted  chan Output
}

func newFixture(t *testing.T, marketKeys ...string) *fixture {
	t.Helper()
	f := &fixture{
		registry:   market.NewRegistry(),
		stable:     market.NewMemoryStable(),
		collateral: market.NewMemoryToken(),
		shares:     make(map[string]*market.MemoryFToken),
		treasuries: make(map[string]*market.StaticTreasury),
		contracts:  make(map[string]*market.FakeContract),
		persisted:  make(chan Output, 256),
	}
	f.keeper = &market.FakeKeeper{Addr: keeperAddr}

	for _, key := range marketKeys {
		f.addMarket(t, key)
	}

	f.engine = New(Config{
		SelfAddress:      selfAddr,
		PoolManager:      poolMgrAddr,
		PegKeeper:        keeperAddr,
		Admin:            adminAddr,
		CollateralSymbol: "USDC",
		StableSymbol:     "pegUSD",
		ReserveDecimals:  18,
	}, Deps{
		Registry:    f.registry,
		Stable:      f.stable,
		Collateral:  f.collateral,
		Keeper:      f.keeper,
		PersistChan: f.persisted,
		Logger:      zerolog.Nop(),
	})
	return f
}

func (f *fixture) addMarket(t *testing.T, key string) {
	t.Helper()
	shares := market.NewMemoryFToken(fpmath.Parity())
	// Default contract: consumes the requested shares and pays 1:1.
	contract := &market.FakeContract{
		RedeemFn: func(amount *big.Int, receiver string, minOut *big.Int) (*big.Int, *big.Int, error) {
			if err := shares.Transfer(selfAddr, sinkAddr, amount); err != nil {
				return nil, nil, err
			}
			return new(big.Int).Set(amount), new(big.Int), nil
		},
	}
	treasury := market.HealthyTreasury()
	f.shares[key] = shares
	f.treasuries[key] = treasury
	f.contracts[key] = contract
	if err := f.registry.Add(&market.Market{
		Key:          key,
		WrappedToken: shares,
		Treasury:     treasury,
		Contract:     contract,
		IssuanceCap:  big.NewInt(1_000_000),
		Managed:      new(big.Int),
	}); err != nil {
		t.Fatalf("register market %s: %v", key, err)
	}
}

// wrap seeds caller with shares and wraps them into stable asset.
func (f *fixture) wrap(t *testing.T, caller, key string, amount int64) {
	t.Helper()
	f.shares[key].SetBalance(caller, big.NewInt(amount))
	if _, err := f.engine.Wrap(caller, key, big.NewInt(amount), caller); err != nil {
		t.Fatalf("seed wrap %s %d: %v", key, amount, err)
	}
}

func (f *fixture) managed(t *testing.T, key string) int64 {
	t.Helper()
	m, err := f.registry.Get(key)
	if err != nil {
		t.Fatalf("get market %s: %v", key, err)
	}
	return m.Managed.Int64()
}

func (f *fixture) stableBalance(account string) int64 {
	b, _ := f.stable.BalanceOf(account)
	return b.Int64()
}

func (f *fixture) drainEvents() []Output {
	var out []Output
	for {
		select {
		case o := <-f.persisted:
			out = append(out, o)
		default:
			return out
		}
	}
}

// ============================================================
// Wrap
// ============================================================

func TestWrap_MintsAndBacks(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.wrap(t, bobAddr, "wstETH", 1000)

	f.shares["wstETH"].SetBalance(aliceAddr, big.NewInt(100))
	minted, err := f.engine.Wrap(aliceAddr, "wstETH", big.NewInt(100), aliceAddr)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if minted.Int64() != 100 {
		t.Errorf("minted: got %s, want 100", minted)
	}
	if got := f.engine.LegacySupply().Int64(); got != 1100 {
		t.Errorf("legacy supply: got %d, want 1100", got)
	}
	if got := f.managed(t, "wstETH"); got != 1100 {
		t.Errorf("managed: got %d, want 1100", got)
	}
	if got := f.stableBalance(aliceAddr); got != 100 {
		t.Errorf("alice stable: got %d, want 100", got)
	}
	// Shares moved into the ledger's custody.
	if got, _ := f.shares["wstETH"].BalanceOf(selfAddr); got.Int64() != 1100 {
		t.Errorf("ledger shares: got %s, want 1100", got)
	}
}

func TestWrap_Rejections(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.shares["wstETH"].SetBalance(aliceAddr, big.NewInt(1000))

	if _, err := f.engine.Wrap(aliceAddr, "sfrxETH", big.NewInt(10), aliceAddr); !errors.Is(err, market.ErrUnsupportedMarket) {
		t.Errorf("unknown market: got %v", err)
	}
	if _, err := f.engine.Wrap(aliceAddr, "wstETH", big.NewInt(0), aliceAddr); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := f.engine.Wrap(aliceAddr, "wstETH", big.NewInt(10), ""); !errors.Is(err, ErrInvalidReceiver) {
		t.Errorf("empty receiver: got %v", err)
	}

	f.treasuries["wstETH"].Under = true
	if _, err := f.engine.Wrap(aliceAddr, "wstETH", big.NewInt(10), aliceAddr); !errors.Is(err, ErrUnderCollateral) {
		t.Errorf("under collateral: got %v", err)
	}
	f.treasuries["wstETH"].Under = false

	f.treasuries["wstETH"].Collateral = new(big.Int).Set(f.treasuries["wstETH"].Stability)
	if _, err := f.engine.Wrap(aliceAddr, "wstETH", big.NewInt(10), aliceAddr); !errors.Is(err, ErrMarketInStabilityMode) {
		t.Errorf("stability mode: got %v", err)
	}
	f.treasuries["wstETH"].Collateral = big.NewInt(2_000_000_000_000_000_000)

	f.treasuries["wstETH"].PriceValid = false
	if _, err := f.engine.Wrap(aliceAddr, "wstETH", big.NewInt(10), aliceAddr); !errors.Is(err, ErrMarketInvalidPrice) {
		t.Errorf("invalid price: got %v", err)
	}
	f.treasuries["wstETH"].PriceValid = true

	m, _ := f.registry.Get("wstETH")
	m.IssuanceCap = big.NewInt(5)
	if _, err := f.engine.Wrap(aliceAddr, "wstETH", big.NewInt(10), aliceAddr); !errors.Is(err, ErrExceedCapacity) {
		t.Errorf("exceed cap: got %v", err)
	}

	// Nothing was issued across all rejections.
	if f.engine.LegacySupply().Sign() != 0 {
		t.Errorf("legacy supply after rejections: got %s", f.engine.LegacySupply())
	}
}

func TestWrapFrom_PullsSharesFromPool(t *testing.T) {
	f := newFixture(t, "wstETH")
	pool := &market.FakePool{Addr: "pool-1", Market: "wstETH", Shares: f.shares["wstETH"]}
	if err := f.registry.AddPool(pool); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	f.shares["wstETH"].SetBalance("pool-1", big.NewInt(500))

	minted, err := f.engine.WrapFrom(aliceAddr, "pool-1", big.NewInt(200), aliceAddr)
	if err != nil {
		t.Fatalf("wrap from: %v", err)
	}
	if minted.Int64() != 200 {
		t.Errorf("minted: got %s, want 200", minted)
	}
	if got, _ := f.shares["wstETH"].BalanceOf(selfAddr); got.Int64() != 200 {
		t.Errorf("ledger shares: got %s, want 200", got)
	}
	if got := f.stableBalance(aliceAddr); got != 200 {
		t.Errorf("alice stable: got %d, want 200", got)
	}

	if _, err := f.engine.WrapFrom(aliceAddr, "pool-x", big.NewInt(10), aliceAddr); !errors.Is(err, market.ErrUnsupportedRebalancePool) {
		t.Errorf("unknown pool: got %v", err)
	}
}

// ============================================================
// Unwrap
// ============================================================

func TestUnwrap(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.wrap(t, poolMgrAddr, "wstETH", 1000)

	if err := f.engine.Unwrap(aliceAddr, "wstETH", big.NewInt(100), aliceAddr); !errors.Is(err, ErrCallerNotPoolManager) {
		t.Errorf("non-manager unwrap: got %v", err)
	}
	if err := f.engine.Unwrap(poolMgrAddr, "wstETH", big.NewInt(2000), poolMgrAddr); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("over-managed unwrap: got %v", err)
	}

	if err := f.engine.Unwrap(poolMgrAddr, "wstETH", big.NewInt(400), bobAddr); err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if got := f.managed(t, "wstETH"); got != 600 {
		t.Errorf("managed: got %d, want 600", got)
	}
	if got := f.engine.LegacySupply().Int64(); got != 600 {
		t.Errorf("legacy supply: got %d, want 600", got)
	}
	if got, _ := f.shares["wstETH"].BalanceOf(bobAddr); got.Int64() != 400 {
		t.Errorf("bob shares: got %s, want 400", got)
	}
}

// ============================================================
// Redeem
// ============================================================

func TestRedeem_BooksMeasuredConsumption(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.wrap(t, aliceAddr, "wstETH", 1000)

	// Contract consumes only 80 of the 100 requested shares.
	f.contracts["wstETH"].RedeemFn = func(amount *big.Int, receiver string, minOut *big.Int) (*big.Int, *big.Int, error) {
		if err := f.shares["wstETH"].Transfer(selfAddr, sinkAddr, big.NewInt(80)); err != nil {
			return nil, nil, err
		}
		return big.NewInt(80), big.NewInt(0), nil
	}

	out, bonus, err := f.engine.Redeem(aliceAddr, "wstETH", big.NewInt(100), aliceAddr, big.NewInt(0))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if out.Int64() != 80 || bonus.Int64() != 0 {
		t.Errorf("out=%s bonus=%s, want 80/0", out, bonus)
	}
	// Only the measured 80 was burned and released, not the requested 100.
	if got := f.stableBalance(aliceAddr); got != 920 {
		t.Errorf("alice stable: got %d, want 920", got)
	}
	if got := f.managed(t, "wstETH"); got != 920 {
		t.Errorf("managed: got %d, want 920", got)
	}
	if got := f.engine.LegacySupply().Int64(); got != 920 {
		t.Errorf("legacy supply: got %d, want 920", got)
	}
}

func TestRedeem_Rejections(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.wrap(t, aliceAddr, "wstETH", 500)

	if _, _, err := f.engine.Redeem(aliceAddr, "wstETH", big.NewInt(600), aliceAddr, nil); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("over-managed redeem: got %v", err)
	}

	f.treasuries["wstETH"].Under = true
	if _, _, err := f.engine.Redeem(aliceAddr, "wstETH", big.NewInt(100), aliceAddr, nil); !errors.Is(err, ErrUnderCollateral) {
		t.Errorf("under-collateral redeem: got %v", err)
	}
}

func TestRedeem_ContractGainingSharesFails(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.wrap(t, aliceAddr, "wstETH", 500)

	// A contract crediting shares back would make measured usage negative.
	f.contracts["wstETH"].RedeemFn = func(amount *big.Int, receiver string, minOut *big.Int) (*big.Int, *big.Int, error) {
		f.shares["wstETH"].SetBalance(selfAddr, big.NewInt(9999))
		return new(big.Int).Set(amount), new(big.Int), nil
	}
	if _, _, err := f.engine.Redeem(aliceAddr, "wstETH", big.NewInt(100), aliceAddr, nil); err == nil {
		t.Fatal("expected error for negative share consumption")
	}
}

func TestRedeemFrom_BurnsFromPool(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.wrap(t, aliceAddr, "wstETH", 500)
	pool := &market.FakePool{Addr: "pool-1", Market: "wstETH"}
	if err := f.registry.AddPool(pool); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	// The pool holds stable asset on depositors' behalf.
	if err := f.stable.Transfer(aliceAddr, "pool-1", big.NewInt(300)); err != nil {
		t.Fatalf("move stable to pool: %v", err)
	}

	out, _, err := f.engine.RedeemFrom(aliceAddr, "pool-1", big.NewInt(200), bobAddr, big.NewInt(0))
	if err != nil {
		t.Fatalf("redeem from: %v", err)
	}
	if out.Int64() != 200 {
		t.Errorf("out: got %s, want 200", out)
	}
	if got := f.stableBalance("pool-1"); got != 100 {
		t.Errorf("pool stable: got %d, want 100", got)
	}
	if got := f.managed(t, "wstETH"); got != 300 {
		t.Errorf("managed: got %d, want 300", got)
	}
}

// ============================================================
// AutoRedeem
// ============================================================

func TestAutoRedeem_GreedyDrainsDeepestMarket(t *testing.T) {
	f := newFixture(t, "wstETH", "sfrxETH")
	f.wrap(t, aliceAddr, "wstETH", 700)
	f.wrap(t, aliceAddr, "sfrxETH", 300)

	burned, outs, err := f.engine.AutoRedeem(aliceAddr, big.NewInt(400), aliceAddr, []*big.Int{big.NewInt(0), big.NewInt(0)})
	if err != nil {
		t.Fatalf("auto redeem: %v", err)
	}
	if burned.Int64() != 400 {
		t.Errorf("burned: got %s, want 400", burned)
	}
	if outs[0].Int64() != 400 || outs[1].Int64() != 0 {
		t.Errorf("outs: got [%s %s], want [400 0]", outs[0], outs[1])
	}
	if f.managed(t, "wstETH") != 300 || f.managed(t, "sfrxETH") != 300 {
		t.Errorf("managed: got [%d %d], want [300 300]", f.managed(t, "wstETH"), f.managed(t, "sfrxETH"))
	}
	if got := f.engine.LegacySupply().Int64(); got != 600 {
		t.Errorf("legacy supply: got %d, want 600", got)
	}
}

func TestAutoRedeem_ProportionalWhenUnderCollateral(t *testing.T) {
	f := newFixture(t, "wstETH", "sfrxETH")
	f.wrap(t, aliceAddr, "wstETH", 700)
	f.wrap(t, aliceAddr, "sfrxETH", 300)
	f.treasuries["wstETH"].Under = true

	burned, outs, err := f.engine.AutoRedeem(aliceAddr, big.NewInt(400), aliceAddr, []*big.Int{big.NewInt(0), big.NewInt(0)})
	if err != nil {
		t.Fatalf("auto redeem: %v", err)
	}
	if burned.Int64() != 400 {
		t.Errorf("burned: got %s, want 400", burned)
	}
	if outs[0].Int64() != 280 || outs[1].Int64() != 120 {
		t.Errorf("outs: got [%s %s], want [280 120]", outs[0], outs[1])
	}
	if f.managed(t, "wstETH") != 420 || f.managed(t, "sfrxETH") != 180 {
		t.Errorf("managed: got [%d %d], want [420 180]", f.managed(t, "wstETH"), f.managed(t, "sfrxETH"))
	}
}

func TestAutoRedeem_Rejections(t *testing.T) {
	f := newFixture(t, "wstETH", "sfrxETH")
	f.wrap(t, aliceAddr, "wstETH", 100)

	if _, _, err := f.engine.AutoRedeem(aliceAddr, big.NewInt(10), aliceAddr, []*big.Int{big.NewInt(0)}); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("short min-out list: got %v", err)
	}
	if _, _, err := f.engine.AutoRedeem(aliceAddr, big.NewInt(200), aliceAddr, []*big.Int{big.NewInt(0), big.NewInt(0)}); !errors.Is(err, ErrExceedsSupply) {
		t.Errorf("exceeds supply: got %v", err)
	}
}

func TestAutoRedeem_FailedLegLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, "wstETH", "sfrxETH")
	f.wrap(t, aliceAddr, "wstETH", 700)
	f.wrap(t, aliceAddr, "sfrxETH", 300)

	// Greedy allocation drains wstETH first, then hits the failing leg.
	f.contracts["sfrxETH"].RedeemFn = func(amount *big.Int, receiver string, minOut *big.Int) (*big.Int, *big.Int, error) {
		return nil, nil, errors.New("output below min")
	}

	if _, _, err := f.engine.AutoRedeem(aliceAddr, big.NewInt(900), aliceAddr, []*big.Int{big.NewInt(0), big.NewInt(0)}); err == nil {
		t.Fatal("expected leg failure")
	}

	// No ledgered state moved: conservation holds and the caller kept
	// their full stable balance.
	if f.managed(t, "wstETH") != 700 || f.managed(t, "sfrxETH") != 300 {
		t.Errorf("managed: got [%d %d], want [700 300]", f.managed(t, "wstETH"), f.managed(t, "sfrxETH"))
	}
	if got := f.engine.LegacySupply().Int64(); got != 1000 {
		t.Errorf("legacy supply: got %d, want 1000", got)
	}
	if got := f.stableBalance(aliceAddr); got != 1000 {
		t.Errorf("alice stable: got %d, want 1000", got)
	}

	// The engine stays operational after the rejected bulk redemption.
	f.shares["wstETH"].SetBalance(bobAddr, big.NewInt(10))
	if _, err := f.engine.Wrap(bobAddr, "wstETH", big.NewInt(10), bobAddr); err != nil {
		t.Fatalf("wrap after failed auto-redeem: %v", err)
	}
}

// ============================================================
// Direct mint/burn
// ============================================================

func TestMintBurn_BypassLegacySupply(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.wrap(t, aliceAddr, "wstETH", 100)

	if err := f.engine.Mint(aliceAddr, bobAddr, big.NewInt(50)); !errors.Is(err, ErrCallerNotPoolManager) {
		t.Errorf("non-manager mint: got %v", err)
	}
	if err := f.engine.Mint(poolMgrAddr, bobAddr, big.NewInt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if got := f.stableBalance(bobAddr); got != 50 {
		t.Errorf("bob stable: got %d, want 50", got)
	}
	// Legacy supply is untouched: direct issuance is unbacked.
	if got := f.engine.LegacySupply().Int64(); got != 100 {
		t.Errorf("legacy supply: got %d, want 100", got)
	}

	if err := f.engine.Burn(poolMgrAddr, bobAddr, big.NewInt(20)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := f.stableBalance(bobAddr); got != 30 {
		t.Errorf("bob stable after burn: got %d, want 30", got)
	}
	if got := f.engine.LegacySupply().Int64(); got != 100 {
		t.Errorf("legacy supply after burn: got %d, want 100", got)
	}
}

// ============================================================
// Reserve
// ============================================================

func TestFundReserveAndBuyback(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.collateral.SetBalance(poolMgrAddr, big.NewInt(500))
	f.keeper.SwapFn = func(_, _ string, amountIn *big.Int, _ []byte) (*big.Int, error) {
		out := new(big.Int).Add(amountIn, big.NewInt(50))
		if err := f.stable.Mint(selfAddr, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	if err := f.engine.FundReserve(aliceAddr, big.NewInt(500), big.NewInt(500)); !errors.Is(err, ErrCallerNotPoolManager) {
		t.Errorf("non-manager fund: got %v", err)
	}
	if err := f.engine.FundReserve(poolMgrAddr, big.NewInt(500), big.NewInt(500)); err != nil {
		t.Fatalf("fund reserve: %v", err)
	}
	rv := f.engine.Reserve()
	if rv.Owned.Int64() != 500 || rv.Managed.Int64() != 500 {
		t.Errorf("reserve: owned=%s managed=%s, want 500/500", rv.Owned, rv.Managed)
	}
	if got, _ := f.collateral.BalanceOf(selfAddr); got.Int64() != 500 {
		t.Errorf("ledger collateral: got %s, want 500", got)
	}

	if _, _, err := f.engine.Buyback(aliceAddr, big.NewInt(200), aliceAddr, nil); !errors.Is(err, ErrCallerNotPegKeeper) {
		t.Errorf("non-keeper buyback: got %v", err)
	}
	out, bonus, err := f.engine.Buyback(keeperAddr, big.NewInt(200), bobAddr, nil)
	if err != nil {
		t.Fatalf("buyback: %v", err)
	}
	if out.Int64() != 250 || bonus.Int64() != 50 {
		t.Errorf("out=%s bonus=%s, want 250/50", out, bonus)
	}
	rv = f.engine.Reserve()
	if rv.Owned.Int64() != 300 || rv.Managed.Int64() != 300 {
		t.Errorf("reserve after buyback: owned=%s managed=%s, want 300/300", rv.Owned, rv.Managed)
	}
}

func TestFundReserve_RollsBackOnTransferFailure(t *testing.T) {
	f := newFixture(t, "wstETH")
	// Pool manager holds no collateral, so the transfer fails.
	if err := f.engine.FundReserve(poolMgrAddr, big.NewInt(500), big.NewInt(500)); err == nil {
		t.Fatal("expected transfer failure")
	}
	rv := f.engine.Reserve()
	if rv.Owned.Sign() != 0 || rv.Managed.Sign() != 0 {
		t.Errorf("reserve must roll back: owned=%s managed=%s", rv.Owned, rv.Managed)
	}
}

func TestFundReserve_IndependentAmountsEnableBonus(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.collateral.SetBalance(poolMgrAddr, big.NewInt(500))
	f.keeper.SwapFn = func(_, _ string, amountIn *big.Int, _ []byte) (*big.Int, error) {
		if err := f.stable.Mint(selfAddr, amountIn); err != nil {
			return nil, err
		}
		return new(big.Int).Set(amountIn), nil
	}

	// Owned and managed diverge from a live funding, not a restored state.
	if err := f.engine.FundReserve(poolMgrAddr, big.NewInt(500), big.NewInt(300)); err != nil {
		t.Fatalf("fund reserve: %v", err)
	}
	rv := f.engine.Reserve()
	if rv.Owned.Int64() != 500 || rv.Managed.Int64() != 300 {
		t.Errorf("reserve: owned=%s managed=%s, want 500/300", rv.Owned, rv.Managed)
	}

	// expected = ceil(200 * 300 / 500) = 120, so a 1:1 swap yields a bonus.
	out, bonus, err := f.engine.Buyback(keeperAddr, big.NewInt(200), bobAddr, nil)
	if err != nil {
		t.Fatalf("buyback: %v", err)
	}
	if out.Int64() != 200 || bonus.Int64() != 80 {
		t.Errorf("out=%s bonus=%s, want 200/80", out, bonus)
	}
	if got := f.stableBalance(bobAddr); got != 80 {
		t.Errorf("bob bonus: got %d, want 80", got)
	}
	rv = f.engine.Reserve()
	if rv.Owned.Int64() != 300 || rv.Managed.Int64() != 180 {
		t.Errorf("reserve after buyback: owned=%s managed=%s, want 300/180", rv.Owned, rv.Managed)
	}
}

func TestBuyback_FailedSwapDebitsReserveAndEmits(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.collateral.SetBalance(poolMgrAddr, big.NewInt(500))
	// Keeper keeps the collateral and settles nothing.
	f.keeper.SwapFn = func(_, _ string, _ *big.Int, _ []byte) (*big.Int, error) {
		return new(big.Int), nil
	}
	if err := f.engine.FundReserve(poolMgrAddr, big.NewInt(500), big.NewInt(500)); err != nil {
		t.Fatalf("fund reserve: %v", err)
	}

	if _, _, err := f.engine.Buyback(keeperAddr, big.NewInt(200), bobAddr, nil); !errors.Is(err, reserve.ErrInsufficientBuyBack) {
		t.Fatalf("expected shortfall, got %v", err)
	}

	// The collateral left for the keeper, so owned must shrink to match
	// actual holdings while the liability stays.
	rv := f.engine.Reserve()
	if rv.Owned.Int64() != 300 || rv.Managed.Int64() != 500 {
		t.Errorf("reserve: owned=%s managed=%s, want 300/500", rv.Owned, rv.Managed)
	}
	if got, _ := f.collateral.BalanceOf(selfAddr); got.Int64() != 300 {
		t.Errorf("ledger collateral: got %s, want 300", got)
	}

	events := f.drainEvents()
	last := events[len(events)-1]
	if last.Envelope.EventType != event.TypeBuybackFailed {
		t.Fatalf("last event: got %v, want buyback_failed", last.Envelope.EventType)
	}

	// Replaying the log, failed buyback included, reproduces state and hashes.
	replayed := New(Config{
		SelfAddress: selfAddr,
		PoolManager: poolMgrAddr,
		PegKeeper:   keeperAddr,
		Admin:       adminAddr,
	}, Deps{
		Registry:   market.NewRegistry(),
		Stable:     market.NewMemoryStable(),
		Collateral: market.NewMemoryToken(),
		Keeper:     &market.FakeKeeper{Addr: keeperAddr},
		Resolver:   fixtureResolver{src: f},
		Logger:     zerolog.Nop(),
	})
	m, err := fixtureResolver{src: f}.ResolveMarket("wstETH", big.NewInt(1_000_000))
	if err != nil {
		t.Fatal(err)
	}
	m.Managed = new(big.Int)
	if err := replayed.registry.Add(m); err != nil {
		t.Fatal(err)
	}
	for _, evt := range events {
		hash, err := replayed.ReplayEvent(evt.Envelope.EventType, evt.Envelope.Payload)
		if err != nil {
			t.Fatalf("replay seq %d: %v", evt.Envelope.Sequence, err)
		}
		if hash != evt.Envelope.StateHash {
			t.Errorf("seq %d: replayed hash diverges from stored hash", evt.Envelope.Sequence)
		}
	}
	rrv := replayed.Reserve()
	if rrv.Owned.Int64() != 300 || rrv.Managed.Int64() != 500 {
		t.Errorf("replayed reserve: owned=%s managed=%s, want 300/500", rrv.Owned, rrv.Managed)
	}
}

// ============================================================
// Nav
// ============================================================

func TestNav(t *testing.T) {
	f := newFixture(t, "wstETH", "sfrxETH")

	nav, err := f.engine.Nav()
	if err != nil {
		t.Fatalf("nav: %v", err)
	}
	if nav.Cmp(fpmath.One) != 0 {
		t.Errorf("empty-supply nav: got %s, want 1e18", nav)
	}

	f.wrap(t, aliceAddr, "wstETH", 700)
	f.wrap(t, aliceAddr, "sfrxETH", 300)
	f.shares["wstETH"].NavValue = big.NewInt(1_100_000_000_000_000_000)
	f.shares["sfrxETH"].NavValue = big.NewInt(900_000_000_000_000_000)

	nav, err = f.engine.Nav()
	if err != nil {
		t.Fatalf("nav: %v", err)
	}
	// (1.1*700 + 0.9*300) / 1000 = 1.04
	want := big.NewInt(1_040_000_000_000_000_000)
	if nav.Cmp(want) != 0 {
		t.Errorf("weighted nav: got %s, want %s", nav, want)
	}
}

// ============================================================
// Admin
// ============================================================

func TestAdminOps(t *testing.T) {
	f := newFixture(t)
	m := &market.Market{
		Key:          "weETH",
		WrappedToken: market.NewMemoryFToken(fpmath.Parity()),
		Treasury:     market.HealthyTreasury(),
		Contract:     &market.FakeContract{},
		IssuanceCap:  big.NewInt(1000),
	}

	if err := f.engine.AddMarket(aliceAddr, m); !errors.Is(err, ErrCallerNotAdmin) {
		t.Errorf("non-admin add market: got %v", err)
	}
	if err := f.engine.AddMarket(adminAddr, m); err != nil {
		t.Fatalf("add market: %v", err)
	}

	pool := &market.FakePool{Addr: "pool-1", Market: "weETH"}
	if err := f.engine.AddRebalancePool(adminAddr, pool); err != nil {
		t.Fatalf("add pool: %v", err)
	}

	m.Managed.SetInt64(10)
	if err := f.engine.RemoveMarket(adminAddr, "weETH"); !errors.Is(err, market.ErrMarketStillBacked) {
		t.Errorf("remove backed market: got %v", err)
	}
	m.Managed.SetInt64(0)

	if err := f.engine.RemoveRebalancePool(adminAddr, "pool-1"); err != nil {
		t.Fatalf("remove pool: %v", err)
	}
	if err := f.engine.RemoveMarket(adminAddr, "weETH"); err != nil {
		t.Fatalf("remove market: %v", err)
	}
	if len(f.engine.Markets()) != 0 {
		t.Errorf("markets after removal: %v", f.engine.Markets())
	}
}

// ============================================================
// Event emission
// ============================================================

func TestEmission_SequencesAndChainsEvents(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.wrap(t, aliceAddr, "wstETH", 100)
	if _, _, err := f.engine.Redeem(aliceAddr, "wstETH", big.NewInt(40), aliceAddr, big.NewInt(0)); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	events := f.drainEvents()
	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2", len(events))
	}
	if events[0].Envelope.EventType != event.TypeWrapped || events[1].Envelope.EventType != event.TypeRedeemed {
		t.Errorf("event types: got %v %v", events[0].Envelope.EventType, events[1].Envelope.EventType)
	}
	if events[0].Envelope.Sequence != 0 || events[1].Envelope.Sequence != 1 {
		t.Errorf("sequences: got %d %d", events[0].Envelope.Sequence, events[1].Envelope.Sequence)
	}
	if events[1].Envelope.PrevHash != events[0].Envelope.StateHash {
		t.Error("hash chain broken between consecutive envelopes")
	}
	if events[0].Envelope.IdempotencyKey == "" {
		t.Error("missing idempotency key")
	}
}

// ============================================================
// Snapshot / restore / replay
// ============================================================

type fixtureResolver struct {
	src *fixture
}

func (r fixtureResolver) ResolveMarket(key string, cap *big.Int) (*market.Market, error) {
	return &market.Market{
		Key:          key,
		WrappedToken: r.src.shares[key],
		Treasury:     r.src.treasuries[key],
		Contract:     r.src.contracts[key],
		IssuanceCap:  cap,
	}, nil
}

func (r fixtureResolver) ResolvePool(addr, marketKey string) (market.RebalancePool, error) {
	return &market.FakePool{Addr: addr, Market: marketKey}, nil
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	f := newFixture(t, "wstETH", "sfrxETH")
	f.wrap(t, aliceAddr, "wstETH", 700)
	f.wrap(t, aliceAddr, "sfrxETH", 300)
	f.collateral.SetBalance(poolMgrAddr, big.NewInt(100))
	if err := f.engine.FundReserve(poolMgrAddr, big.NewInt(100), big.NewInt(100)); err != nil {
		t.Fatalf("fund reserve: %v", err)
	}
	snap := f.engine.Snapshot()

	restored := New(Config{
		SelfAddress: selfAddr,
		PoolManager: poolMgrAddr,
		PegKeeper:   keeperAddr,
		Admin:       adminAddr,
	}, Deps{
		Registry:   market.NewRegistry(),
		Stable:     f.stable,
		Collateral: f.collateral,
		Keeper:     f.keeper,
		Resolver:   fixtureResolver{src: f},
		Logger:     zerolog.Nop(),
	})
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if got := restored.LegacySupply().Int64(); got != 1000 {
		t.Errorf("restored supply: got %d, want 1000", got)
	}
	if restored.Sequence() != snap.Sequence {
		t.Errorf("restored sequence: got %d, want %d", restored.Sequence(), snap.Sequence)
	}
	rv := restored.Reserve()
	if rv.Owned.Int64() != 100 || rv.Managed.Int64() != 100 {
		t.Errorf("restored reserve: owned=%s managed=%s", rv.Owned, rv.Managed)
	}
	views := restored.Markets()
	if len(views) != 2 || views[0].Managed.Int64() != 700 || views[1].Managed.Int64() != 300 {
		t.Errorf("restored markets: %+v", views)
	}
}

func TestReplay_ReproducesStateAndHashes(t *testing.T) {
	f := newFixture(t, "wstETH")
	f.wrap(t, aliceAddr, "wstETH", 500)
	if _, _, err := f.engine.Redeem(aliceAddr, "wstETH", big.NewInt(200), aliceAddr, big.NewInt(0)); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	events := f.drainEvents()

	replayed := New(Config{
		SelfAddress: selfAddr,
		PoolManager: poolMgrAddr,
		PegKeeper:   keeperAddr,
		Admin:       adminAddr,
	}, Deps{
		Registry:   market.NewRegistry(),
		Stable:     market.NewMemoryStable(),
		Collateral: market.NewMemoryToken(),
		Keeper:     &market.FakeKeeper{Addr: keeperAddr},
		Resolver:   fixtureResolver{src: f},
		Logger:     zerolog.Nop(),
	})
	// Replay starts from an empty engine with the market pre-registered,
	// matching the deployment configuration at genesis.
	m, err := fixtureResolver{src: f}.ResolveMarket("wstETH", big.NewInt(1_000_000))
	if err != nil {
		t.Fatal(err)
	}
	m.Managed = new(big.Int)
	reg := replayed.registry
	if err := reg.Add(m); err != nil {
		t.Fatal(err)
	}

	for _, evt := range events {
		hash, err := replayed.ReplayEvent(evt.Envelope.EventType, evt.Envelope.Payload)
		if err != nil {
			t.Fatalf("replay seq %d: %v", evt.Envelope.Sequence, err)
		}
		if hash != evt.Envelope.StateHash {
			t.Errorf("seq %d: replayed hash diverges from stored hash", evt.Envelope.Sequence)
		}
	}
	if got := replayed.LegacySupply().Int64(); got != 300 {
		t.Errorf("replayed supply: got %d, want 300", got)
	}
}
