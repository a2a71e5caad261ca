package core

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PegLedger/internal/alloc"
	"PegLedger/internal/event"
	"PegLedger/internal/market"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/observability"
	"PegLedger/internal/reserve"
)

// Engine is the single-writer peg ledger: it issues and retires the stable
// asset against federated collateral markets, owns the stable reserve, and
// enforces the conservation invariant sum(market.managed) == legacySupply
// after every applied operation.
//
// Execution collaborators (tokens, market contracts, pools, the peg keeper)
// are untrusted: whenever one moves value, the engine measures the effect on
// its own balances and ledgers the measured amount, never the reported one.
//
// Operations hold the engine mutex across collaborator calls. Collaborator
// implementations must not call back into the engine; re-entry deadlocks.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	registry *market.Registry
	reserve  *reserve.Account
	buyback  *reserve.Engine

	stable     market.StableAsset
	collateral market.Token

	legacySupply *big.Int
	sequence     int64
	hasher       *StateHasher

	persistChan chan<- Output
	publishChan chan<- Output

	resolver MarketResolver
	metrics  *observability.Metrics
	log      zerolog.Logger
	clock    func() time.Time
}

type Config struct {
	// SelfAddress is the ledger's own account on every collaborator token.
	SelfAddress string
	// PoolManager may unwrap, mint/burn directly, and fund the reserve.
	PoolManager string
	// PegKeeper may trigger reserve buybacks.
	PegKeeper string
	// Admin may add and remove markets and rebalance pools.
	Admin string

	CollateralSymbol string
	StableSymbol     string
	ReserveDecimals  uint8
}

type Deps struct {
	Registry   *market.Registry
	Stable     market.StableAsset
	Collateral market.Token
	Keeper     market.PegKeeper

	// PersistChan receives every applied operation with a blocking send.
	// PublishChan receives them with a non-blocking send and may drop.
	// Either may be nil.
	PersistChan chan<- Output
	PublishChan chan<- Output

	// Resolver rebuilds collaborator bindings when markets and pools are
	// restored from a snapshot or replayed from the event log. May be nil
	// when the engine starts empty.
	Resolver MarketResolver

	Metrics *observability.Metrics
	Logger  zerolog.Logger
	Clock   func() time.Time
}

// MarketResolver binds persisted market and pool identities back to live
// collaborator clients.
type MarketResolver interface {
	ResolveMarket(key string, issuanceCap *big.Int) (*market.Market, error)
	ResolvePool(addr, marketKey string) (market.RebalancePool, error)
}

// Output pairs an applied operation's envelope with its typed payload.
type Output struct {
	Envelope *event.Envelope
	Payload  event.Event
}

func New(cfg Config, deps Deps) *Engine {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	acct := reserve.NewAccount(cfg.ReserveDecimals)

	return &Engine{
		cfg:      cfg,
		registry: deps.Registry,
		reserve:  acct,
		buyback: reserve.NewEngine(reserve.EngineConfig{
			Account:          acct,
			Collateral:       deps.Collateral,
			Stable:           deps.Stable,
			Keeper:           deps.Keeper,
			SelfAddress:      cfg.SelfAddress,
			CollateralSymbol: cfg.CollateralSymbol,
			StableSymbol:     cfg.StableSymbol,
			Logger:           deps.Logger,
		}),
		stable:       deps.Stable,
		collateral:   deps.Collateral,
		legacySupply: new(big.Int),
		hasher:       NewStateHasher(),
		persistChan:  deps.PersistChan,
		publishChan:  deps.PublishChan,
		resolver:     deps.Resolver,
		metrics:      deps.Metrics,
		log:          deps.Logger,
		clock:        clock,
	}
}

// ============================================================
// Issuance
// ============================================================

// Wrap deposits amountIn of a market's share tokens from caller and mints
// the same amount of stable asset to receiver.
func (e *Engine) Wrap(caller, marketKey string, amountIn *big.Int, receiver string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	minted, err := e.wrapLocked(caller, "", marketKey, amountIn, receiver)
	e.record("wrap", start, err)
	return minted, err
}

// WrapFrom pulls share tokens the caller holds inside a rebalance pool and
// mints stable asset to receiver.
func (e *Engine) WrapFrom(caller, poolAddr string, amountIn *big.Int, receiver string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	pool, err := e.registry.Pool(poolAddr)
	if err != nil {
		e.record("wrap_from", start, err)
		return nil, err
	}
	minted, err := e.wrapLocked(caller, poolAddr, pool.MarketKey(), amountIn, receiver)
	e.record("wrap_from", start, err)
	return minted, err
}

func (e *Engine) wrapLocked(caller, poolAddr, marketKey string, amountIn *big.Int, receiver string) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if receiver == "" {
		return nil, ErrInvalidReceiver
	}
	m, err := e.registry.Get(marketKey)
	if err != nil {
		return nil, err
	}
	if e.registry.IsUnderCollateral() {
		return nil, ErrUnderCollateral
	}
	if m.Treasury.CollateralRatio().Cmp(m.Treasury.StabilityRatio()) <= 0 {
		return nil, ErrMarketInStabilityMode
	}
	if !m.Treasury.IsBaseTokenPriceValid() {
		return nil, ErrMarketInvalidPrice
	}
	newManaged := new(big.Int).Add(m.Managed, amountIn)
	if newManaged.Cmp(m.IssuanceCap) > 0 {
		return nil, ErrExceedCapacity
	}

	if poolAddr != "" {
		pool, err := e.registry.Pool(poolAddr)
		if err != nil {
			return nil, err
		}
		if err := pool.WithdrawShares(caller, amountIn, e.cfg.SelfAddress); err != nil {
			return nil, fmt.Errorf("withdraw shares from pool %s: %w", poolAddr, err)
		}
	} else {
		if err := m.WrappedToken.Transfer(caller, e.cfg.SelfAddress, amountIn); err != nil {
			return nil, fmt.Errorf("transfer shares from caller: %w", err)
		}
	}
	if err := e.stable.Mint(receiver, amountIn); err != nil {
		return nil, fmt.Errorf("mint stable: %w", err)
	}

	m.Managed.Set(newManaged)
	e.legacySupply.Add(e.legacySupply, amountIn)

	e.emit(event.Wrapped{
		OpID:     uuid.New(),
		Market:   marketKey,
		Caller:   caller,
		Receiver: receiver,
		Pool:     poolAddr,
		AmountIn: fpmath.Clone(amountIn),
		Minted:   fpmath.Clone(amountIn),
	})
	e.postCheckConservation()
	return fpmath.Clone(amountIn), nil
}

// Unwrap burns amountIn of the caller's stable asset and releases the same
// amount of share tokens to receiver. Pool-manager only.
func (e *Engine) Unwrap(caller, marketKey string, amountIn *big.Int, receiver string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	err := e.unwrapLocked(caller, marketKey, amountIn, receiver)
	e.record("unwrap", start, err)
	return err
}

func (e *Engine) unwrapLocked(caller, marketKey string, amountIn *big.Int, receiver string) error {
	if caller != e.cfg.PoolManager {
		return ErrCallerNotPoolManager
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if receiver == "" {
		return ErrInvalidReceiver
	}
	m, err := e.registry.Get(marketKey)
	if err != nil {
		return err
	}
	if amountIn.Cmp(m.Managed) > 0 {
		return ErrInsufficientLiquidity
	}

	if err := e.stable.Burn(caller, amountIn); err != nil {
		return fmt.Errorf("burn stable: %w", err)
	}
	if err := m.WrappedToken.Transfer(e.cfg.SelfAddress, receiver, amountIn); err != nil {
		return fmt.Errorf("release shares: %w", err)
	}

	m.Managed.Sub(m.Managed, amountIn)
	e.legacySupply.Sub(e.legacySupply, amountIn)

	e.emit(event.Unwrapped{
		OpID:     uuid.New(),
		Market:   marketKey,
		Caller:   caller,
		Receiver: receiver,
		Burned:   fpmath.Clone(amountIn),
	})
	e.postCheckConservation()
	return nil
}

// ============================================================
// Redemption
// ============================================================

// Redeem burns the caller's stable asset against one market and pays the
// underlying out to receiver. Blocked while the system is under-collateralized;
// use AutoRedeem instead, which shrinks all markets proportionally.
func (e *Engine) Redeem(caller, marketKey string, amountIn *big.Int, receiver string, minOut *big.Int) (*big.Int, *big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	out, bonus, err := e.redeemLocked(caller, "", marketKey, amountIn, receiver, minOut)
	e.record("redeem", start, err)
	return out, bonus, err
}

// RedeemFrom burns stable asset held by a rebalance pool on the caller's
// behalf and pays the underlying out to receiver.
func (e *Engine) RedeemFrom(caller, poolAddr string, amountIn *big.Int, receiver string, minOut *big.Int) (*big.Int, *big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	pool, err := e.registry.Pool(poolAddr)
	if err != nil {
		e.record("redeem_from", start, err)
		return nil, nil, err
	}
	out, bonus, err := e.redeemLocked(caller, poolAddr, pool.MarketKey(), amountIn, receiver, minOut)
	e.record("redeem_from", start, err)
	return out, bonus, err
}

func (e *Engine) redeemLocked(caller, poolAddr, marketKey string, amountIn *big.Int, receiver string, minOut *big.Int) (*big.Int, *big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if receiver == "" {
		return nil, nil, ErrInvalidReceiver
	}
	m, err := e.registry.Get(marketKey)
	if err != nil {
		return nil, nil, err
	}
	if e.registry.IsUnderCollateral() {
		return nil, nil, ErrUnderCollateral
	}
	if amountIn.Cmp(m.Managed) > 0 {
		return nil, nil, ErrInsufficientLiquidity
	}

	used, out, bonus, err := e.redeemAgainst(m, amountIn, receiver, minOut)
	if err != nil {
		return nil, nil, err
	}

	burnFrom := caller
	if poolAddr != "" {
		burnFrom = poolAddr
	}
	if used.Sign() > 0 {
		if err := e.stable.Burn(burnFrom, used); err != nil {
			return nil, nil, fmt.Errorf("burn stable: %w", err)
		}
	}

	m.Managed.Sub(m.Managed, used)
	e.legacySupply.Sub(e.legacySupply, used)

	e.emit(event.Redeemed{
		OpID:      uuid.New(),
		Market:    marketKey,
		Caller:    caller,
		Receiver:  receiver,
		Pool:      poolAddr,
		Requested: fpmath.Clone(amountIn),
		Used:      used,
		AmountOut: out,
		BonusOut:  bonus,
	})
	e.postCheckConservation()
	return out, bonus, nil
}

// redeemAgainst calls a market contract and measures how many share tokens
// it actually consumed from the ledger's account. The measured consumption,
// not the requested amount, is what the ledger books.
func (e *Engine) redeemAgainst(m *market.Market, amountIn *big.Int, receiver string, minOut *big.Int) (used, out, bonus *big.Int, err error) {
	before, err := m.WrappedToken.BalanceOf(e.cfg.SelfAddress)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("share balance before redeem: %w", err)
	}
	out, bonus, err = m.Contract.RedeemFToken(amountIn, receiver, minOut)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("market %s redeem: %w", m.Key, err)
	}
	after, err := m.WrappedToken.BalanceOf(e.cfg.SelfAddress)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("share balance after redeem: %w", err)
	}

	used = new(big.Int).Sub(before, after)
	if used.Sign() < 0 {
		return nil, nil, nil, fmt.Errorf("market %s redeem increased share balance by %s", m.Key, new(big.Int).Neg(used))
	}
	if used.Cmp(m.Managed) > 0 {
		return nil, nil, nil, ErrInsufficientLiquidity
	}
	if out == nil {
		out = new(big.Int)
	}
	if bonus == nil {
		bonus = new(big.Int)
	}
	return used, fpmath.Clone(out), fpmath.Clone(bonus), nil
}

// AutoRedeem burns the caller's stable asset across all markets. Allocation
// is proportional while under-collateralized, otherwise it drains the
// deepest market first. minOuts is positional per registered market.
func (e *Engine) AutoRedeem(caller string, amountIn *big.Int, receiver string, minOuts []*big.Int) (*big.Int, []*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	burned, outs, err := e.autoRedeemLocked(caller, amountIn, receiver, minOuts)
	e.record("auto_redeem", start, err)
	return burned, outs, err
}

func (e *Engine) autoRedeemLocked(caller string, amountIn *big.Int, receiver string, minOuts []*big.Int) (*big.Int, []*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if receiver == "" {
		return nil, nil, ErrInvalidReceiver
	}
	if len(minOuts) != e.registry.Len() {
		return nil, nil, ErrLengthMismatch
	}
	if amountIn.Cmp(e.legacySupply) > 0 {
		return nil, nil, ErrExceedsSupply
	}

	under := e.registry.IsUnderCollateral()
	allocs := alloc.Allocate(amountIn, e.registry.ManagedAmounts(), under)

	markets := e.registry.Markets()
	totalBurn := new(big.Int)
	outs := make([]*big.Int, len(markets))
	used := make([]*big.Int, len(markets))
	legs := make([]event.AutoRedeemLeg, 0, len(markets))

	// Phase one: run every leg's external redemption and measure its share
	// consumption. No ledgered state moves yet, so a rejected leg leaves
	// managed, legacySupply, and the caller's stable balance untouched.
	for i, m := range markets {
		outs[i] = new(big.Int)
		used[i] = new(big.Int)
		if allocs[i].Sign() == 0 {
			continue
		}
		legUsed, out, bonus, err := e.redeemAgainst(m, allocs[i], receiver, minOuts[i])
		if err != nil {
			return nil, nil, err
		}
		used[i] = legUsed
		totalBurn.Add(totalBurn, legUsed)
		outs[i] = out
		legs = append(legs, event.AutoRedeemLeg{
			Market:    m.Key,
			Allocated: allocs[i],
			Used:      legUsed,
			AmountOut: out,
			BonusOut:  bonus,
		})
	}

	if totalBurn.Sign() > 0 {
		if err := e.stable.Burn(caller, totalBurn); err != nil {
			return nil, nil, fmt.Errorf("burn stable: %w", err)
		}
	}

	// Phase two: every leg succeeded, commit the measured deltas together.
	for i, m := range markets {
		if used[i].Sign() > 0 {
			m.Managed.Sub(m.Managed, used[i])
		}
	}
	e.legacySupply.Sub(e.legacySupply, totalBurn)

	e.emit(event.AutoRedeemed{
		OpID:      uuid.New(),
		Caller:    caller,
		Receiver:  receiver,
		Requested: fpmath.Clone(amountIn),
		Burned:    fpmath.Clone(totalBurn),
		Legs:      legs,
	})
	e.postCheckConservation()
	return totalBurn, outs, nil
}

// ============================================================
// Direct supply management
// ============================================================

// Mint issues stable asset without collateral backing. Pool-manager only;
// bypasses the legacy supply and the conservation invariant.
func (e *Engine) Mint(caller, receiver string, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	err := e.mintLocked(caller, receiver, amount)
	e.record("mint", start, err)
	return err
}

func (e *Engine) mintLocked(caller, receiver string, amount *big.Int) error {
	if caller != e.cfg.PoolManager {
		return ErrCallerNotPoolManager
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if receiver == "" {
		return ErrInvalidReceiver
	}
	if err := e.stable.Mint(receiver, amount); err != nil {
		return fmt.Errorf("mint stable: %w", err)
	}
	e.emit(event.DirectMinted{
		OpID:     uuid.New(),
		Caller:   caller,
		Receiver: receiver,
		Amount:   fpmath.Clone(amount),
	})
	e.postCheckConservation()
	return nil
}

// Burn retires stable asset from an account without releasing collateral.
// Pool-manager only; bypasses the legacy supply.
func (e *Engine) Burn(caller, from string, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	err := e.burnLocked(caller, from, amount)
	e.record("burn", start, err)
	return err
}

func (e *Engine) burnLocked(caller, from string, amount *big.Int) error {
	if caller != e.cfg.PoolManager {
		return ErrCallerNotPoolManager
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if from == "" {
		return ErrInvalidReceiver
	}
	if err := e.stable.Burn(from, amount); err != nil {
		return fmt.Errorf("burn stable: %w", err)
	}
	e.emit(event.DirectBurned{
		OpID:   uuid.New(),
		Caller: caller,
		From:   from,
		Amount: fpmath.Clone(amount),
	})
	e.postCheckConservation()
	return nil
}

// ============================================================
// Stable reserve
// ============================================================

// FundReserve settles a rebalance into the reserve: amountIn of stable
// collateral moves from the caller into owned, and stableAmount is added
// to the managed liability. The two amounts are independent. Pool-manager
// only.
func (e *Engine) FundReserve(caller string, amountIn, stableAmount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	err := e.fundReserveLocked(caller, amountIn, stableAmount)
	e.record("fund_reserve", start, err)
	return err
}

func (e *Engine) fundReserveLocked(caller string, amountIn, stableAmount *big.Int) error {
	if caller != e.cfg.PoolManager {
		return ErrCallerNotPoolManager
	}

	prevOwned, prevManaged := e.reserve.Owned(), e.reserve.Managed()
	if err := e.reserve.Fund(amountIn, stableAmount); err != nil {
		return err
	}
	if err := e.collateral.Transfer(caller, e.cfg.SelfAddress, amountIn); err != nil {
		e.reserve.Restore(prevOwned, prevManaged)
		return fmt.Errorf("transfer collateral: %w", err)
	}

	e.emit(event.ReserveFunded{
		OpID:         uuid.New(),
		Caller:       caller,
		AmountIn:     fpmath.Clone(amountIn),
		StableAmount: fpmath.Clone(stableAmount),
	})
	e.postCheckConservation()
	return nil
}

// Buyback spends owned reserve collateral to buy back and retire stable
// asset via the peg keeper. Peg-keeper only.
func (e *Engine) Buyback(caller string, amountIn *big.Int, receiver string, routeData []byte) (*big.Int, *big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	out, bonus, err := e.buybackLocked(caller, amountIn, receiver, routeData)
	e.record("buyback", start, err)
	return out, bonus, err
}

func (e *Engine) buybackLocked(caller string, amountIn *big.Int, receiver string, routeData []byte) (*big.Int, *big.Int, error) {
	if caller != e.cfg.PegKeeper {
		return nil, nil, ErrCallerNotPegKeeper
	}
	if receiver == "" {
		return nil, nil, ErrInvalidReceiver
	}

	out, bonus, spent, err := e.buyback.Buyback(amountIn, receiver, routeData)
	if err != nil {
		// A non-nil spent means the collateral reached the keeper before
		// the failure and the owned reserve was debited. That debit must
		// land in the event log or replay diverges from the stored hashes.
		if spent != nil && spent.Sign() > 0 {
			e.emit(event.BuybackFailed{
				OpID:     uuid.New(),
				Caller:   caller,
				Receiver: receiver,
				AmountIn: spent,
				Reason:   err.Error(),
			})
			e.postCheckConservation()
		}
		return nil, nil, err
	}

	e.emit(event.BuybackExecuted{
		OpID:      uuid.New(),
		Caller:    caller,
		Receiver:  receiver,
		AmountIn:  fpmath.Clone(amountIn),
		Expected:  new(big.Int).Sub(out, bonus),
		AmountOut: out,
		BonusOut:  bonus,
	})
	e.postCheckConservation()
	return out, bonus, nil
}

// ============================================================
// Administration
// ============================================================

// AddMarket registers a new collateral market. Admin only.
func (e *Engine) AddMarket(caller string, m *market.Market) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	err := e.addMarketLocked(caller, m)
	e.record("add_market", start, err)
	return err
}

func (e *Engine) addMarketLocked(caller string, m *market.Market) error {
	if caller != e.cfg.Admin {
		return ErrCallerNotAdmin
	}
	if err := e.registry.Add(m); err != nil {
		return err
	}
	e.emit(event.MarketAdded{
		OpID:        uuid.New(),
		Caller:      caller,
		Market:      m.Key,
		IssuanceCap: fpmath.Clone(m.IssuanceCap),
	})
	e.postCheckConservation()
	return nil
}

// RemoveMarket unregisters a drained market. Admin only.
func (e *Engine) RemoveMarket(caller, marketKey string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	err := e.removeMarketLocked(caller, marketKey)
	e.record("remove_market", start, err)
	return err
}

func (e *Engine) removeMarketLocked(caller, marketKey string) error {
	if caller != e.cfg.Admin {
		return ErrCallerNotAdmin
	}
	if err := e.registry.Remove(marketKey); err != nil {
		return err
	}
	e.emit(event.MarketRemoved{
		OpID:   uuid.New(),
		Caller: caller,
		Market: marketKey,
	})
	e.postCheckConservation()
	return nil
}

// AddRebalancePool registers a rebalance pool for an existing market. Admin only.
func (e *Engine) AddRebalancePool(caller string, pool market.RebalancePool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	err := e.addPoolLocked(caller, pool)
	e.record("add_rebalance_pool", start, err)
	return err
}

func (e *Engine) addPoolLocked(caller string, pool market.RebalancePool) error {
	if caller != e.cfg.Admin {
		return ErrCallerNotAdmin
	}
	if err := e.registry.AddPool(pool); err != nil {
		return err
	}
	e.emit(event.RebalancePoolAdded{
		OpID:   uuid.New(),
		Caller: caller,
		Pool:   pool.Address(),
		Market: pool.MarketKey(),
	})
	e.postCheckConservation()
	return nil
}

// RemoveRebalancePool unregisters a rebalance pool. Admin only.
func (e *Engine) RemoveRebalancePool(caller, poolAddr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.clock()

	err := e.removePoolLocked(caller, poolAddr)
	e.record("remove_rebalance_pool", start, err)
	return err
}

func (e *Engine) removePoolLocked(caller, poolAddr string) error {
	if caller != e.cfg.Admin {
		return ErrCallerNotAdmin
	}
	if err := e.registry.RemovePool(poolAddr); err != nil {
		return err
	}
	e.emit(event.RebalancePoolRemoved{
		OpID:   uuid.New(),
		Caller: caller,
		Pool:   poolAddr,
	})
	e.postCheckConservation()
	return nil
}

// ============================================================
// Views
// ============================================================

// Nav returns the supply-weighted net asset value of the stable asset in
// 1e18 fixed point. An empty supply reports parity.
func (e *Engine) Nav() (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.navLocked()
}

func (e *Engine) navLocked() (*big.Int, error) {
	if e.legacySupply.Sign() == 0 {
		return fpmath.Parity(), nil
	}
	total := new(big.Int)
	for _, m := range e.registry.Markets() {
		nav, err := m.WrappedToken.Nav()
		if err != nil {
			return nil, fmt.Errorf("market %s nav: %w", m.Key, err)
		}
		total.Add(total, new(big.Int).Mul(nav, m.Managed))
	}
	return total.Quo(total, e.legacySupply), nil
}

// IsUnderCollateral reports the system-wide under-collateralization brake.
func (e *Engine) IsUnderCollateral() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.IsUnderCollateral()
}

// LegacySupply returns the collateral-backed stable supply.
func (e *Engine) LegacySupply() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fpmath.Clone(e.legacySupply)
}

// MarketView is a read-only projection of one market.
type MarketView struct {
	Key         string
	IssuanceCap *big.Int
	Managed     *big.Int
}

func (e *Engine) Markets() []MarketView {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MarketView, 0, e.registry.Len())
	for _, m := range e.registry.Markets() {
		out = append(out, MarketView{
			Key:         m.Key,
			IssuanceCap: fpmath.Clone(m.IssuanceCap),
			Managed:     fpmath.Clone(m.Managed),
		})
	}
	return out
}

func (e *Engine) RebalancePools() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.PoolAddresses()
}

// ReserveView is a read-only projection of the stable reserve.
type ReserveView struct {
	Owned    *big.Int
	Managed  *big.Int
	Decimals uint8
}

func (e *Engine) Reserve() ReserveView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ReserveView{
		Owned:    e.reserve.Owned(),
		Managed:  e.reserve.Managed(),
		Decimals: e.reserve.Decimals(),
	}
}

// Sequence returns the next envelope sequence number.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// ============================================================
// Internals
// ============================================================

// emit assigns the operation its sequence and hash-chain position, then
// hands it to persistence (blocking) and publication (best-effort).
func (e *Engine) emit(payload event.Event) {
	stateDigest := e.stateDigest()
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)

	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: unmarshalable event payload %T: %v", payload, err))
	}

	envelope := &event.Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: payload.IdempotencyKey(),
		EventType:      payload.EventType(),
		MarketKey:      payload.MarketKey(),
		Timestamp:      e.clock().UTC(),
		Payload:        raw,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	e.sequence++

	output := Output{Envelope: envelope, Payload: payload}

	// Persistence: blocking send, the engine stalls until the writer drains.
	if e.persistChan != nil {
		e.persistChan <- output
	}
	// Publication: non-blocking send, subscribers rebuild from the event log.
	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

// stateDigest serializes the conservation-relevant state in a canonical order.
func (e *Engine) stateDigest() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, "supply="...)
	buf = append(buf, e.legacySupply.String()...)
	for _, m := range e.registry.Markets() {
		buf = append(buf, ';')
		buf = append(buf, m.Key...)
		buf = append(buf, '=')
		buf = append(buf, m.Managed.String()...)
	}
	buf = append(buf, ";reserve="...)
	buf = append(buf, e.reserve.Owned().String()...)
	buf = append(buf, '/')
	buf = append(buf, e.reserve.Managed().String()...)
	return buf
}

// postCheckConservation enforces sum(market.managed) == legacySupply.
// A violation means ledgered state has diverged from issued supply, which
// no further operation can repair, so the process halts.
func (e *Engine) postCheckConservation() {
	total := e.registry.TotalManaged()
	if total.Cmp(e.legacySupply) != 0 {
		panic(fmt.Sprintf("FATAL: conservation violated: sum(managed)=%s legacySupply=%s", total, e.legacySupply))
	}
	if e.legacySupply.Sign() < 0 {
		panic(fmt.Sprintf("FATAL: negative legacy supply %s", e.legacySupply))
	}
}

// record updates metrics for one operation attempt.
func (e *Engine) record(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	if err != nil {
		e.metrics.OpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
		return
	}
	e.metrics.OpsApplied.WithLabelValues(op).Inc()
	e.metrics.OpDuration.WithLabelValues(op).Observe(e.clock().Sub(start).Seconds())
	e.metrics.Sequence.Set(float64(e.sequence))
	e.metrics.LegacySupply.Set(bigToFloat(e.legacySupply))
	e.metrics.ReserveOwned.Set(bigToFloat(e.reserve.Owned()))
	e.metrics.ReserveManaged.Set(bigToFloat(e.reserve.Managed()))
	if e.registry.IsUnderCollateral() {
		e.metrics.UnderCollateral.Set(1)
	} else {
		e.metrics.UnderCollateral.Set(0)
	}
}

func bigToFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
