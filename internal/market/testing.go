package market

import (
	"fmt"
	"math/big"
)

// Test doubles shared across package tests. They live in a non-test file so
// other packages (core, reserve) can reuse them without duplicating fakes.

// MemoryToken is an in-memory Token backed by a balance map.
type MemoryToken struct {
	Balances map[string]*big.Int
}

func NewMemoryToken() *MemoryToken {
	return &MemoryToken{Balances: make(map[string]*big.Int)}
}

func (t *MemoryToken) SetBalance(account string, amount *big.Int) {
	t.Balances[account] = new(big.Int).Set(amount)
}

func (t *MemoryToken) BalanceOf(account string) (*big.Int, error) {
	b, ok := t.Balances[account]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(b), nil
}

func (t *MemoryToken) Transfer(from, to string, amount *big.Int) error {
	b, ok := t.Balances[from]
	if !ok || b.Cmp(amount) < 0 {
		return fmt.Errorf("memory token: insufficient balance for %s", from)
	}
	b.Sub(b, amount)
	dst, ok := t.Balances[to]
	if !ok {
		dst = new(big.Int)
		t.Balances[to] = dst
	}
	dst.Add(dst, amount)
	return nil
}

// MemoryStable adds mint/burn to MemoryToken.
type MemoryStable struct {
	MemoryToken
	TotalSupply *big.Int
}

func NewMemoryStable() *MemoryStable {
	return &MemoryStable{
		MemoryToken: MemoryToken{Balances: make(map[string]*big.Int)},
		TotalSupply: new(big.Int),
	}
}

func (s *MemoryStable) Mint(to string, amount *big.Int) error {
	dst, ok := s.Balances[to]
	if !ok {
		dst = new(big.Int)
		s.Balances[to] = dst
	}
	dst.Add(dst, amount)
	s.TotalSupply.Add(s.TotalSupply, amount)
	return nil
}

func (s *MemoryStable) Burn(from string, amount *big.Int) error {
	b, ok := s.Balances[from]
	if !ok || b.Cmp(amount) < 0 {
		return fmt.Errorf("memory stable: insufficient balance for %s", from)
	}
	b.Sub(b, amount)
	s.TotalSupply.Sub(s.TotalSupply, amount)
	return nil
}

// MemoryFToken is a share token with a fixed NAV.
type MemoryFToken struct {
	MemoryToken
	NavValue *big.Int
}

func NewMemoryFToken(nav *big.Int) *MemoryFToken {
	return &MemoryFToken{
		MemoryToken: MemoryToken{Balances: make(map[string]*big.Int)},
		NavValue:    new(big.Int).Set(nav),
	}
}

func (f *MemoryFToken) Nav() (*big.Int, error) {
	return new(big.Int).Set(f.NavValue), nil
}

// StaticTreasury reports fixed health signals.
type StaticTreasury struct {
	Under      bool
	Collateral *big.Int
	Stability  *big.Int
	PriceValid bool
}

// HealthyTreasury returns a treasury that permits issuance: collateral
// ratio 2.0, stability ratio 1.3, valid price, not under-collateralized.
func HealthyTreasury() *StaticTreasury {
	return &StaticTreasury{
		Collateral: big.NewInt(2_000_000_000_000_000_000),
		Stability:  big.NewInt(1_300_000_000_000_000_000),
		PriceValid: true,
	}
}

func (s *StaticTreasury) IsUnderCollateral() bool     { return s.Under }
func (s *StaticTreasury) CollateralRatio() *big.Int   { return new(big.Int).Set(s.Collateral) }
func (s *StaticTreasury) StabilityRatio() *big.Int    { return new(big.Int).Set(s.Stability) }
func (s *StaticTreasury) IsBaseTokenPriceValid() bool { return s.PriceValid }

// FakeContract delegates RedeemFToken to a closure so tests can script
// partial consumption, payouts, and failures.
type FakeContract struct {
	RedeemFn func(amount *big.Int, receiver string, minOut *big.Int) (*big.Int, *big.Int, error)
}

func (c *FakeContract) RedeemFToken(amount *big.Int, receiver string, minOut *big.Int) (*big.Int, *big.Int, error) {
	if c.RedeemFn == nil {
		return new(big.Int), new(big.Int), nil
	}
	return c.RedeemFn(amount, receiver, minOut)
}

// FakePool is a scriptable rebalance pool.
type FakePool struct {
	Addr       string
	Market     string
	Shares     *MemoryFToken
	WithdrawFn func(owner string, amount *big.Int, recipient string) error
}

func (p *FakePool) Address() string   { return p.Addr }
func (p *FakePool) MarketKey() string { return p.Market }

func (p *FakePool) WithdrawShares(owner string, amount *big.Int, recipient string) error {
	if p.WithdrawFn != nil {
		return p.WithdrawFn(owner, amount, recipient)
	}
	if p.Shares != nil {
		return p.Shares.Transfer(p.Addr, recipient, amount)
	}
	return nil
}

// FakeKeeper is a scriptable peg keeper.
type FakeKeeper struct {
	Addr   string
	SwapFn func(tokenIn, tokenOut string, amountIn *big.Int, routeData []byte) (*big.Int, error)
}

func (k *FakeKeeper) Address() string { return k.Addr }

func (k *FakeKeeper) OnSwap(tokenIn, tokenOut string, amountIn *big.Int, routeData []byte) (*big.Int, error) {
	if k.SwapFn == nil {
		return new(big.Int).Set(amountIn), nil
	}
	return k.SwapFn(tokenIn, tokenOut, amountIn, routeData)
}
