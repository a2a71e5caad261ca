package reserve

import (
	"errors"
	"math/big"

	fpmath "PegLedger/internal/math"
)

var (
	ErrInvalidAmount       = errors.New("reserve: amount must be positive")
	ErrAmountOverflow      = errors.New("reserve: amount exceeds 96-bit bound")
	ErrExceedStableReserve = errors.New("reserve: amount exceeds owned reserve")
	ErrInsufficientOutput  = errors.New("reserve: claimed output exceeds measured output")
	ErrInsufficientBuyBack = errors.New("reserve: buyback output below expected")
)

// Account tracks the stable reserve in two 96-bit-bounded fields:
// owned is collateral held for buybacks, managed is the stable-asset
// liability those buybacks are expected to retire. Both are denominated
// in the collateral token's native decimals.
type Account struct {
	owned    *big.Int
	managed  *big.Int
	decimals uint8
}

func NewAccount(decimals uint8) *Account {
	return &Account{
		owned:    new(big.Int),
		managed:  new(big.Int),
		decimals: decimals,
	}
}

// Fund credits owned by the collateral moved in and managed by the
// stable-asset liability it settles. The two amounts are independent, so
// funding can skew the owned/managed ratio; each side is bound-checked on
// its own. managedAmount may be zero when a rebalance settles no liability.
func (a *Account) Fund(ownedAmount, managedAmount *big.Int) error {
	if ownedAmount == nil || ownedAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if managedAmount == nil || managedAmount.Sign() < 0 {
		return ErrInvalidAmount
	}
	owned := new(big.Int).Add(a.owned, ownedAmount)
	managed := new(big.Int).Add(a.managed, managedAmount)
	if !fpmath.FitsUint96(owned) || !fpmath.FitsUint96(managed) {
		return ErrAmountOverflow
	}
	a.owned = owned
	a.managed = managed
	return nil
}

func (a *Account) Owned() *big.Int   { return new(big.Int).Set(a.owned) }
func (a *Account) Managed() *big.Int { return new(big.Int).Set(a.managed) }
func (a *Account) Decimals() uint8   { return a.decimals }

// Spend debits owned collateral. It is recorded the moment collateral
// leaves the ledger's account, before the swap settles, so a rejected
// swap still counts as spent reserve rather than phantom inventory.
func (a *Account) Spend(amountIn *big.Int) {
	a.owned.Sub(a.owned, amountIn)
}

// Retire debits expected from the managed liability. Managed clamps at
// zero: ceil rounding across several buybacks can retire slightly more
// than was ever recorded.
func (a *Account) Retire(expected *big.Int) {
	a.managed.Sub(a.managed, expected)
	if a.managed.Sign() < 0 {
		a.managed.SetInt64(0)
	}
}

// Restore overwrites the account from persisted snapshot values.
func (a *Account) Restore(owned, managed *big.Int) {
	a.owned = fpmath.Clone(owned)
	a.managed = fpmath.Clone(managed)
}
