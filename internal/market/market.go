package market

import "math/big"

// Collaborator interfaces for a collateral market. The engine treats every
// execution call as untrusted: amounts a collaborator reports are validated
// against the engine's own balance measurements, never used directly for
// ledger mutation.

// Token is the minimal fungible-token surface the engine consumes.
type Token interface {
	BalanceOf(account string) (*big.Int, error)
	Transfer(from, to string, amount *big.Int) error
}

// StableAsset is the pegged token this ledger issues and retires.
type StableAsset interface {
	Token
	Mint(to string, amount *big.Int) error
	Burn(from string, amount *big.Int) error
}

// FToken is a market's share token. Nav returns the per-share net asset
// value in 1e18 fixed point.
type FToken interface {
	Token
	Nav() (*big.Int, error)
}

// Treasury reports a market's health signals. All ratios are 1e18
// fixed point. Implementations are local (signal-cache backed) and
// therefore do not return errors; an unknown market must report
// conservative values that block issuance.
type Treasury interface {
	IsUnderCollateral() bool
	CollateralRatio() *big.Int
	StabilityRatio() *big.Int
	IsBaseTokenPriceValid() bool
}

// Contract executes redemptions for a market: it consumes share tokens held
// by the engine and pays the underlying asset out to the receiver.
type Contract interface {
	RedeemFToken(amount *big.Int, receiver string, minOut *big.Int) (amountOut, bonusOut *big.Int, err error)
}

// RebalancePool surrenders share tokens it holds on behalf of its
// depositors, and holds stable asset that the engine may burn during
// pool-sourced redemptions.
type RebalancePool interface {
	Address() string
	MarketKey() string
	WithdrawShares(owner string, amount *big.Int, recipient string) error
}

// PegKeeper executes the buyback swap: it receives stable collateral and is
// expected to return stable asset to the engine's account.
type PegKeeper interface {
	Address() string
	OnSwap(tokenIn, tokenOut string, amountIn *big.Int, routeData []byte) (*big.Int, error)
}

// Market is one collateral type's issuance/redemption channel.
// Managed is the stable-asset amount currently backed by this market;
// Managed <= IssuanceCap is enforced at wrap time only.
type Market struct {
	Key          string
	WrappedToken FToken
	Treasury     Treasury
	Contract     Contract
	IssuanceCap  *big.Int
	Managed      *big.Int
}
