package reserve

import (
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"PegLedger/internal/market"
	fpmath "PegLedger/internal/math"
)

// Engine executes peg-defending buybacks: it hands owned collateral to the
// peg keeper, measures how much stable asset actually came back, burns the
// expected liability, and forwards any surplus as the caller's bonus.
//
// The keeper's claimed output is never trusted: the engine compares it to
// the balance delta on its own account and rejects any overstatement.
type Engine struct {
	account *Account

	collateral market.Token
	stable     market.StableAsset
	keeper     market.PegKeeper

	self          string
	collateralSym string
	stableSym     string

	log zerolog.Logger
}

type EngineConfig struct {
	Account          *Account
	Collateral       market.Token
	Stable           market.StableAsset
	Keeper           market.PegKeeper
	SelfAddress      string
	CollateralSymbol string
	StableSymbol     string
	Logger           zerolog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		account:       cfg.Account,
		collateral:    cfg.Collateral,
		stable:        cfg.Stable,
		keeper:        cfg.Keeper,
		self:          cfg.SelfAddress,
		collateralSym: cfg.CollateralSymbol,
		stableSym:     cfg.StableSymbol,
		log:           cfg.Logger,
	}
}

// Buyback swaps amountIn of owned collateral for stable asset via the peg
// keeper. It returns the measured stable output, the bonus forwarded to
// receiver, and the owned collateral debited from the account. The expected
// liability is ceil(amountIn * managed / owned) so the reserve never
// under-retires debt on a partial spend.
//
// Once the collateral transfer to the keeper succeeds, the owned reserve is
// debited whether or not the swap settles: spent is non-nil from that point
// on, and a non-nil spent alongside a non-nil error tells the caller the
// account changed despite the failure.
func (e *Engine) Buyback(amountIn *big.Int, receiver string, routeData []byte) (amountOut, bonusOut, spent *big.Int, err error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, nil, nil, ErrInvalidAmount
	}

	owned := e.account.Owned()
	managed := e.account.Managed()
	if amountIn.Cmp(owned) > 0 {
		return nil, nil, nil, ErrExceedStableReserve
	}
	expected := fpmath.MulDivCeil(amountIn, managed, owned)

	if err := e.collateral.Transfer(e.self, e.keeper.Address(), amountIn); err != nil {
		return nil, nil, nil, fmt.Errorf("transfer collateral to keeper: %w", err)
	}
	// The collateral is with the keeper now; the owned balance must track
	// actual holdings even when the swap below is rejected.
	e.account.Spend(amountIn)
	spent = fpmath.Clone(amountIn)

	before, err := e.stable.BalanceOf(e.self)
	if err != nil {
		return nil, nil, spent, fmt.Errorf("stable balance before swap: %w", err)
	}
	claimed, err := e.keeper.OnSwap(e.collateralSym, e.stableSym, amountIn, routeData)
	if err != nil {
		return nil, nil, spent, fmt.Errorf("keeper swap: %w", err)
	}
	after, err := e.stable.BalanceOf(e.self)
	if err != nil {
		return nil, nil, spent, fmt.Errorf("stable balance after swap: %w", err)
	}

	received := new(big.Int).Sub(after, before)
	if claimed.Cmp(received) > 0 {
		return nil, nil, spent, ErrInsufficientOutput
	}
	if claimed.Cmp(expected) < 0 {
		return nil, nil, spent, ErrInsufficientBuyBack
	}

	if err := e.stable.Burn(e.self, expected); err != nil {
		return nil, nil, spent, fmt.Errorf("burn expected stable: %w", err)
	}
	e.account.Retire(expected)

	bonus := new(big.Int).Sub(claimed, expected)
	if bonus.Sign() > 0 {
		if err := e.stable.Transfer(e.self, receiver, bonus); err != nil {
			return nil, nil, spent, fmt.Errorf("forward bonus: %w", err)
		}
	}

	e.log.Info().
		Str("amount_in", amountIn.String()).
		Str("expected", expected.String()).
		Str("claimed", claimed.String()).
		Str("bonus", bonus.String()).
		Str("receiver", receiver).
		Msg("buyback executed")

	return claimed, bonus, spent, nil
}

// Account exposes the underlying reserve account for views and snapshots.
func (e *Engine) Account() *Account { return e.account }
