package core

import (
	"errors"

	"PegLedger/internal/market"
	"PegLedger/internal/reserve"
)

var (
	ErrCallerNotPoolManager  = errors.New("core: caller is not the pool manager")
	ErrCallerNotPegKeeper    = errors.New("core: caller is not the peg keeper")
	ErrCallerNotAdmin        = errors.New("core: caller is not the admin")
	ErrUnderCollateral       = errors.New("core: system is under-collateralized")
	ErrMarketInStabilityMode = errors.New("core: market is in stability mode")
	ErrMarketInvalidPrice    = errors.New("core: market base token price is invalid")
	ErrInsufficientLiquidity = errors.New("core: amount exceeds market managed backing")
	ErrExceedCapacity        = errors.New("core: amount exceeds market issuance cap")
	ErrLengthMismatch        = errors.New("core: min-out list does not match market count")
	ErrExceedsSupply         = errors.New("core: amount exceeds legacy supply")
	ErrInvalidAmount         = errors.New("core: amount must be positive")
	ErrInvalidReceiver       = errors.New("core: receiver must be set")
)

// rejectReason maps an operation error onto a low-cardinality metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrCallerNotPoolManager),
		errors.Is(err, ErrCallerNotPegKeeper),
		errors.Is(err, ErrCallerNotAdmin):
		return "unauthorized"
	case errors.Is(err, ErrUnderCollateral):
		return "under_collateral"
	case errors.Is(err, ErrMarketInStabilityMode):
		return "stability_mode"
	case errors.Is(err, ErrMarketInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrExceedCapacity):
		return "exceed_capacity"
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, ErrExceedsSupply):
		return "exceeds_supply"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidReceiver):
		return "invalid_input"
	case errors.Is(err, market.ErrUnsupportedMarket),
		errors.Is(err, market.ErrUnsupportedRebalancePool):
		return "unsupported"
	case errors.Is(err, market.ErrDuplicateMarket),
		errors.Is(err, market.ErrDuplicateRebalancePool):
		return "duplicate"
	case errors.Is(err, market.ErrMarketStillBacked):
		return "still_backed"
	case errors.Is(err, reserve.ErrInvalidAmount):
		return "invalid_input"
	case errors.Is(err, reserve.ErrAmountOverflow):
		return "overflow"
	case errors.Is(err, reserve.ErrExceedStableReserve):
		return "exceed_reserve"
	case errors.Is(err, reserve.ErrInsufficientOutput):
		return "insufficient_output"
	case errors.Is(err, reserve.ErrInsufficientBuyBack):
		return "insufficient_buyback"
	default:
		return "collaborator_failure"
	}
}
