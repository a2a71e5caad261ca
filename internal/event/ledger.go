package event

import (
	"math/big"

	"github.com/google/uuid"
)

// Ledger operation payloads. Amounts are *big.Int and marshal through JSON
// as decimal strings, which keeps persisted payloads replayable without
// precision loss.

type Wrapped struct {
	OpID     uuid.UUID `json:"op_id"`
	Market   string    `json:"market"`
	Caller   string    `json:"caller"`
	Receiver string    `json:"receiver"`
	// Pool is set when the shares came out of a rebalance pool.
	Pool     string   `json:"pool,omitempty"`
	AmountIn *big.Int `json:"amount_in"`
	Minted   *big.Int `json:"minted"`
}

func (e Wrapped) IdempotencyKey() string { return e.OpID.String() }
func (e Wrapped) EventType() Type        { return TypeWrapped }
func (e Wrapped) MarketKey() *string     { return &e.Market }

type Unwrapped struct {
	OpID     uuid.UUID `json:"op_id"`
	Market   string    `json:"market"`
	Caller   string    `json:"caller"`
	Receiver string    `json:"receiver"`
	Burned   *big.Int  `json:"burned"`
}

func (e Unwrapped) IdempotencyKey() string { return e.OpID.String() }
func (e Unwrapped) EventType() Type        { return TypeUnwrapped }
func (e Unwrapped) MarketKey() *string     { return &e.Market }

type Redeemed struct {
	OpID     uuid.UUID `json:"op_id"`
	Market   string    `json:"market"`
	Caller   string    `json:"caller"`
	Receiver string    `json:"receiver"`
	// Pool is set when the stable asset was burned from a rebalance pool.
	Pool      string   `json:"pool,omitempty"`
	Requested *big.Int `json:"requested"`
	// Used is the measured share consumption, which is what the ledger
	// actually burned and released.
	Used      *big.Int `json:"used"`
	AmountOut *big.Int `json:"amount_out"`
	BonusOut  *big.Int `json:"bonus_out"`
}

func (e Redeemed) IdempotencyKey() string { return e.OpID.String() }
func (e Redeemed) EventType() Type        { return TypeRedeemed }
func (e Redeemed) MarketKey() *string     { return &e.Market }

// AutoRedeemLeg is one market's slice of a bulk redemption.
type AutoRedeemLeg struct {
	Market    string   `json:"market"`
	Allocated *big.Int `json:"allocated"`
	Used      *big.Int `json:"used"`
	AmountOut *big.Int `json:"amount_out"`
	BonusOut  *big.Int `json:"bonus_out"`
}

type AutoRedeemed struct {
	OpID      uuid.UUID       `json:"op_id"`
	Caller    string          `json:"caller"`
	Receiver  string          `json:"receiver"`
	Requested *big.Int        `json:"requested"`
	Burned    *big.Int        `json:"burned"`
	Legs      []AutoRedeemLeg `json:"legs"`
}

func (e AutoRedeemed) IdempotencyKey() string { return e.OpID.String() }
func (e AutoRedeemed) EventType() Type        { return TypeAutoRedeemed }
func (e AutoRedeemed) MarketKey() *string     { return nil }

type DirectMinted struct {
	OpID     uuid.UUID `json:"op_id"`
	Caller   string    `json:"caller"`
	Receiver string    `json:"receiver"`
	Amount   *big.Int  `json:"amount"`
}

func (e DirectMinted) IdempotencyKey() string { return e.OpID.String() }
func (e DirectMinted) EventType() Type        { return TypeDirectMinted }
func (e DirectMinted) MarketKey() *string     { return nil }

type DirectBurned struct {
	OpID   uuid.UUID `json:"op_id"`
	Caller string    `json:"caller"`
	From   string    `json:"from"`
	Amount *big.Int  `json:"amount"`
}

func (e DirectBurned) IdempotencyKey() string { return e.OpID.String() }
func (e DirectBurned) EventType() Type        { return TypeDirectBurned }
func (e DirectBurned) MarketKey() *string     { return nil }

type ReserveFunded struct {
	OpID   uuid.UUID `json:"op_id"`
	Caller string    `json:"caller"`
	// AmountIn is the stable collateral moved into the reserve (owned);
	// StableAmount is the stable-asset liability the rebalance settled
	// (managed). The two sides move independently.
	AmountIn     *big.Int `json:"amount_in"`
	StableAmount *big.Int `json:"stable_amount"`
}

func (e ReserveFunded) IdempotencyKey() string { return e.OpID.String() }
func (e ReserveFunded) EventType() Type        { return TypeReserveFunded }
func (e ReserveFunded) MarketKey() *string     { return nil }

type BuybackExecuted struct {
	OpID      uuid.UUID `json:"op_id"`
	Caller    string    `json:"caller"`
	Receiver  string    `json:"receiver"`
	AmountIn  *big.Int  `json:"amount_in"`
	Expected  *big.Int  `json:"expected"`
	AmountOut *big.Int  `json:"amount_out"`
	BonusOut  *big.Int  `json:"bonus_out"`
}

func (e BuybackExecuted) IdempotencyKey() string { return e.OpID.String() }
func (e BuybackExecuted) EventType() Type        { return TypeBuybackExecuted }
func (e BuybackExecuted) MarketKey() *string     { return nil }

// BuybackFailed records a buyback whose collateral reached the keeper but
// whose swap was rejected. The owned reserve is debited: the collateral is
// spent, not inventory, and replay must reproduce that debit.
type BuybackFailed struct {
	OpID     uuid.UUID `json:"op_id"`
	Caller   string    `json:"caller"`
	Receiver string    `json:"receiver"`
	AmountIn *big.Int  `json:"amount_in"`
	Reason   string    `json:"reason"`
}

func (e BuybackFailed) IdempotencyKey() string { return e.OpID.String() }
func (e BuybackFailed) EventType() Type        { return TypeBuybackFailed }
func (e BuybackFailed) MarketKey() *string     { return nil }

type MarketAdded struct {
	OpID        uuid.UUID `json:"op_id"`
	Caller      string    `json:"caller"`
	Market      string    `json:"market"`
	IssuanceCap *big.Int  `json:"issuance_cap"`
}

func (e MarketAdded) IdempotencyKey() string { return e.OpID.String() }
func (e MarketAdded) EventType() Type        { return TypeMarketAdded }
func (e MarketAdded) MarketKey() *string     { return &e.Market }

type MarketRemoved struct {
	OpID   uuid.UUID `json:"op_id"`
	Caller string    `json:"caller"`
	Market string    `json:"market"`
}

func (e MarketRemoved) IdempotencyKey() string { return e.OpID.String() }
func (e MarketRemoved) EventType() Type        { return TypeMarketRemoved }
func (e MarketRemoved) MarketKey() *string     { return &e.Market }

type RebalancePoolAdded struct {
	OpID   uuid.UUID `json:"op_id"`
	Caller string    `json:"caller"`
	Pool   string    `json:"pool"`
	Market string    `json:"market"`
}

func (e RebalancePoolAdded) IdempotencyKey() string { return e.OpID.String() }
func (e RebalancePoolAdded) EventType() Type        { return TypeRebalancePoolAdded }
func (e RebalancePoolAdded) MarketKey() *string     { return &e.Market }

type RebalancePoolRemoved struct {
	OpID   uuid.UUID `json:"op_id"`
	Caller string    `json:"caller"`
	Pool   string    `json:"pool"`
}

func (e RebalancePoolRemoved) IdempotencyKey() string { return e.OpID.String() }
func (e RebalancePoolRemoved) EventType() Type        { return TypeRebalancePoolRemoved }
func (e RebalancePoolRemoved) MarketKey() *string     { return nil }
