package event

import "time"

// Type identifies an applied ledger operation in the event log.
type Type int32

const (
	TypeUnknown Type = iota
	TypeWrapped
	TypeUnwrapped
	TypeRedeemed
	TypeAutoRedeemed
	TypeDirectMinted
	TypeDirectBurned
	TypeReserveFunded
	TypeBuybackExecuted
	TypeBuybackFailed
	TypeMarketAdded
	TypeMarketRemoved
	TypeRebalancePoolAdded
	TypeRebalancePoolRemoved
)

func (t Type) String() string {
	switch t {
	case TypeWrapped:
		return "wrapped"
	case TypeUnwrapped:
		return "unwrapped"
	case TypeRedeemed:
		return "redeemed"
	case TypeAutoRedeemed:
		return "auto_redeemed"
	case TypeDirectMinted:
		return "direct_minted"
	case TypeDirectBurned:
		return "direct_burned"
	case TypeReserveFunded:
		return "reserve_funded"
	case TypeBuybackExecuted:
		return "buyback_executed"
	case TypeBuybackFailed:
		return "buyback_failed"
	case TypeMarketAdded:
		return "market_added"
	case TypeMarketRemoved:
		return "market_removed"
	case TypeRebalancePoolAdded:
		return "rebalance_pool_added"
	case TypeRebalancePoolRemoved:
		return "rebalance_pool_removed"
	default:
		return "unknown"
	}
}

// ParseType maps a wire/storage name back to its Type.
func ParseType(s string) Type {
	switch s {
	case "wrapped":
		return TypeWrapped
	case "unwrapped":
		return TypeUnwrapped
	case "redeemed":
		return TypeRedeemed
	case "auto_redeemed":
		return TypeAutoRedeemed
	case "direct_minted":
		return TypeDirectMinted
	case "direct_burned":
		return TypeDirectBurned
	case "reserve_funded":
		return TypeReserveFunded
	case "buyback_executed":
		return TypeBuybackExecuted
	case "buyback_failed":
		return TypeBuybackFailed
	case "market_added":
		return TypeMarketAdded
	case "market_removed":
		return TypeMarketRemoved
	case "rebalance_pool_added":
		return TypeRebalancePoolAdded
	case "rebalance_pool_removed":
		return TypeRebalancePoolRemoved
	default:
		return TypeUnknown
	}
}

// Event is the payload contract every applied operation satisfies.
type Event interface {
	IdempotencyKey() string
	EventType() Type
	// MarketKey returns the affected market, or nil for system-wide events.
	MarketKey() *string
}

// Envelope wraps an applied event with its position in the hash-chained log.
type Envelope struct {
	Sequence       int64
	IdempotencyKey string
	EventType      Type
	MarketKey      *string
	Timestamp      time.Time
	Payload        []byte
	StateHash      [32]byte
	PrevHash       [32]byte
}
