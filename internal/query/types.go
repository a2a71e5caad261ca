package query

import "time"

// EventRecord is one row of the event log as served to API consumers.
// Hashes are hex-encoded; the payload is the stored JSON.
type EventRecord struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketKey      *string         `json:"market,omitempty"`
	Payload        map[string]any  `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// MarketBacking is one market's projected backing.
type MarketBacking struct {
	MarketKey string `json:"market"`
	Managed   string `json:"managed"`
}

// BackingReport is the projected ledger totals plus per-market backing.
// AsOfSequence carries the projection watermark for freshness semantics.
type BackingReport struct {
	Markets        []MarketBacking `json:"markets"`
	LegacySupply   string          `json:"legacy_supply"`
	ReserveOwned   string          `json:"reserve_owned"`
	ReserveManaged string          `json:"reserve_managed"`
	AsOfSequence   int64           `json:"as_of_sequence"`
}

// BuybackRecord is one peg-defense buyback.
type BuybackRecord struct {
	Sequence  int64     `json:"sequence"`
	AmountIn  string    `json:"amount_in"`
	Expected  string    `json:"expected"`
	AmountOut string    `json:"amount_out"`
	BonusOut  string    `json:"bonus_out"`
	Receiver  string    `json:"receiver"`
	Timestamp time.Time `json:"timestamp"`
}

// RedemptionRecord is one redemption leg against a market.
type RedemptionRecord struct {
	Sequence  int64     `json:"sequence"`
	MarketKey string    `json:"market"`
	Requested string    `json:"requested"`
	Used      string    `json:"used"`
	AmountOut string    `json:"amount_out"`
	BonusOut  string    `json:"bonus_out"`
	Receiver  string    `json:"receiver"`
	Timestamp time.Time `json:"timestamp"`
}

// IntegrityReport summarizes an event-log audit: hash chain continuity
// plus the double-entry journal invariants rebuilt from every event.
type IntegrityReport struct {
	IsHealthy       bool     `json:"is_healthy"`
	EventsAudited   int64    `json:"events_audited"`
	HeadSequence    int64    `json:"head_sequence"`
	HashChainBreaks []int64  `json:"hash_chain_breaks,omitempty"`
	InvariantErrors []string `json:"invariant_errors,omitempty"`
	AuditedSupply   string   `json:"audited_supply"`
	AuditedBacking  string   `json:"audited_backing"`
}
