package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PegLedger/internal/event"
)

// FromEvent derives the balanced journal entries for one persisted ledger
// event. Events that do not move ledgered state (direct mint/burn, market
// and pool administration) produce a nil batch.
//
// Account conventions: the supply account mirrors legacySupply, each
// market account mirrors its managed backing, and the two external
// boundary accounts absorb the counter-side of every movement. After
// applying every batch in sequence, balance("supply") must equal the sum
// of all market balances — the same conservation the engine enforces.
func FromEvent(sequence int64, eventRef string, t event.Type, payload []byte, ts time.Time) (*Batch, error) {
	batch := &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: ts,
	}

	switch t {
	case event.TypeWrapped:
		var p event.Wrapped
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		batch.add(MarketAccount(p.Market), CollateralAccount(), p.Minted, JournalTypeBacking)
		batch.add(SupplyAccount(), CirculationAccount(), p.Minted, JournalTypeSupply)

	case event.TypeUnwrapped:
		var p event.Unwrapped
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		batch.add(CollateralAccount(), MarketAccount(p.Market), p.Burned, JournalTypeBacking)
		batch.add(CirculationAccount(), SupplyAccount(), p.Burned, JournalTypeSupply)

	case event.TypeRedeemed:
		var p event.Redeemed
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		batch.add(CollateralAccount(), MarketAccount(p.Market), p.Used, JournalTypeBacking)
		batch.add(CirculationAccount(), SupplyAccount(), p.Used, JournalTypeSupply)

	case event.TypeAutoRedeemed:
		var p event.AutoRedeemed
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		for _, leg := range p.Legs {
			batch.add(CollateralAccount(), MarketAccount(leg.Market), leg.Used, JournalTypeBacking)
		}
		batch.add(CirculationAccount(), SupplyAccount(), p.Burned, JournalTypeSupply)

	case event.TypeReserveFunded:
		var p event.ReserveFunded
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		batch.add(ReserveOwnedAccount(), CollateralAccount(), p.AmountIn, JournalTypeReserveOwned)
		batch.add(ReserveManagedAccount(), CirculationAccount(), p.StableAmount, JournalTypeReserveManaged)

	case event.TypeBuybackExecuted:
		var p event.BuybackExecuted
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		batch.add(CollateralAccount(), ReserveOwnedAccount(), p.AmountIn, JournalTypeReserveOwned)
		batch.add(CirculationAccount(), ReserveManagedAccount(), p.Expected, JournalTypeReserveManaged)

	case event.TypeBuybackFailed:
		// Collateral left for the keeper but no liability was retired.
		var p event.BuybackFailed
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		batch.add(CollateralAccount(), ReserveOwnedAccount(), p.AmountIn, JournalTypeReserveOwned)

	case event.TypeDirectMinted, event.TypeDirectBurned,
		event.TypeMarketAdded, event.TypeMarketRemoved,
		event.TypeRebalancePoolAdded, event.TypeRebalancePoolRemoved:
		// No ledgered balance moves.
		return nil, nil

	default:
		return nil, fmt.Errorf("journal: unknown event type %d", t)
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}

// add appends one journal entry, skipping zero and nil amounts so that
// measured-zero redemption legs don't produce degenerate entries.
func (b *Batch) add(debit, credit Account, amount *big.Int, jt JournalType) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}
