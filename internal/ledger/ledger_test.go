package ledger

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"PegLedger/internal/event"
)

func mustBatch(t *testing.T, seq int64, e event.Event) *Batch {
	t.Helper()
	payload, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	batch, err := FromEvent(seq, e.IdempotencyKey(), e.EventType(), payload, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("FromEvent: %v", err)
	}
	return batch
}

// ============================================================
// Journal generation
// ============================================================

func TestFromEvent_WrapMovesBackingAndSupply(t *testing.T) {
	tracker := NewBalanceTracker()
	validator := NewInvariantValidator(tracker)

	batch := mustBatch(t, 0, event.Wrapped{
		OpID:     uuid.New(),
		Market:   "steth",
		AmountIn: big.NewInt(1000),
		Minted:   big.NewInt(1000),
	})
	if batch == nil || len(batch.Journals) != 2 {
		t.Fatalf("expected 2 journals, got %+v", batch)
	}
	if err := tracker.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if got := tracker.GetBalance(MarketAccount("steth")); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("market backing = %s, want 1000", got)
	}
	if got := tracker.SupplyBalance(); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("supply = %s, want 1000", got)
	}
	if err := validator.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestFromEvent_RedeemBooksMeasuredUse(t *testing.T) {
	tracker := NewBalanceTracker()

	wrap := mustBatch(t, 0, event.Wrapped{
		OpID: uuid.New(), Market: "steth",
		AmountIn: big.NewInt(100), Minted: big.NewInt(100),
	})
	tracker.ApplyBatch(wrap)

	// The contract consumed 80 of the requested 100.
	redeem := mustBatch(t, 1, event.Redeemed{
		OpID: uuid.New(), Market: "steth",
		Requested: big.NewInt(100), Used: big.NewInt(80),
		AmountOut: big.NewInt(80), BonusOut: new(big.Int),
	})
	if err := tracker.ApplyBatch(redeem); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if got := tracker.GetBalance(MarketAccount("steth")); got.Cmp(big.NewInt(20)) != 0 {
		t.Errorf("market backing = %s, want 20", got)
	}
	if got := tracker.SupplyBalance(); got.Cmp(big.NewInt(20)) != 0 {
		t.Errorf("supply = %s, want 20", got)
	}
}

func TestFromEvent_AutoRedeemSkipsZeroLegs(t *testing.T) {
	batch := mustBatch(t, 3, event.AutoRedeemed{
		OpID:      uuid.New(),
		Requested: big.NewInt(400),
		Burned:    big.NewInt(400),
		Legs: []event.AutoRedeemLeg{
			{Market: "steth", Allocated: big.NewInt(400), Used: big.NewInt(400), AmountOut: big.NewInt(400), BonusOut: new(big.Int)},
			{Market: "reth", Allocated: new(big.Int), Used: new(big.Int), AmountOut: new(big.Int), BonusOut: new(big.Int)},
		},
	})

	// One backing entry for the drained market plus one supply entry; the
	// zero-use leg produces nothing.
	if len(batch.Journals) != 2 {
		t.Fatalf("expected 2 journals, got %d", len(batch.Journals))
	}
	for _, j := range batch.Journals {
		if j.JournalType == JournalTypeBacking && j.CreditAccount != MarketAccount("steth") {
			t.Errorf("backing entry credits %v, want market:steth", j.CreditAccount)
		}
	}
}

func TestFromEvent_AdminEventsProduceNoJournals(t *testing.T) {
	for _, e := range []event.Event{
		event.DirectMinted{OpID: uuid.New(), Amount: big.NewInt(5)},
		event.DirectBurned{OpID: uuid.New(), Amount: big.NewInt(5)},
		event.MarketAdded{OpID: uuid.New(), Market: "steth", IssuanceCap: big.NewInt(100)},
		event.RebalancePoolRemoved{OpID: uuid.New(), Pool: "pool-1"},
	} {
		batch := mustBatch(t, 0, e)
		if batch != nil {
			t.Errorf("%s: expected nil batch, got %d journals", e.EventType(), len(batch.Journals))
		}
	}
}

// ============================================================
// Reserve accounts
// ============================================================

func TestFromEvent_ReserveFundAndBuyback(t *testing.T) {
	tracker := NewBalanceTracker()
	validator := NewInvariantValidator(tracker)

	fund := mustBatch(t, 0, event.ReserveFunded{
		OpID: uuid.New(), AmountIn: big.NewInt(500), StableAmount: big.NewInt(500),
	})
	if err := tracker.ApplyBatch(fund); err != nil {
		t.Fatalf("ApplyBatch fund: %v", err)
	}

	buyback := mustBatch(t, 1, event.BuybackExecuted{
		OpID:     uuid.New(),
		AmountIn: big.NewInt(200), Expected: big.NewInt(200),
		AmountOut: big.NewInt(200), BonusOut: new(big.Int),
	})
	if err := tracker.ApplyBatch(buyback); err != nil {
		t.Fatalf("ApplyBatch buyback: %v", err)
	}

	if got := tracker.GetBalance(ReserveOwnedAccount()); got.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("reserve owned = %s, want 300", got)
	}
	if got := tracker.GetBalance(ReserveManagedAccount()); got.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("reserve managed = %s, want 300", got)
	}
	if err := validator.ValidateReserveNonNegative(); err != nil {
		t.Errorf("reserve non-negative: %v", err)
	}
}

func TestFromEvent_SkewedFundAndFailedBuyback(t *testing.T) {
	tracker := NewBalanceTracker()

	// Owned and managed move by independent amounts.
	fund := mustBatch(t, 0, event.ReserveFunded{
		OpID: uuid.New(), AmountIn: big.NewInt(500), StableAmount: big.NewInt(300),
	})
	if err := tracker.ApplyBatch(fund); err != nil {
		t.Fatalf("ApplyBatch fund: %v", err)
	}
	if got := tracker.GetBalance(ReserveOwnedAccount()); got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("reserve owned = %s, want 500", got)
	}
	if got := tracker.GetBalance(ReserveManagedAccount()); got.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("reserve managed = %s, want 300", got)
	}

	// A rejected swap spends owned collateral without retiring liability.
	failed := mustBatch(t, 1, event.BuybackFailed{
		OpID: uuid.New(), AmountIn: big.NewInt(200), Reason: "output below expected",
	})
	if failed == nil || len(failed.Journals) != 1 {
		t.Fatalf("expected 1 journal for failed buyback, got %+v", failed)
	}
	if err := tracker.ApplyBatch(failed); err != nil {
		t.Fatalf("ApplyBatch failed buyback: %v", err)
	}
	if got := tracker.GetBalance(ReserveOwnedAccount()); got.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("reserve owned after failure = %s, want 300", got)
	}
	if got := tracker.GetBalance(ReserveManagedAccount()); got.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("reserve managed after failure = %s, want 300", got)
	}
}

func TestValidator_FlagsOverdrawnReserve(t *testing.T) {
	tracker := NewBalanceTracker()
	validator := NewInvariantValidator(tracker)

	fund := mustBatch(t, 0, event.ReserveFunded{
		OpID: uuid.New(), AmountIn: big.NewInt(100), StableAmount: big.NewInt(100),
	})
	tracker.ApplyBatch(fund)

	// Expected liability larger than everything the reserve ever booked.
	buyback := mustBatch(t, 1, event.BuybackExecuted{
		OpID:     uuid.New(),
		AmountIn: big.NewInt(50), Expected: big.NewInt(150),
		AmountOut: big.NewInt(150), BonusOut: new(big.Int),
	})
	tracker.ApplyBatch(buyback)

	if err := validator.ValidateReserveNonNegative(); err == nil {
		t.Error("expected negative reserve managed to be flagged")
	}
}

// ============================================================
// Batch validation
// ============================================================

func TestBatchValidate_Rejections(t *testing.T) {
	base := func() *Batch {
		b := &Batch{BatchID: uuid.New(), EventRef: "op-1", Timestamp: time.Unix(1700000000, 0)}
		b.add(SupplyAccount(), CirculationAccount(), big.NewInt(10), JournalTypeSupply)
		return b
	}

	b := &Batch{BatchID: uuid.New()}
	if err := b.Validate(); err == nil {
		t.Error("empty batch: expected error")
	}

	b = base()
	b.Journals[0].Amount = big.NewInt(-1)
	if err := b.Validate(); err == nil {
		t.Error("negative amount: expected error")
	}

	b = base()
	b.Journals[0].BatchID = uuid.New()
	if err := b.Validate(); err == nil {
		t.Error("mismatched batch id: expected error")
	}

	b = base()
	b.Journals[0].CreditAccount = b.Journals[0].DebitAccount
	if err := b.Validate(); err == nil {
		t.Error("self-transfer: expected error")
	}
}

func TestValidator_DetectsBrokenConservation(t *testing.T) {
	tracker := NewBalanceTracker()
	validator := NewInvariantValidator(tracker)

	// Apply only the backing half of a wrap: supply and backing diverge.
	tracker.ApplyJournal(Journal{
		JournalID:     uuid.New(),
		DebitAccount:  MarketAccount("steth"),
		CreditAccount: CollateralAccount(),
		Amount:        big.NewInt(77),
		JournalType:   JournalTypeBacking,
	})

	if err := validator.ValidateConservation(); err == nil {
		t.Error("expected conservation violation")
	}
}
