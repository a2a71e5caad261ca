package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	// JournalTypeSupply moves the legacy supply account.
	JournalTypeSupply JournalType = iota
	// JournalTypeBacking moves a market's managed backing.
	JournalTypeBacking
	// JournalTypeReserveOwned moves the reserve's owned collateral.
	JournalTypeReserveOwned
	// JournalTypeReserveManaged moves the reserve's managed liability.
	JournalTypeReserveManaged
)

// Journal represents a single double-entry journal entry. The amount is
// always positive; direction is carried by which account is debited.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID // groups entries from one ledger event
	EventRef      string    // idempotency key of the source event
	Sequence      int64
	DebitAccount  Account // balance increases
	CreditAccount Account // balance decreases
	Amount        *big.Int
	JournalType   JournalType
	Timestamp     time.Time
}

// Batch represents the journal entries derived from one ledger event.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp time.Time
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal entry is a
// balanced transfer by construction (a single positive amount moves from
// credit account to debit account), so debits == credits holds per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
