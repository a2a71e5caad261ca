package ledger

import (
	"fmt"
	"math/big"
)

// BalanceTracker maintains in-memory account balances rebuilt from
// journal batches. It is the audit-side mirror of the engine's state.
type BalanceTracker struct {
	balances map[Account]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[Account]*big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	debit := bt.delta(j.DebitAccount)
	debit.Add(debit, j.Amount)
	credit := bt.delta(j.CreditAccount)
	credit.Sub(credit, j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account.
func (bt *BalanceTracker) GetBalance(a Account) *big.Int {
	if v, ok := bt.balances[a]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// SupplyBalance returns the audited legacy supply.
func (bt *BalanceTracker) SupplyBalance() *big.Int {
	return bt.GetBalance(SupplyAccount())
}

// TotalBacking sums the managed balances of every market account.
func (bt *BalanceTracker) TotalBacking() *big.Int {
	total := new(big.Int)
	for a, v := range bt.balances {
		if a.Scope == AccountScopeMarket {
			total.Add(total, v)
		}
	}
	return total
}

// MarketBalances returns a copy of every market account's balance keyed
// by market key.
func (bt *BalanceTracker) MarketBalances() map[string]*big.Int {
	out := make(map[string]*big.Int)
	for a, v := range bt.balances {
		if a.Scope == AccountScopeMarket {
			out[a.Name] = new(big.Int).Set(v)
		}
	}
	return out
}

func (bt *BalanceTracker) delta(a Account) *big.Int {
	v, ok := bt.balances[a]
	if !ok {
		v = new(big.Int)
		bt.balances[a] = v
	}
	return v
}
