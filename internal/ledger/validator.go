package ledger

import "fmt"

// InvariantValidator checks audit-journal invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a batch is balanced and well-formed.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies supply == sum of market backing, the same
// invariant the engine panics on after every mutating call.
func (v *InvariantValidator) ValidateConservation() error {
	supply := v.tracker.SupplyBalance()
	backing := v.tracker.TotalBacking()

	if supply.Cmp(backing) != 0 {
		return fmt.Errorf("conservation violated: supply=%s, total backing=%s", supply, backing)
	}
	if supply.Sign() < 0 {
		return fmt.Errorf("negative supply: %s", supply)
	}
	return nil
}

// ValidateReserveNonNegative verifies the reserve accounts never went
// below zero. A negative managed balance means a buyback's expected
// liability exceeded what the reserve ever booked.
func (v *InvariantValidator) ValidateReserveNonNegative() error {
	if owned := v.tracker.GetBalance(ReserveOwnedAccount()); owned.Sign() < 0 {
		return fmt.Errorf("reserve owned is negative: %s", owned)
	}
	if managed := v.tracker.GetBalance(ReserveManagedAccount()); managed.Sign() < 0 {
		return fmt.Errorf("reserve managed is negative: %s", managed)
	}
	return nil
}

// ValidateMarketsNonNegative verifies no market's audited backing is
// negative.
func (v *InvariantValidator) ValidateMarketsNonNegative() error {
	for key, balance := range v.tracker.MarketBalances() {
		if balance.Sign() < 0 {
			return fmt.Errorf("market %s has negative backing: %s", key, balance)
		}
	}
	return nil
}
