package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateEscrow checks that a market's escrow is non-negative and equals
// the amount the settlement state says it should hold.
func (v *InvariantValidator) ValidateEscrow(marketID uint64, expected int64) error {
	key := EscrowAccount(marketID)
	if err := v.tracker.ValidateNonNegative(key); err != nil {
		return err
	}
	if got := v.tracker.GetBalance(key); got != expected {
		return fmt.Errorf("escrow for market %d holds %d, state expects %d", marketID, got, expected)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}
