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

// ValidateBatchBalance verifies every journal in the batch is well-formed.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateBatchAccounts checks that no non-issuer account touched by the
// batch went negative.
func (v *InvariantValidator) ValidateBatchAccounts(batch *Batch) error {
	for _, j := range batch.Journals {
		if err := v.tracker.ValidateNonNegative(j.CreditAccount); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGlobalBalance verifies the book is zero-sum per asset.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for asset, total := range v.tracker.ComputeGlobalBalance() {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset, total)
		}
	}
	return nil
}
