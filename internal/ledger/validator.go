package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
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

// ValidateBatchBalance verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies every unit held inside the venue was issued
// through the boundary, per asset.
func (v *InvariantValidator) ValidateConservation() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if issued := v.tracker.Issued(assetID); !total.Eq(issued) {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("internal balances for %s sum to %s, issued %s", assetName, total.Dec(), issued.Dec())
		}
	}
	for assetID, issued := range v.tracker.issued {
		if _, ok := totals[assetID]; !ok && !issued.IsZero() {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("issued %s of %s with no internal balance", issued.Dec(), assetName)
		}
	}

	return nil
}

// ValidateCustody verifies custody holds exactly what the perp ledger owes:
// all trader collateral plus deposited liquidity.
func (v *InvariantValidator) ValidateCustody(assetID AssetID, owed *uint256.Int) error {
	if custody := v.tracker.CustodyBalance(assetID); !custody.Eq(owed) {
		return fmt.Errorf("custody holds %s, ledger owes %s", custody.Dec(), owed.Dec())
	}
	return nil
}
