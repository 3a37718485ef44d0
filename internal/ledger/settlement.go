package ledger

import "context"

// Settle applies a batch to the book. It is the asset-transfer primitive
// the position ledger calls last in every operation.
func (bt *BalanceTracker) Settle(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if batch.IsEmpty() {
		return nil
	}
	return bt.ApplyBatch(batch)
}
