package state

import (
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// LiquidationEngine force-closes under-margined traders through the
// ledger's closing primitive and pays the liquidator.
type LiquidationEngine struct {
	ledger *PositionLedger
}

func NewLiquidationEngine(pl *PositionLedger) *LiquidationEngine {
	return &LiquidationEngine{ledger: pl}
}

// Liquidate closes both sides of target and splits what is left of its
// collateral between caller (the fee) and target. The fee is taken from
// collateral after losses and borrowing fees are realized. Whatever the
// collateral could not cover is left with the pool and reported as the
// shortfall.
func (le *LiquidationEngine) Liquidate(ctx context.Context, ref string, caller, target uuid.UUID) (*Result, error) {
	if caller == target {
		return nil, ErrSelfLiquidation
	}
	pl := le.ledger
	return pl.run(ctx, ref, func(t *tx) error {
		acct, ok := t.existing(target)
		if !ok {
			return fmt.Errorf("%w: no account for %s", ErrPositionNotLiquidatable, target)
		}
		oi, err := acct.OpenInterest()
		if err != nil {
			return err
		}
		valid, err := pl.leverageValid(t, acct, oi)
		if err != nil {
			return err
		}
		if valid {
			return ErrPositionNotLiquidatable
		}

		size, err := fpmath.Add(acct.Long.OpenInterestInTokens, acct.Short.OpenInterestInTokens)
		if err != nil {
			return err
		}
		shortfall := fpmath.Zero()
		for _, isLong := range []bool{true, false} {
			tokens := acct.side(isLong).OpenInterestInTokens
			if tokens.IsZero() {
				continue
			}
			uncovered, err := pl.decrease(t, target, tokens, isLong, true)
			if err != nil {
				return fmt.Errorf("close %s: %w", event.SideOf(isLong), err)
			}
			if shortfall, err = fpmath.Add(shortfall, uncovered); err != nil {
				return err
			}
		}

		fee, returned, err := pl.gate.LiquidationFee(acct.Collateral)
		if err != nil {
			return err
		}
		acct.Collateral = fpmath.Zero()
		pl.journals.Push(t.batch, caller, fee)
		pl.journals.Push(t.batch, target, returned)

		t.emit(&event.Liquidated{
			TraderID:     target,
			LiquidatorID: caller,
			Fee:          fee,
			Returned:     returned,
			SizeInTokens: size,
			Shortfall:    shortfall,
		})
		return nil
	})
}
