package state

import (
	"PerpVault/internal/clock"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PriceSource yields the reference asset price in collateral units and
// its inverse, both scaled by P.
type PriceSource interface {
	RefInCollateral(ctx context.Context) (*uint256.Int, error)
	CollateralInRef(ctx context.Context) (*uint256.Int, error)
}

// Settlement moves the underlying asset. A batch is applied whole or not
// at all.
type Settlement interface {
	Settle(ctx context.Context, batch *ledger.Batch) error
}

// PositionLedger owns the aggregate state and every trader account. It is
// not safe for concurrent use; the core serializes all calls.
type PositionLedger struct {
	state    LedgerState
	accounts map[uuid.UUID]*TraderAccount
	gate     *RiskGate
	clock    clock.Clock
	prices   PriceSource
	settle   Settlement
	journals *ledger.JournalGenerator
}

func NewPositionLedger(
	genesis time.Time,
	gate *RiskGate,
	clk clock.Clock,
	prices PriceSource,
	settle Settlement,
	journals *ledger.JournalGenerator,
) *PositionLedger {
	return &PositionLedger{
		state:    newLedgerState(genesis),
		accounts: make(map[uuid.UUID]*TraderAccount),
		gate:     gate,
		clock:    clk,
		prices:   prices,
		settle:   settle,
		journals: journals,
	}
}

// --- Collateral ---

// AddCollateral pulls amount from the trader's wallet into margin. Adding
// margin can only lower leverage, so no risk check runs.
func (pl *PositionLedger) AddCollateral(ctx context.Context, ref string, trader uuid.UUID, amount *uint256.Int) (*Result, error) {
	if isZero(amount) {
		return nil, ErrZeroAmount
	}
	return pl.run(ctx, ref, func(t *tx) error {
		acct := t.account(trader)
		collateral, err := fpmath.Add(acct.Collateral, amount)
		if err != nil {
			return err
		}
		acct.Collateral = collateral
		pl.journals.Pull(t.batch, trader, amount)

		t.emit(&event.CollateralAdded{TraderID: trader, Amount: amount, Collateral: collateral})
		return nil
	})
}

// DecreaseCollateral returns margin to the trader's wallet if leverage
// stays valid afterwards.
func (pl *PositionLedger) DecreaseCollateral(ctx context.Context, ref string, trader uuid.UUID, amount *uint256.Int) (*Result, error) {
	if isZero(amount) {
		return nil, ErrZeroAmount
	}
	return pl.run(ctx, ref, func(t *tx) error {
		acct, ok := t.existing(trader)
		if !ok {
			return fmt.Errorf("%w: no account for %s", ErrNotEnoughCollateral, trader)
		}
		collateral, err := fpmath.Sub(acct.Collateral, amount)
		if err != nil {
			return fmt.Errorf("%w: have %s, withdrawing %s", ErrNotEnoughCollateral, acct.Collateral.Dec(), amount.Dec())
		}
		acct.Collateral = collateral

		oi, err := acct.OpenInterest()
		if err != nil {
			return err
		}
		if err := pl.requireLeverage(t, acct, oi); err != nil {
			return err
		}
		pl.journals.Push(t.batch, trader, amount)

		t.emit(&event.CollateralDecreased{TraderID: trader, Amount: amount, Collateral: collateral})
		return nil
	})
}

// --- Liquidity ---

// DepositLiquidity pulls amount from the provider into the pool.
func (pl *PositionLedger) DepositLiquidity(ctx context.Context, ref string, provider uuid.UUID, amount *uint256.Int) (*Result, error) {
	if isZero(amount) {
		return nil, ErrZeroAmount
	}
	return pl.run(ctx, ref, func(t *tx) error {
		liquidity, err := fpmath.Add(pl.state.DepositedLiquidity, amount)
		if err != nil {
			return err
		}
		pl.state.DepositedLiquidity = liquidity
		pl.journals.Pull(t.batch, provider, amount)

		t.emit(&event.LiquidityUpdated{ProviderID: provider, Amount: amount, IsDeposit: true, DepositedLiquidity: liquidity})
		return nil
	})
}

// WithdrawLiquidity pushes amount from the pool to the provider, provided
// the remaining liquidity still covers open exposure.
func (pl *PositionLedger) WithdrawLiquidity(ctx context.Context, ref string, provider uuid.UUID, amount *uint256.Int) (*Result, error) {
	if isZero(amount) {
		return nil, ErrZeroAmount
	}
	return pl.run(ctx, ref, func(t *tx) error {
		liquidity, err := fpmath.Sub(pl.state.DepositedLiquidity, amount)
		if err != nil {
			return fmt.Errorf("%w: have %s, withdrawing %s", ErrNotEnoughLiquidity, pl.state.DepositedLiquidity.Dec(), amount.Dec())
		}
		pl.state.DepositedLiquidity = liquidity
		if err := pl.requireUtilization(t); err != nil {
			return err
		}
		pl.journals.Push(t.batch, provider, amount)

		t.emit(&event.LiquidityUpdated{ProviderID: provider, Amount: amount, IsDeposit: false, DepositedLiquidity: liquidity})
		return nil
	})
}

// --- Positions ---

// OpenOrIncrease adds notional exposure on one side. Leverage is checked
// against the trader's total open interest including the new amount
// before anything changes; utilization is checked on the provisional
// state.
func (pl *PositionLedger) OpenOrIncrease(ctx context.Context, ref string, trader uuid.UUID, notional *uint256.Int, isLong bool) (*Result, error) {
	if isZero(notional) {
		return nil, ErrZeroAmount
	}
	return pl.run(ctx, ref, func(t *tx) error {
		ratio, err := t.price()
		if err != nil {
			return err
		}
		tokens, err := fpmath.MulDiv(notional, fpmath.P, ratio)
		if err != nil {
			return err
		}
		if tokens.IsZero() {
			return fmt.Errorf("%w: notional %s buys no tokens", ErrZeroAmount, notional.Dec())
		}
		principal, err := fpmath.Principal(notional, t.index)
		if err != nil {
			return err
		}

		acct := t.account(trader)
		oi, err := acct.OpenInterest()
		if err != nil {
			return err
		}
		candidate, err := fpmath.Add(oi, notional)
		if err != nil {
			return err
		}
		if err := pl.requireLeverage(t, acct, candidate); err != nil {
			return err
		}

		side := acct.side(isLong)
		next, err := side.add(notional, tokens, principal)
		if err != nil {
			return err
		}
		*side = next

		agg := pl.state.side(isLong)
		nextAgg, err := agg.add(notional, tokens, principal)
		if err != nil {
			return err
		}
		*agg = nextAgg

		if err := pl.requireUtilization(t); err != nil {
			return err
		}

		t.emit(&event.PositionAdded{TraderID: trader, Notional: notional, TokenAmount: tokens, IsLong: isLong})
		return nil
	})
}

// DecreasePosition closes tokenAmount of the caller's own position on one
// side, realizing the proportional share of PnL and borrowing fee.
func (pl *PositionLedger) DecreasePosition(ctx context.Context, ref string, caller, trader uuid.UUID, tokenAmount *uint256.Int, isLong bool) (*Result, error) {
	if caller != trader {
		return nil, ErrNotCallerOwned
	}
	if isZero(tokenAmount) {
		return nil, ErrZeroAmount
	}
	return pl.run(ctx, ref, func(t *tx) error {
		_, err := pl.decrease(t, trader, tokenAmount, isLong, false)
		return err
	})
}

// decrease realizes a slice of one side. Settlement order: profit from the
// pool to the wallet, or loss from collateral to the pool; then the fee
// from collateral to the pool; then notional, tokens and principal shrink
// by the same floored fraction for the trader and the aggregate. A
// liquidation skips the trailing leverage check and charges loss and fee
// only up to the collateral left; the pool absorbs the returned shortfall.
func (pl *PositionLedger) decrease(t *tx, trader uuid.UUID, amount *uint256.Int, isLong, liquidation bool) (*uint256.Int, error) {
	acct, ok := t.existing(trader)
	if !ok {
		return nil, fmt.Errorf("%w: no account for %s", ErrNotEnoughTokens, trader)
	}
	side := acct.side(isLong)
	tokens := side.OpenInterestInTokens
	if amount.Gt(tokens) {
		return nil, fmt.Errorf("%w: have %s, closing %s", ErrNotEnoughTokens, tokens.Dec(), amount.Dec())
	}

	ratio, err := t.price()
	if err != nil {
		return nil, err
	}
	pnl, err := sidePnL(*side, ratio, isLong)
	if err != nil {
		return nil, err
	}
	fee, err := sideFee(*side, t.index)
	if err != nil {
		return nil, err
	}
	realizedPnL, err := fpmath.MulDivSigned(pnl, fpmath.Signed(amount), fpmath.Signed(tokens))
	if err != nil {
		return nil, err
	}
	realizedFee, err := fpmath.MulDiv(fee, amount, tokens)
	if err != nil {
		return nil, err
	}

	shortfall := fpmath.Zero()
	switch {
	case realizedPnL.IsPositive():
		profit, err := fpmath.Unsigned(realizedPnL)
		if err != nil {
			return nil, err
		}
		liquidity, err := fpmath.Sub(pl.state.DepositedLiquidity, profit)
		if err != nil {
			return nil, fmt.Errorf("%w: pool has %s, owes %s", ErrNotEnoughLiquidity, pl.state.DepositedLiquidity.Dec(), profit.Dec())
		}
		pl.state.DepositedLiquidity = liquidity
		pl.journals.Push(t.batch, trader, profit)
	case realizedPnL.IsNegative():
		loss, err := fpmath.Unsigned(realizedPnL.Neg())
		if err != nil {
			return nil, err
		}
		uncovered, err := pl.chargeToPool(acct, loss, liquidation)
		if err != nil {
			return nil, fmt.Errorf("realize loss: %w", err)
		}
		shortfall = uncovered
	}
	uncovered, err := pl.chargeToPool(acct, realizedFee, liquidation)
	if err != nil {
		return nil, fmt.Errorf("realize borrowing fee: %w", err)
	}
	if shortfall, err = fpmath.Add(shortfall, uncovered); err != nil {
		return nil, err
	}

	closedOI, err := fpmath.MulDiv(side.OpenInterest, amount, tokens)
	if err != nil {
		return nil, err
	}
	closedPrincipal, err := fpmath.MulDiv(side.Principal, amount, tokens)
	if err != nil {
		return nil, err
	}
	next, err := side.sub(closedOI, amount, closedPrincipal)
	if err != nil {
		return nil, err
	}
	*side = next

	agg := pl.state.side(isLong)
	nextAgg, err := agg.sub(closedOI, amount, closedPrincipal)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s side: %w", event.SideOf(isLong), err)
	}
	*agg = nextAgg

	if !liquidation {
		oi, err := acct.OpenInterest()
		if err != nil {
			return nil, err
		}
		if err := pl.requireLeverage(t, acct, oi); err != nil {
			return nil, err
		}
	}
	if err := pl.requireUtilization(t); err != nil {
		return nil, err
	}

	t.emit(&event.PositionDecreased{
		TraderID:      trader,
		TokenAmount:   amount,
		RealizedPnL:   realizedPnL,
		BorrowingFee:  realizedFee,
		Shortfall:     shortfall,
		IsLong:        isLong,
		IsLiquidation: liquidation,
	})
	return shortfall, nil
}

// chargeToPool moves amount from the trader's collateral into deposited
// liquidity. Running short is ErrNotEnoughCollateral unless capped, in
// which case all remaining collateral moves and the uncovered part is
// returned.
func (pl *PositionLedger) chargeToPool(acct *TraderAccount, amount *uint256.Int, capped bool) (*uint256.Int, error) {
	uncovered := fpmath.Zero()
	if amount.IsZero() {
		return uncovered, nil
	}
	if amount.Gt(acct.Collateral) {
		if !capped {
			return nil, fmt.Errorf("%w: have %s, owes %s", ErrNotEnoughCollateral, acct.Collateral.Dec(), amount.Dec())
		}
		uncovered = new(uint256.Int).Sub(amount, acct.Collateral)
		amount = acct.Collateral
	}
	collateral, err := fpmath.Sub(acct.Collateral, amount)
	if err != nil {
		return nil, err
	}
	liquidity, err := fpmath.Add(pl.state.DepositedLiquidity, amount)
	if err != nil {
		return nil, err
	}
	acct.Collateral = collateral
	pl.state.DepositedLiquidity = liquidity
	return uncovered, nil
}

// --- Gates ---

func (pl *PositionLedger) requireLeverage(t *tx, acct *TraderAccount, candidate *uint256.Int) error {
	valid, err := pl.leverageValid(t, acct, candidate)
	if err != nil {
		return err
	}
	if !valid {
		return ErrLeverageExceeded
	}
	return nil
}

func (pl *PositionLedger) leverageValid(t *tx, acct *TraderAccount, candidate *uint256.Int) (bool, error) {
	// zero candidate is valid at any equity; skip pricing
	if candidate.IsZero() {
		return true, nil
	}
	ratio, err := t.price()
	if err != nil {
		return false, err
	}
	equity, err := traderEquity(acct, ratio, t.index)
	if err != nil {
		return false, err
	}
	return pl.gate.LeverageValid(equity, candidate)
}

func (pl *PositionLedger) requireUtilization(t *tx) error {
	ratio := fpmath.Zero()
	if !pl.state.Long.OpenInterestInTokens.IsZero() {
		var err error
		if ratio, err = t.price(); err != nil {
			return err
		}
	}
	valid, err := pl.gate.UtilizationValid(&pl.state, ratio)
	if err != nil {
		return err
	}
	if !valid {
		return ErrUtilizationExceeded
	}
	return nil
}

// --- Pure helpers ---

// sidePnL: long = tokens*ratio/P - notional, short = notional - tokens*ratio/P.
func sidePnL(s SideState, ratio *uint256.Int, isLong bool) (decimal.Decimal, error) {
	value, err := fpmath.MulDiv(s.OpenInterestInTokens, ratio, fpmath.P)
	if err != nil {
		return decimal.Zero, err
	}
	if isLong {
		return fpmath.Signed(value).Sub(fpmath.Signed(s.OpenInterest)), nil
	}
	return fpmath.Signed(s.OpenInterest).Sub(fpmath.Signed(value)), nil
}

func totalPnL(long, short SideState, ratio *uint256.Int) (decimal.Decimal, error) {
	lp, err := sidePnL(long, ratio, true)
	if err != nil {
		return decimal.Zero, err
	}
	sp, err := sidePnL(short, ratio, false)
	if err != nil {
		return decimal.Zero, err
	}
	return lp.Add(sp), nil
}

func sideFee(s SideState, index *uint256.Int) (*uint256.Int, error) {
	return fpmath.AccruedFee(s.Principal, s.OpenInterest, index)
}

func totalFee(long, short SideState, index *uint256.Int) (*uint256.Int, error) {
	lf, err := sideFee(long, index)
	if err != nil {
		return nil, err
	}
	sf, err := sideFee(short, index)
	if err != nil {
		return nil, err
	}
	return fpmath.Add(lf, sf)
}

func traderEquity(acct *TraderAccount, ratio, index *uint256.Int) (decimal.Decimal, error) {
	pnl, err := totalPnL(acct.Long, acct.Short, ratio)
	if err != nil {
		return decimal.Zero, err
	}
	fee, err := totalFee(acct.Long, acct.Short, index)
	if err != nil {
		return decimal.Zero, err
	}
	return Equity(acct.Collateral, pnl, fee), nil
}

func isZero(x *uint256.Int) bool {
	return x == nil || x.IsZero()
}
