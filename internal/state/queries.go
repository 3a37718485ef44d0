package state

import (
	fpmath "PerpVault/internal/math"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PriceRatio returns the reference price in collateral units, scaled by P.
func (pl *PositionLedger) PriceRatio(ctx context.Context) (*uint256.Int, error) {
	return pl.prices.RefInCollateral(ctx)
}

// InversePriceRatio returns the collateral price in reference units,
// scaled by P.
func (pl *PositionLedger) InversePriceRatio(ctx context.Context) (*uint256.Int, error) {
	return pl.prices.CollateralInRef(ctx)
}

// BorrowingIndex returns the index at the clock's current time.
func (pl *PositionLedger) BorrowingIndex() *uint256.Int {
	return fpmath.BorrowingIndex(pl.state.GenesisTime, pl.clock.Now())
}

// TraderPnL returns the unrealized PnL of one side of a trader. Unknown
// traders read as flat.
func (pl *PositionLedger) TraderPnL(ctx context.Context, trader uuid.UUID, isLong bool) (decimal.Decimal, error) {
	ratio, err := pl.prices.RefInCollateral(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	acct := pl.lookup(trader)
	return sidePnL(*acct.side(isLong), ratio, isLong)
}

func (pl *PositionLedger) TraderTotalPnL(ctx context.Context, trader uuid.UUID) (decimal.Decimal, error) {
	ratio, err := pl.prices.RefInCollateral(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	acct := pl.lookup(trader)
	return totalPnL(acct.Long, acct.Short, ratio)
}

func (pl *PositionLedger) AggregatePnL(ctx context.Context, isLong bool) (decimal.Decimal, error) {
	ratio, err := pl.prices.RefInCollateral(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return sidePnL(*pl.state.side(isLong), ratio, isLong)
}

func (pl *PositionLedger) AggregateTotalPnL(ctx context.Context) (decimal.Decimal, error) {
	ratio, err := pl.prices.RefInCollateral(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return totalPnL(pl.state.Long, pl.state.Short, ratio)
}

func (pl *PositionLedger) TraderBorrowingFee(trader uuid.UUID, isLong bool) (*uint256.Int, error) {
	return sideFee(*pl.lookup(trader).side(isLong), pl.BorrowingIndex())
}

func (pl *PositionLedger) TraderTotalBorrowingFee(trader uuid.UUID) (*uint256.Int, error) {
	acct := pl.lookup(trader)
	return totalFee(acct.Long, acct.Short, pl.BorrowingIndex())
}

func (pl *PositionLedger) AggregateBorrowingFee(isLong bool) (*uint256.Int, error) {
	return sideFee(*pl.state.side(isLong), pl.BorrowingIndex())
}

func (pl *PositionLedger) AggregateTotalBorrowingFee() (*uint256.Int, error) {
	return totalFee(pl.state.Long, pl.state.Short, pl.BorrowingIndex())
}

// Leverage returns the trader's leverage, scaled by P, if additional
// notional were opened now. LeverageUnbounded when equity is exhausted.
func (pl *PositionLedger) Leverage(ctx context.Context, trader uuid.UUID, additional *uint256.Int) (*uint256.Int, error) {
	ratio, err := pl.prices.RefInCollateral(ctx)
	if err != nil {
		return nil, err
	}
	acct := pl.lookup(trader)
	oi, err := acct.OpenInterest()
	if err != nil {
		return nil, err
	}
	if additional != nil {
		if oi, err = fpmath.Add(oi, additional); err != nil {
			return nil, err
		}
	}
	equity, err := traderEquity(acct, ratio, pl.BorrowingIndex())
	if err != nil {
		return nil, err
	}
	return Leverage(equity, oi)
}

// LeverageValid evaluates the leverage gate for a trader and candidate
// open interest at the current price.
func (pl *PositionLedger) LeverageValid(ctx context.Context, trader uuid.UUID, candidate *uint256.Int) (bool, error) {
	ratio, err := pl.prices.RefInCollateral(ctx)
	if err != nil {
		return false, err
	}
	equity, err := traderEquity(pl.lookup(trader), ratio, pl.BorrowingIndex())
	if err != nil {
		return false, err
	}
	return pl.gate.LeverageValid(equity, candidate)
}

// UtilizationValid evaluates the pool utilization gate at the current price.
func (pl *PositionLedger) UtilizationValid(ctx context.Context) (bool, error) {
	ratio, err := pl.prices.RefInCollateral(ctx)
	if err != nil {
		return false, err
	}
	return pl.gate.UtilizationValid(&pl.state, ratio)
}

// --- Raw getters ---

// State returns a copy of the aggregate.
func (pl *PositionLedger) State() LedgerState {
	return pl.state
}

// Account returns a copy of the trader's account.
func (pl *PositionLedger) Account(trader uuid.UUID) (TraderAccount, bool) {
	acct, ok := pl.accounts[trader]
	if !ok {
		return *newTraderAccount(trader), false
	}
	return *acct, true
}

// Accounts returns copies of every account ordered by trader id.
func (pl *PositionLedger) Accounts() []TraderAccount {
	out := make([]TraderAccount, 0, len(pl.accounts))
	for _, acct := range pl.accounts {
		out = append(out, *acct)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TraderID.String() < out[j].TraderID.String()
	})
	return out
}

func (pl *PositionLedger) Gate() *RiskGate {
	return pl.gate
}

func (pl *PositionLedger) lookup(trader uuid.UUID) *TraderAccount {
	if acct, ok := pl.accounts[trader]; ok {
		return acct
	}
	return newTraderAccount(trader)
}

// --- Invariants ---

// CheckAggregates verifies that every per-trader position field sums to
// its aggregate exactly.
func (pl *PositionLedger) CheckAggregates() error {
	long, short := newSideState(), newSideState()
	var err error
	for _, acct := range pl.accounts {
		if long, err = long.add(acct.Long.OpenInterest, acct.Long.OpenInterestInTokens, acct.Long.Principal); err != nil {
			return err
		}
		if short, err = short.add(acct.Short.OpenInterest, acct.Short.OpenInterestInTokens, acct.Short.Principal); err != nil {
			return err
		}
	}
	if err := compareSide("long", long, pl.state.Long); err != nil {
		return err
	}
	return compareSide("short", short, pl.state.Short)
}

func compareSide(name string, sum, agg SideState) error {
	switch {
	case !sum.OpenInterest.Eq(agg.OpenInterest):
		return fmt.Errorf("%w: %s open interest %s != %s", ErrAggregateMismatch, name, sum.OpenInterest.Dec(), agg.OpenInterest.Dec())
	case !sum.OpenInterestInTokens.Eq(agg.OpenInterestInTokens):
		return fmt.Errorf("%w: %s tokens %s != %s", ErrAggregateMismatch, name, sum.OpenInterestInTokens.Dec(), agg.OpenInterestInTokens.Dec())
	case !sum.Principal.Eq(agg.Principal):
		return fmt.Errorf("%w: %s principal %s != %s", ErrAggregateMismatch, name, sum.Principal.Dec(), agg.Principal.Dec())
	}
	return nil
}

// TotalOwed is what custody must hold: all trader collateral plus
// deposited liquidity.
func (pl *PositionLedger) TotalOwed() (*uint256.Int, error) {
	total := pl.state.DepositedLiquidity
	var err error
	for _, acct := range pl.accounts {
		if total, err = fpmath.Add(total, acct.Collateral); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// --- Snapshot ---

// Snapshot is the serializable ledger state.
type Snapshot struct {
	State    LedgerState     `json:"state"`
	Accounts []TraderAccount `json:"accounts"`
}

func (pl *PositionLedger) Snapshot() Snapshot {
	return Snapshot{State: pl.state, Accounts: pl.Accounts()}
}

// Restore replaces the ledger state. The genesis time comes from the
// snapshot.
func (pl *PositionLedger) Restore(snap Snapshot) error {
	accounts := make(map[uuid.UUID]*TraderAccount, len(snap.Accounts))
	for i := range snap.Accounts {
		acct := snap.Accounts[i]
		if acct.Collateral == nil {
			return fmt.Errorf("account %s has no collateral field", acct.TraderID)
		}
		accounts[acct.TraderID] = &acct
	}
	if snap.State.DepositedLiquidity == nil {
		return fmt.Errorf("snapshot has no deposited liquidity")
	}
	pl.state = snap.State
	pl.accounts = accounts
	return pl.CheckAggregates()
}
