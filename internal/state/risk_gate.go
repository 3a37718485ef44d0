package state

import (
	fpmath "PerpVault/internal/math"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// LeverageUnbounded is the leverage of a trader holding exposure with no
// positive equity left.
var LeverageUnbounded = new(uint256.Int).SetAllOne()

// RiskGate holds the predicates every mutating ledger call consults. It
// reads nothing but its arguments.
type RiskGate struct {
	params      RiskParams
	maxLeverage *uint256.Int // MaxLeverage * P
}

func NewRiskGate(params RiskParams) (*RiskGate, error) {
	if err := ValidateRiskParams(params); err != nil {
		return nil, fmt.Errorf("invalid risk params: %w", err)
	}
	maxLev, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(params.MaxLeverage), fpmath.P)
	if overflow {
		return nil, fpmath.ErrOverflow
	}
	return &RiskGate{params: params, maxLeverage: maxLev}, nil
}

func (g *RiskGate) Params() RiskParams {
	return g.params
}

// Equity returns collateral + pnl - fee.
func Equity(collateral *uint256.Int, pnl decimal.Decimal, fee *uint256.Int) decimal.Decimal {
	return fpmath.Signed(collateral).Add(pnl).Sub(fpmath.Signed(fee))
}

// Leverage returns candidate*P/equity. With equity <= 0 it is zero for a
// flat candidate and LeverageUnbounded otherwise.
func Leverage(equity decimal.Decimal, candidate *uint256.Int) (*uint256.Int, error) {
	if !equity.IsPositive() {
		if candidate.IsZero() {
			return fpmath.Zero(), nil
		}
		return LeverageUnbounded, nil
	}
	lev, err := fpmath.MulDivSigned(fpmath.Signed(candidate), fpmath.Signed(fpmath.P), equity)
	if err != nil {
		return nil, err
	}
	return fpmath.Unsigned(lev)
}

// LeverageValid reports whether candidate open interest against equity
// stays strictly below the cap.
func (g *RiskGate) LeverageValid(equity decimal.Decimal, candidate *uint256.Int) (bool, error) {
	lev, err := Leverage(equity, candidate)
	if err != nil {
		return false, err
	}
	return lev.Lt(g.maxLeverage), nil
}

// UtilizationValid reports whether short notional plus long exposure
// marked at ratio fits in the usable share of deposited liquidity. Long
// exposure is priced live, short exposure at its fixed notional.
func (g *RiskGate) UtilizationValid(agg *LedgerState, ratio *uint256.Int) (bool, error) {
	longValue, err := fpmath.MulDiv(agg.Long.OpenInterestInTokens, ratio, fpmath.P)
	if err != nil {
		return false, err
	}
	exposure, err := fpmath.Add(agg.Short.OpenInterest, longValue)
	if err != nil {
		return false, err
	}
	usable, err := fpmath.MulDiv(agg.DepositedLiquidity, uint256.NewInt(g.params.MaxUtilizationBps), uint256.NewInt(BpsScale))
	if err != nil {
		return false, err
	}
	return !exposure.Gt(usable), nil
}

// LiquidationFee splits remaining collateral into the liquidator's fee and
// the amount returned to the trader.
func (g *RiskGate) LiquidationFee(collateral *uint256.Int) (fee, returned *uint256.Int, err error) {
	fee, err = fpmath.MulDiv(collateral, uint256.NewInt(g.params.LiquidationFeeBps), uint256.NewInt(BpsScale))
	if err != nil {
		return nil, nil, err
	}
	returned, err = fpmath.Sub(collateral, fee)
	if err != nil {
		return nil, nil, err
	}
	return fee, returned, nil
}
