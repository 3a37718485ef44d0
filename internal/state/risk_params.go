package state

import (
	"fmt"
	"time"
)

// BpsScale is the denominator for basis-point parameters.
const BpsScale = 10_000

// RiskParams bounds leverage, pool utilization and the liquidator's cut.
type RiskParams struct {
	MaxLeverage       uint64        // whole multiples; valid leverage is strictly below
	MaxUtilizationBps uint64        // share of deposited liquidity open exposure may use
	LiquidationFeeBps uint64        // share of remaining collateral paid to the liquidator
	MaxPriceAge       time.Duration // oracle quotes older than this are refused
}

// DefaultRiskParams: 15x, 100% utilization, half the collateral to the
// liquidator.
var DefaultRiskParams = RiskParams{
	MaxLeverage:       15,
	MaxUtilizationBps: 10_000,
	LiquidationFeeBps: 5_000,
	MaxPriceAge:       time.Minute,
}

// ValidateRiskParams checks that risk parameters are within valid ranges:
// max_leverage > 0, 0 < max_utilization_bps <= 10_000,
// liquidation_fee_bps <= 10_000, max_price_age > 0.
func ValidateRiskParams(params RiskParams) error {
	if params.MaxLeverage == 0 {
		return fmt.Errorf("max_leverage must be > 0")
	}
	if params.MaxUtilizationBps == 0 || params.MaxUtilizationBps > BpsScale {
		return fmt.Errorf("max_utilization_bps must be in (0, %d], got %d", BpsScale, params.MaxUtilizationBps)
	}
	if params.LiquidationFeeBps > BpsScale {
		return fmt.Errorf("liquidation_fee_bps must be <= %d, got %d", BpsScale, params.LiquidationFeeBps)
	}
	if params.MaxPriceAge <= 0 {
		return fmt.Errorf("max_price_age must be > 0, got %s", params.MaxPriceAge)
	}
	return nil
}
