package query

import (
	"PerpVault/internal/core"
	"PerpVault/internal/projection"
	"PerpVault/internal/state"
)

func sideResponse(s state.SideState) SideResponse {
	return SideResponse{
		OpenInterest:         s.OpenInterest.Dec(),
		OpenInterestInTokens: s.OpenInterestInTokens.Dec(),
		Principal:            s.Principal.Dec(),
	}
}

func traderResponse(v *core.TraderView) *TraderResponse {
	return &TraderResponse{
		TraderID:      v.Account.TraderID,
		Wallet:        v.Wallet.Dec(),
		Collateral:    v.Account.Collateral.Dec(),
		Shares:        v.Shares.Dec(),
		Long:          sideResponse(v.Account.Long),
		Short:         sideResponse(v.Account.Short),
		UnrealizedPnL: v.PnL.String(),
		BorrowingFee:  v.BorrowingFee.Dec(),
		Leverage:      v.Leverage.Dec(),
		LeverageValid: v.LeverageValid,
		AsOfSequence:  v.Sequence,
	}
}

func poolResponse(v *core.PoolView) *PoolResponse {
	return &PoolResponse{
		DepositedLiquidity:    v.Ledger.DepositedLiquidity.Dec(),
		Long:                  sideResponse(v.Ledger.Long),
		Short:                 sideResponse(v.Ledger.Short),
		BorrowingIndex:        v.BorrowingIndex.Dec(),
		PriceRatio:            v.PriceRatio.Dec(),
		AggregatePnL:          v.AggregatePnL.String(),
		AggregateBorrowingFee: v.AggregateBorrowingFee.Dec(),
		TotalManagedAssets:    v.TotalManagedAssets.Dec(),
		TotalShares:           v.TotalShares.Dec(),
		UtilizationValid:      v.UtilizationValid,
		GenesisTime:           v.Ledger.GenesisTime,
		AsOfSequence:          v.Sequence,
	}
}

func liquidationResponse(e projection.LiquidationEntry) LiquidationResponse {
	return LiquidationResponse{
		Sequence:     e.Sequence,
		TraderID:     e.TraderID,
		LiquidatorID: e.LiquidatorID,
		Fee:          e.Fee.Dec(),
		Returned:     e.Returned.Dec(),
		SizeInTokens: e.SizeInTokens.Dec(),
		LiquidatedAt: e.LiquidatedAt,
	}
}
