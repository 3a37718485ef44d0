package state

import "errors"

// Input validation
var (
	ErrZeroAmount      = errors.New("state: amount must be positive")
	ErrNotCallerOwned  = errors.New("state: position is not owned by caller")
	ErrSelfLiquidation = errors.New("state: self-liquidation forbidden")
)

// Risk policy
var (
	ErrLeverageExceeded        = errors.New("state: leverage exceeded")
	ErrUtilizationExceeded     = errors.New("state: pool utilization exceeded")
	ErrPositionNotLiquidatable = errors.New("state: position not liquidatable")
)

// Invariant
var (
	ErrNotEnoughCollateral = errors.New("state: not enough collateral")
	ErrNotEnoughTokens     = errors.New("state: not enough tokens in position")
	ErrNotEnoughLiquidity  = errors.New("state: not enough deposited liquidity")
	ErrAggregateMismatch   = errors.New("state: trader sum differs from aggregate")
)
