package core

import (
	"PerpVault/internal/ledger"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
	"context"
	"errors"
)

var (
	ErrUnknownCommand   = errors.New("core: unknown command type")
	ErrReplayDivergence = errors.New("core: replayed state hash differs from log")
	ErrInvalidCommand   = errors.New("invalid command")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Kind groups rejection errors by who has to act on them.
type Kind int

const (
	KindInternal    Kind = iota
	KindValidation       // malformed or empty request
	KindOwnership        // caller may not act on the target
	KindRisk             // a risk gate refused
	KindInsufficient     // balances cannot cover the request
	KindUnavailable      // oracle or settlement not usable right now
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindOwnership:
		return "ownership"
	case KindRisk:
		return "risk"
	case KindInsufficient:
		return "insufficient"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

type classified struct {
	err    error
	kind   Kind
	reason string
}

var taxonomy = []classified{
	{state.ErrZeroAmount, KindValidation, "zero_amount"},
	{vault.ErrZeroShares, KindValidation, "zero_shares"},
	{ErrUnknownCommand, KindValidation, "unknown_command"},
	{ErrInvalidCommand, KindValidation, "invalid_command"},
	{oracle.ErrUnknownAsset, KindUnavailable, "unknown_asset"},
	{state.ErrNotCallerOwned, KindOwnership, "not_caller_owned"},
	{state.ErrSelfLiquidation, KindOwnership, "self_liquidation"},
	{state.ErrLeverageExceeded, KindRisk, "leverage_exceeded"},
	{state.ErrUtilizationExceeded, KindRisk, "utilization_exceeded"},
	{state.ErrPositionNotLiquidatable, KindRisk, "not_liquidatable"},
	{state.ErrNotEnoughCollateral, KindInsufficient, "not_enough_collateral"},
	{state.ErrNotEnoughTokens, KindInsufficient, "not_enough_tokens"},
	{state.ErrNotEnoughLiquidity, KindInsufficient, "not_enough_liquidity"},
	{vault.ErrNotEnoughShares, KindInsufficient, "not_enough_shares"},
	{vault.ErrInsolvent, KindInsufficient, "vault_insolvent"},
	{ledger.ErrInsufficientTransfer, KindInsufficient, "insufficient_transfer"},
	{oracle.ErrStalePrice, KindUnavailable, "stale_price"},
	{oracle.ErrUnsupportedFeedDecimals, KindUnavailable, "feed_decimals"},
	{ErrStoreUnavailable, KindUnavailable, "store_unavailable"},
	{context.Canceled, KindUnavailable, "canceled"},
	{context.DeadlineExceeded, KindUnavailable, "deadline"},
	{fpmath.ErrOverflow, KindInternal, "overflow"},
	{fpmath.ErrUnderflow, KindInternal, "underflow"},
	{fpmath.ErrNegativeValue, KindInternal, "negative_value"},
}

// Classify returns the kind of a command rejection and a short metric label.
func Classify(err error) (Kind, string) {
	for _, c := range taxonomy {
		if errors.Is(err, c.err) {
			return c.kind, c.reason
		}
	}
	return KindInternal, "internal"
}
