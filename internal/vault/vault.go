package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"

	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrZeroShares      = errors.New("vault: deposit too small to mint a share")
	ErrNotEnoughShares = errors.New("vault: not enough shares")
	ErrInsolvent       = errors.New("vault: shares outstanding against zero managed assets")
)

// Ledger is the part of the position ledger the vault drives.
type Ledger interface {
	DepositLiquidity(ctx context.Context, ref string, provider uuid.UUID, amount *uint256.Int) (*state.Result, error)
	WithdrawLiquidity(ctx context.Context, ref string, provider uuid.UUID, amount *uint256.Int) (*state.Result, error)
	State() state.LedgerState
	AggregateTotalPnL(ctx context.Context) (decimal.Decimal, error)
	AggregateTotalBorrowingFee() (*uint256.Int, error)
}

// Vault issues pool shares against liquidity deposited into the ledger.
// Share value follows the pool's net asset value: deposited liquidity
// plus accrued borrowing fees minus what traders are owed in PnL.
// Not safe for concurrent use; the core serializes all calls.
type Vault struct {
	ledger      Ledger
	totalShares *uint256.Int
	holders     map[uuid.UUID]*uint256.Int
}

func New(l Ledger) *Vault {
	return &Vault{
		ledger:      l,
		totalShares: fpmath.Zero(),
		holders:     make(map[uuid.UUID]*uint256.Int),
	}
}

// TotalManagedAssets returns the pool NAV, floored at zero. With no open
// interest there is no PnL and no price is read.
func (v *Vault) TotalManagedAssets(ctx context.Context) (*uint256.Int, error) {
	agg := v.ledger.State()
	pnl := decimal.Zero
	if !agg.Long.OpenInterestInTokens.IsZero() || !agg.Short.OpenInterestInTokens.IsZero() {
		var err error
		if pnl, err = v.ledger.AggregateTotalPnL(ctx); err != nil {
			return nil, err
		}
	}
	fees, err := v.ledger.AggregateTotalBorrowingFee()
	if err != nil {
		return nil, err
	}
	nav := fpmath.Signed(agg.DepositedLiquidity).Add(fpmath.Signed(fees)).Sub(pnl)
	if !nav.IsPositive() {
		return fpmath.Zero(), nil
	}
	return fpmath.Unsigned(nav)
}

// ConvertToShares returns the shares assets would mint now: 1:1 into an
// empty vault, assets*supply/NAV otherwise.
func (v *Vault) ConvertToShares(ctx context.Context, assets *uint256.Int) (*uint256.Int, error) {
	if v.totalShares.IsZero() {
		return assets.Clone(), nil
	}
	nav, err := v.TotalManagedAssets(ctx)
	if err != nil {
		return nil, err
	}
	if nav.IsZero() {
		return nil, ErrInsolvent
	}
	return fpmath.MulDiv(assets, v.totalShares, nav)
}

// ConvertToAssets returns what shares redeem for now: shares*NAV/supply.
func (v *Vault) ConvertToAssets(ctx context.Context, shares *uint256.Int) (*uint256.Int, error) {
	if v.totalShares.IsZero() {
		return fpmath.Zero(), nil
	}
	nav, err := v.TotalManagedAssets(ctx)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(shares, nav, v.totalShares)
}

// Deposit moves assets into the pool and mints shares to provider.
func (v *Vault) Deposit(ctx context.Context, ref string, provider uuid.UUID, assets *uint256.Int) (*uint256.Int, *state.Result, error) {
	if assets == nil || assets.IsZero() {
		return nil, nil, state.ErrZeroAmount
	}
	shares, err := v.ConvertToShares(ctx, assets)
	if err != nil {
		return nil, nil, err
	}
	if shares.IsZero() {
		return nil, nil, ErrZeroShares
	}
	supply, err := fpmath.Add(v.totalShares, shares)
	if err != nil {
		return nil, nil, err
	}
	held, err := fpmath.Add(v.SharesOf(provider), shares)
	if err != nil {
		return nil, nil, err
	}

	res, err := v.ledger.DepositLiquidity(ctx, ref, provider, assets)
	if err != nil {
		return nil, nil, err
	}
	v.totalShares = supply
	v.holders[provider] = held
	return shares, res, nil
}

// Redeem burns shares and withdraws their value from the pool. Value still
// unrealized in open positions cannot be paid out, so the payout is capped
// at deposited liquidity and the pool's utilization gate applies.
func (v *Vault) Redeem(ctx context.Context, ref string, provider uuid.UUID, shares *uint256.Int) (*uint256.Int, *state.Result, error) {
	if shares == nil || shares.IsZero() {
		return nil, nil, state.ErrZeroAmount
	}
	held := v.SharesOf(provider)
	if shares.Gt(held) {
		return nil, nil, fmt.Errorf("%w: holds %s, redeeming %s", ErrNotEnoughShares, held.Dec(), shares.Dec())
	}
	assets, err := v.ConvertToAssets(ctx, shares)
	if err != nil {
		return nil, nil, err
	}
	assets = fpmath.Min(assets, v.ledger.State().DepositedLiquidity).Clone()
	if assets.IsZero() {
		return nil, nil, fmt.Errorf("%w: shares redeem for nothing", state.ErrZeroAmount)
	}

	res, err := v.ledger.WithdrawLiquidity(ctx, ref, provider, assets)
	if err != nil {
		return nil, nil, err
	}
	v.totalShares = new(uint256.Int).Sub(v.totalShares, shares)
	v.holders[provider] = new(uint256.Int).Sub(held, shares)
	return assets, res, nil
}

func (v *Vault) SharesOf(provider uuid.UUID) *uint256.Int {
	if s, ok := v.holders[provider]; ok {
		return s
	}
	return fpmath.Zero()
}

func (v *Vault) TotalShares() *uint256.Int {
	return v.totalShares
}

// --- Snapshot ---

// Holding is one provider's share balance.
type Holding struct {
	ProviderID uuid.UUID    `json:"provider_id"`
	Shares     *uint256.Int `json:"shares"`
}

// Snapshot returns share balances ordered by provider id.
func (v *Vault) Snapshot() []Holding {
	out := make([]Holding, 0, len(v.holders))
	for id, s := range v.holders {
		if s.IsZero() {
			continue
		}
		out = append(out, Holding{ProviderID: id, Shares: s})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProviderID.String() < out[j].ProviderID.String()
	})
	return out
}

// Restore replaces all holdings; the supply is their sum.
func (v *Vault) Restore(holdings []Holding) error {
	supply := fpmath.Zero()
	holders := make(map[uuid.UUID]*uint256.Int, len(holdings))
	for _, h := range holdings {
		if h.Shares == nil {
			return fmt.Errorf("holding for %s has no shares", h.ProviderID)
		}
		var err error
		if supply, err = fpmath.Add(supply, h.Shares); err != nil {
			return err
		}
		holders[h.ProviderID] = h.Shares
	}
	v.totalShares = supply
	v.holders = holders
	return nil
}
