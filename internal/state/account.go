package state

import (
	fpmath "PerpVault/internal/math"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SideState is the exposure on one side, either aggregate or per trader.
// Values are never mutated in place; updates replace the pointers, so a
// struct copy is a full checkpoint.
type SideState struct {
	OpenInterest         *uint256.Int `json:"open_interest"`           // notional, collateral units
	OpenInterestInTokens *uint256.Int `json:"open_interest_in_tokens"` // reference units at entry
	Principal            *uint256.Int `json:"principal"`               // notional*B/index at open
}

func newSideState() SideState {
	return SideState{
		OpenInterest:         fpmath.Zero(),
		OpenInterestInTokens: fpmath.Zero(),
		Principal:            fpmath.Zero(),
	}
}

func (s SideState) IsZero() bool {
	return s.OpenInterest.IsZero() && s.OpenInterestInTokens.IsZero() && s.Principal.IsZero()
}

func (s SideState) add(notional, tokens, principal *uint256.Int) (SideState, error) {
	oi, err := fpmath.Add(s.OpenInterest, notional)
	if err != nil {
		return s, err
	}
	tok, err := fpmath.Add(s.OpenInterestInTokens, tokens)
	if err != nil {
		return s, err
	}
	pr, err := fpmath.Add(s.Principal, principal)
	if err != nil {
		return s, err
	}
	return SideState{OpenInterest: oi, OpenInterestInTokens: tok, Principal: pr}, nil
}

func (s SideState) sub(notional, tokens, principal *uint256.Int) (SideState, error) {
	oi, err := fpmath.Sub(s.OpenInterest, notional)
	if err != nil {
		return s, err
	}
	tok, err := fpmath.Sub(s.OpenInterestInTokens, tokens)
	if err != nil {
		return s, err
	}
	pr, err := fpmath.Sub(s.Principal, principal)
	if err != nil {
		return s, err
	}
	return SideState{OpenInterest: oi, OpenInterestInTokens: tok, Principal: pr}, nil
}

// LedgerState is the singleton aggregate.
type LedgerState struct {
	GenesisTime        time.Time    `json:"genesis_time"`
	DepositedLiquidity *uint256.Int `json:"deposited_liquidity"`
	Long               SideState    `json:"long"`
	Short              SideState    `json:"short"`
}

func newLedgerState(genesis time.Time) LedgerState {
	return LedgerState{
		GenesisTime:        genesis,
		DepositedLiquidity: fpmath.Zero(),
		Long:               newSideState(),
		Short:              newSideState(),
	}
}

func (ls *LedgerState) side(isLong bool) *SideState {
	if isLong {
		return &ls.Long
	}
	return &ls.Short
}

// TraderAccount is created lazily on first action and never deleted.
type TraderAccount struct {
	TraderID   uuid.UUID    `json:"trader_id"`
	Collateral *uint256.Int `json:"collateral"`
	Long       SideState    `json:"long"`
	Short      SideState    `json:"short"`
}

func newTraderAccount(traderID uuid.UUID) *TraderAccount {
	return &TraderAccount{
		TraderID:   traderID,
		Collateral: fpmath.Zero(),
		Long:       newSideState(),
		Short:      newSideState(),
	}
}

func (a *TraderAccount) side(isLong bool) *SideState {
	if isLong {
		return &a.Long
	}
	return &a.Short
}

// Side returns a copy of one side's exposure.
func (a *TraderAccount) Side(isLong bool) SideState {
	return *a.side(isLong)
}

// OpenInterest returns long plus short notional.
func (a *TraderAccount) OpenInterest() (*uint256.Int, error) {
	return fpmath.Add(a.Long.OpenInterest, a.Short.OpenInterest)
}

// IsFlat reports whether the trader holds no exposure on either side.
func (a *TraderAccount) IsFlat() bool {
	return a.Long.IsZero() && a.Short.IsZero()
}

// CanonicalBytes is the fixed-layout encoding fed to the state hash:
// trader id followed by each field as 32 big-endian bytes.
func (a *TraderAccount) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16+7*32)
	buf = append(buf, a.TraderID[:]...)
	buf = appendWord(buf, a.Collateral)
	buf = appendSide(buf, a.Long)
	return appendSide(buf, a.Short)
}

// CanonicalBytes encodes the aggregate for the state hash.
func (ls *LedgerState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 7*32)
	buf = appendWord(buf, ls.DepositedLiquidity)
	buf = appendSide(buf, ls.Long)
	return appendSide(buf, ls.Short)
}

func appendSide(buf []byte, s SideState) []byte {
	buf = appendWord(buf, s.OpenInterest)
	buf = appendWord(buf, s.OpenInterestInTokens)
	return appendWord(buf, s.Principal)
}

func appendWord(buf []byte, v *uint256.Int) []byte {
	w := v.Bytes32()
	return append(buf, w[:]...)
}
