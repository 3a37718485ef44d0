package math

import (
	"time"

	"github.com/holiman/uint256"
)

// BorrowingRateSeconds is the number of seconds needed to accrue 100% fee on
// a unit of principal: ten years, i.e. a linear 10%/year.
const BorrowingRateSeconds = 10 * 365 * 24 * 60 * 60

var borrowingRate = uint256.NewInt(BorrowingRateSeconds)

// BorrowingIndex returns B + elapsed*B/RATE, elapsed being whole seconds
// since genesis. Times before genesis read as genesis.
func BorrowingIndex(genesis, now time.Time) *uint256.Int {
	elapsed := int64(0)
	if now.After(genesis) {
		elapsed = int64(now.Sub(genesis) / time.Second)
	}
	// elapsed*B fits in 128 bits for any representable duration
	accrued := new(uint256.Int).Mul(uint256.NewInt(uint64(elapsed)), B)
	accrued.Div(accrued, borrowingRate)
	return accrued.Add(accrued, B)
}

// Principal converts a notional amount at the given index into principal:
// notional*B/index.
func Principal(notional, index *uint256.Int) (*uint256.Int, error) {
	return MulDiv(notional, B, index)
}

// AccruedFee returns principal*index/B - notional, the borrowing fee owed on
// a side. Floor truncation at open time can leave the grown value one unit
// below the notional; that reads as zero fee.
func AccruedFee(principal, notional, index *uint256.Int) (*uint256.Int, error) {
	grown, err := MulDiv(principal, index, B)
	if err != nil {
		return nil, err
	}
	if grown.Lt(notional) {
		return Zero(), nil
	}
	return new(uint256.Int).Sub(grown, notional), nil
}
