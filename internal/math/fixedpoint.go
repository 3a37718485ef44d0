package math

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Precision constants. Money, prices and token amounts are scaled by P,
// the borrowing index by B.
const (
	PrecisionDecimals = 18
	IndexDecimals     = 10
)

var (
	P = uint256.NewInt(1_000_000_000_000_000_000)
	B = uint256.NewInt(10_000_000_000)
)

var (
	ErrOverflow       = errors.New("fixedpoint: overflow")
	ErrUnderflow      = errors.New("fixedpoint: underflow")
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrNegativeValue  = errors.New("fixedpoint: negative value for unsigned field")
	ErrFractional     = errors.New("fixedpoint: fractional value for integer field")
)

// Zero returns a fresh zero value. Ledger fields are never mutated in place,
// so callers may share the returned pointer freely.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Add returns x + y, rejecting wrap-around.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x - y, rejecting x < y.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// MulDiv returns floor(x * y / d) with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Min returns the smaller of x and y.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x
	}
	return y
}

// Pow10 returns 10^n as a uint256.
func Pow10(n uint8) (*uint256.Int, error) {
	z := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint8(0); i < n; i++ {
		var overflow bool
		z, overflow = new(uint256.Int).MulOverflow(z, ten)
		if overflow {
			return nil, ErrOverflow
		}
	}
	return z, nil
}

// --- Signed domain ---

// Signed lifts an unsigned ledger value into the signed domain used for
// PnL, equity and leverage.
func Signed(x *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), 0)
}

// Unsigned converts an integral, non-negative signed value back to a
// ledger field.
func Unsigned(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegativeValue
	}
	if !d.Equal(d.Truncate(0)) {
		return nil, ErrFractional
	}
	z, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// QuoTrunc divides two integral signed values and truncates toward zero.
func QuoTrunc(x, y decimal.Decimal) (decimal.Decimal, error) {
	if y.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	q, _ := x.QuoRem(y, 0)
	return q, nil
}

// MulDivSigned returns trunc(x * y / d) in the signed domain.
func MulDivSigned(x, y, d decimal.Decimal) (decimal.Decimal, error) {
	return QuoTrunc(x.Mul(y), d)
}

// ParseAmount parses a base-10 integer string into a ledger amount.
func ParseAmount(s string) (*uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, err
	}
	return z, nil
}
