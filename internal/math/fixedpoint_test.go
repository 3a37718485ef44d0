package math_test

import (
	"errors"
	"testing"
	"time"

	fpmath "PerpVault/internal/math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ============================================================================
// Test: unsigned helpers
// ============================================================================

func TestAdd_Overflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	if _, err := fpmath.Add(max, uint256.NewInt(1)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	if _, err := fpmath.Sub(uint256.NewInt(1), uint256.NewInt(2)); !errors.Is(err, fpmath.ErrUnderflow) {
		t.Fatalf("got %v, want ErrUnderflow", err)
	}
	z, err := fpmath.Sub(uint256.NewInt(5), uint256.NewInt(2))
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if z.Uint64() != 3 {
		t.Errorf("got %d, want 3", z.Uint64())
	}
}

func TestMulDiv_Floors(t *testing.T) {
	z, err := fpmath.MulDiv(uint256.NewInt(10), uint256.NewInt(10), uint256.NewInt(3))
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if z.Uint64() != 33 {
		t.Errorf("got %d, want 33", z.Uint64())
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// 10^40 * 10^40 overflows 256 bits only in the product, not the result
	e40, _ := fpmath.Pow10(40)
	z, err := fpmath.MulDiv(e40, e40, e40)
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	if !z.Eq(e40) {
		t.Errorf("got %s, want %s", z.Dec(), e40.Dec())
	}
}

func TestMulDiv_ZeroDivisor(t *testing.T) {
	if _, err := fpmath.MulDiv(uint256.NewInt(1), uint256.NewInt(1), fpmath.Zero()); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Fatalf("got %v, want ErrDivisionByZero", err)
	}
}

func TestPow10(t *testing.T) {
	z, err := fpmath.Pow10(18)
	if err != nil {
		t.Fatalf("pow10: %v", err)
	}
	if !z.Eq(fpmath.P) {
		t.Errorf("got %s, want %s", z.Dec(), fpmath.P.Dec())
	}
	if _, err := fpmath.Pow10(80); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("10^80: got %v, want ErrOverflow", err)
	}
}

// ============================================================================
// Test: signed boundary
// ============================================================================

func TestUnsigned_RejectsNegative(t *testing.T) {
	if _, err := fpmath.Unsigned(decimal.NewFromInt(-1)); !errors.Is(err, fpmath.ErrNegativeValue) {
		t.Fatalf("got %v, want ErrNegativeValue", err)
	}
}

func TestUnsigned_RejectsFraction(t *testing.T) {
	if _, err := fpmath.Unsigned(decimal.RequireFromString("1.5")); !errors.Is(err, fpmath.ErrFractional) {
		t.Fatalf("got %v, want ErrFractional", err)
	}
}

func TestSignedRoundTrip(t *testing.T) {
	x := uint256.MustFromDecimal("123456789012345678901234567890")
	back, err := fpmath.Unsigned(fpmath.Signed(x))
	if err != nil {
		t.Fatalf("unsigned: %v", err)
	}
	if !back.Eq(x) {
		t.Errorf("got %s, want %s", back.Dec(), x.Dec())
	}
}

func TestQuoTrunc_TowardZero(t *testing.T) {
	cases := []struct {
		x, y, want int64
	}{
		{7, 2, 3},
		{-7, 2, -3},
		{7, -2, -3},
		{-7, -2, 3},
	}
	for _, c := range cases {
		got, err := fpmath.QuoTrunc(decimal.NewFromInt(c.x), decimal.NewFromInt(c.y))
		if err != nil {
			t.Fatalf("%d/%d: %v", c.x, c.y, err)
		}
		if !got.Equal(decimal.NewFromInt(c.want)) {
			t.Errorf("%d/%d: got %s, want %d", c.x, c.y, got, c.want)
		}
	}
}

// ============================================================================
// Test: borrowing index
// ============================================================================

func TestBorrowingIndex_GenesisIsB(t *testing.T) {
	genesis := time.Unix(1_700_000_000, 0)
	if got := fpmath.BorrowingIndex(genesis, genesis); !got.Eq(fpmath.B) {
		t.Errorf("got %s, want %s", got.Dec(), fpmath.B.Dec())
	}
	// before genesis clamps
	if got := fpmath.BorrowingIndex(genesis, genesis.Add(-time.Hour)); !got.Eq(fpmath.B) {
		t.Errorf("pre-genesis: got %s, want %s", got.Dec(), fpmath.B.Dec())
	}
}

func TestBorrowingIndex_StrictlyIncreasing(t *testing.T) {
	genesis := time.Unix(1_700_000_000, 0)
	prev := fpmath.BorrowingIndex(genesis, genesis)
	for s := 1; s <= 120; s++ {
		cur := fpmath.BorrowingIndex(genesis, genesis.Add(time.Duration(s)*time.Second))
		if !cur.Gt(prev) {
			t.Fatalf("index(%d)=%s not > index(%d)=%s", s, cur.Dec(), s-1, prev.Dec())
		}
		prev = cur
	}
}

func TestBorrowingIndex_OneYearIsTenPercent(t *testing.T) {
	genesis := time.Unix(1_700_000_000, 0)
	got := fpmath.BorrowingIndex(genesis, genesis.Add(365*24*time.Hour))
	want := uint256.NewInt(11_000_000_000)
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestAccruedFee_RoundTripZeroAtOpen(t *testing.T) {
	genesis := time.Unix(1_700_000_000, 0)
	// an index that does not divide evenly
	index := fpmath.BorrowingIndex(genesis, genesis.Add(12345*time.Second))
	notional := uint256.MustFromDecimal("7777777777777777777")

	principal, err := fpmath.Principal(notional, index)
	if err != nil {
		t.Fatalf("principal: %v", err)
	}
	fee, err := fpmath.AccruedFee(principal, notional, index)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if !fee.IsZero() {
		t.Errorf("fee at open: got %s, want 0", fee.Dec())
	}
}

func TestAccruedFee_GrowsWithIndex(t *testing.T) {
	notional := uint256.MustFromDecimal("10000000000000000000")
	principal, _ := fpmath.Principal(notional, fpmath.B)

	later := uint256.NewInt(11_000_000_000)
	fee, err := fpmath.AccruedFee(principal, notional, later)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	want := uint256.MustFromDecimal("1000000000000000000")
	if !fee.Eq(want) {
		t.Errorf("got %s, want %s", fee.Dec(), want.Dec())
	}
}
