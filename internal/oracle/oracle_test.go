package oracle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"PerpVault/internal/clock"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/oracle"

	"github.com/holiman/uint256"
)

var t0 = time.Unix(1_700_000_000, 0)

func newTestPair(maxAge time.Duration) (*oracle.Cache, *oracle.Pair, *clock.Versioned) {
	clk := clock.NewVersioned(t0)
	cache := oracle.NewCache(clk, maxAge)
	return cache, oracle.NewPair(cache, "USDC", "WETH"), clk
}

func price(v uint64, decimals uint8) oracle.Quote {
	scale, _ := fpmath.Pow10(decimals)
	return oracle.Quote{
		Price:     new(uint256.Int).Mul(uint256.NewInt(v), scale),
		Decimals:  decimals,
		UpdatedAt: t0,
	}
}

func TestPair_RefInCollateral_EightDecimals(t *testing.T) {
	cache, pair, _ := newTestPair(0)
	cache.Update("USDC", price(1, 8))
	cache.Update("WETH", price(10000, 8))

	got, err := pair.RefInCollateral(context.Background())
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	want := new(uint256.Int).Mul(uint256.NewInt(10000), fpmath.P)
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}

	inv, err := pair.CollateralInRef(context.Background())
	if err != nil {
		t.Fatalf("inverse: %v", err)
	}
	wantInv := new(uint256.Int).Div(fpmath.P, uint256.NewInt(10000))
	if !inv.Eq(wantInv) {
		t.Errorf("inverse: got %s, want %s", inv.Dec(), wantInv.Dec())
	}
}

func TestPair_ZeroPriceReadsAsOne(t *testing.T) {
	cache, pair, _ := newTestPair(0)
	cache.Update("USDC", oracle.Quote{Price: fpmath.Zero(), Decimals: 8, UpdatedAt: t0})
	cache.Update("WETH", oracle.Quote{Price: uint256.NewInt(5), Decimals: 8, UpdatedAt: t0})

	got, err := pair.RefInCollateral(context.Background())
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	want := new(uint256.Int).Mul(uint256.NewInt(5), fpmath.P)
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestPair_DivergentDecimalsRejected(t *testing.T) {
	cache, pair, _ := newTestPair(0)
	cache.Update("USDC", price(1, 6))
	cache.Update("WETH", price(10000, 8))

	if _, err := pair.RefInCollateral(context.Background()); !errors.Is(err, oracle.ErrUnsupportedFeedDecimals) {
		t.Fatalf("got %v, want ErrUnsupportedFeedDecimals", err)
	}
}

func TestCache_UnknownAsset(t *testing.T) {
	_, pair, _ := newTestPair(0)
	if _, err := pair.RefInCollateral(context.Background()); !errors.Is(err, oracle.ErrUnknownAsset) {
		t.Fatalf("got %v, want ErrUnknownAsset", err)
	}
}

func TestCache_Stale(t *testing.T) {
	cache, pair, clk := newTestPair(time.Minute)
	cache.Update("USDC", price(1, 8))
	cache.Update("WETH", price(10000, 8))

	clk.Advance(t0.Add(59 * time.Second))
	if _, err := pair.RefInCollateral(context.Background()); err != nil {
		t.Fatalf("fresh quote rejected: %v", err)
	}

	clk.Advance(t0.Add(2 * time.Minute))
	if _, err := pair.RefInCollateral(context.Background()); !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("got %v, want ErrStalePrice", err)
	}
}

func TestCache_DiscardsOutOfOrder(t *testing.T) {
	cache, _, _ := newTestPair(0)
	newer := price(2000, 8)
	newer.UpdatedAt = t0.Add(time.Second)
	if !cache.Update("WETH", newer) {
		t.Fatal("first update should be stored")
	}
	if cache.Update("WETH", price(1000, 8)) {
		t.Fatal("older update should be discarded")
	}
	q, err := cache.LatestPrice(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !q.Price.Eq(newer.Price) {
		t.Errorf("got %s, want %s", q.Price.Dec(), newer.Price.Dec())
	}
}
