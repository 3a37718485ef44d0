package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PerpVault/internal/clock"
	fpmath "PerpVault/internal/math"

	"github.com/holiman/uint256"
)

var (
	ErrUnknownAsset            = errors.New("oracle: no price for asset")
	ErrStalePrice              = errors.New("oracle: price is stale")
	ErrUnsupportedFeedDecimals = errors.New("oracle: collateral and reference feeds declare different decimals")
)

// Quote is one feed reading: Price scaled by 10^Decimals.
type Quote struct {
	Price     *uint256.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// Adapter supplies the latest price of an asset in a common unit.
type Adapter interface {
	LatestPrice(ctx context.Context, asset string) (Quote, error)
}

// Cache holds the most recent quote per asset, fed by the price subscriber.
// Safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	clock  clock.Clock
	maxAge time.Duration
}

// NewCache creates a cache. maxAge <= 0 disables the staleness check.
func NewCache(clk clock.Clock, maxAge time.Duration) *Cache {
	return &Cache{
		quotes: make(map[string]Quote),
		clock:  clk,
		maxAge: maxAge,
	}
}

// Update stores q unless a newer quote for the asset is already held.
// Returns false when the update was discarded as out of order.
func (c *Cache) Update(asset string, q Quote) bool {
	if q.Price == nil {
		q.Price = fpmath.Zero()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.quotes[asset]; ok && q.UpdatedAt.Before(cur.UpdatedAt) {
		return false
	}
	c.quotes[asset] = q
	return true
}

func (c *Cache) LatestPrice(_ context.Context, asset string) (Quote, error) {
	c.mu.RLock()
	q, ok := c.quotes[asset]
	c.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if c.maxAge > 0 {
		if age := c.clock.Now().Sub(q.UpdatedAt); age > c.maxAge {
			return Quote{}, fmt.Errorf("%w: %s is %s old", ErrStalePrice, asset, age)
		}
	}
	return q, nil
}

// Pair derives the reference/collateral price ratio from two feeds.
type Pair struct {
	adapter    Adapter
	collateral string
	reference  string
}

func NewPair(adapter Adapter, collateralAsset, referenceAsset string) *Pair {
	return &Pair{adapter: adapter, collateral: collateralAsset, reference: referenceAsset}
}

func (p *Pair) CollateralAsset() string { return p.collateral }
func (p *Pair) ReferenceAsset() string  { return p.reference }

// RefInCollateral returns the reference asset price in collateral units,
// scaled by P.
func (p *Pair) RefInCollateral(ctx context.Context) (*uint256.Int, error) {
	coll, ref, err := p.quotes(ctx)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(ref, fpmath.P, coll)
}

// CollateralInRef returns the collateral asset price in reference units,
// scaled by P.
func (p *Pair) CollateralInRef(ctx context.Context) (*uint256.Int, error) {
	coll, ref, err := p.quotes(ctx)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(coll, fpmath.P, ref)
}

// quotes fetches both feeds. A zero price reads as 1 so the ratio is always
// defined; feeds with different declared decimals are refused.
func (p *Pair) quotes(ctx context.Context) (coll, ref *uint256.Int, err error) {
	cq, err := p.adapter.LatestPrice(ctx, p.collateral)
	if err != nil {
		return nil, nil, err
	}
	rq, err := p.adapter.LatestPrice(ctx, p.reference)
	if err != nil {
		return nil, nil, err
	}
	if cq.Decimals != rq.Decimals {
		return nil, nil, fmt.Errorf("%w: %s=%d %s=%d",
			ErrUnsupportedFeedDecimals, p.collateral, cq.Decimals, p.reference, rq.Decimals)
	}
	return nonZero(cq.Price), nonZero(rq.Price), nil
}

func nonZero(x *uint256.Int) *uint256.Int {
	if x == nil || x.IsZero() {
		return uint256.NewInt(1)
	}
	return x
}

// Pinned is a price source fixed to one ratio. Used when replaying
// commands whose price was recorded at the time they were applied.
type Pinned struct {
	Ratio *uint256.Int
}

func (p Pinned) RefInCollateral(context.Context) (*uint256.Int, error) {
	return p.Ratio, nil
}

func (p Pinned) CollateralInRef(context.Context) (*uint256.Int, error) {
	return fpmath.MulDiv(fpmath.P, fpmath.P, nonZero(p.Ratio))
}
