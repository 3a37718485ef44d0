// internal/event/mark_price.go
package event

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// PriceQuote is one oracle feed observation. Quotes update the oracle
// cache and never enter the event log: the ratio a command was applied at
// is recorded on its envelope instead.
type PriceQuote struct {
	Asset     string       `json:"asset"`
	Price     *uint256.Int `json:"price"`     // scaled by 10^Decimals
	Decimals  uint8        `json:"decimals"`
	Sequence  int64        `json:"sequence"`  // Monotonic per asset
	Timestamp time.Time    `json:"timestamp"`
}

func (p *PriceQuote) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Asset, p.Sequence)
}
