package ingestion

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// AdminInjector applies custody and oracle inputs by hand, for operators
// and local setups without the upstream feeds. High-volume input belongs
// on NATS.
type AdminInjector struct {
	core   Submitter
	prices PriceSink
	now    func() time.Time
}

func NewAdminInjector(submitter Submitter, prices PriceSink) *AdminInjector {
	return &AdminInjector{core: submitter, prices: prices, now: time.Now}
}

// InjectDeposit credits an owner's wallet as if custody had confirmed a
// transfer. id makes the call idempotent; uuid.Nil draws a fresh one.
func (s *AdminInjector) InjectDeposit(ctx context.Context, id, owner uuid.UUID, asset string, amount *uint256.Int) (*core.CoreOutput, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return s.core.ProcessEvent(ctx, &event.WalletDeposit{
		DepositID: id,
		OwnerID:   owner,
		Asset:     asset,
		Amount:    amount,
		Timestamp: s.now(),
	})
}

// InjectWithdrawal debits an owner's wallet toward custody.
func (s *AdminInjector) InjectWithdrawal(ctx context.Context, id, owner uuid.UUID, asset string, amount *uint256.Int) (*core.CoreOutput, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return s.core.ProcessEvent(ctx, &event.WalletWithdrawal{
		WithdrawalID: id,
		OwnerID:      owner,
		Asset:        asset,
		Amount:       amount,
		Timestamp:    s.now(),
	})
}

// InjectPrice stores a quote in the oracle cache, stamped now.
func (s *AdminInjector) InjectPrice(asset string, price *uint256.Int, decimals uint8) error {
	if price == nil || price.IsZero() {
		return fmt.Errorf("%w: price must be positive", core.ErrInvalidCommand)
	}
	if !s.prices.Update(asset, quoteAt(price, decimals, s.now())) {
		return fmt.Errorf("%w: a newer %s quote is held", core.ErrInvalidCommand, asset)
	}
	return nil
}
