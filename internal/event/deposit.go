// internal/event/deposit.go
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// WalletDeposit credits an owner's wallet with assets arriving from
// outside the venue (custody confirmation of an on-chain transfer).
type WalletDeposit struct {
	DepositID uuid.UUID    `json:"deposit_id"`
	OwnerID   uuid.UUID    `json:"owner_id"`
	Asset     string       `json:"asset"`
	Amount    *uint256.Int `json:"amount"`
	Timestamp time.Time    `json:"timestamp"`
}

func (d *WalletDeposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *WalletDeposit) EventType() EventType {
	return EventTypeWalletDeposit
}

func (d *WalletDeposit) OccurredAt() time.Time {
	return d.Timestamp
}
