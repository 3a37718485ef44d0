package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// WalletWithdrawal debits an owner's wallet for assets leaving the venue
type WalletWithdrawal struct {
	WithdrawalID uuid.UUID    `json:"withdrawal_id"`
	OwnerID      uuid.UUID    `json:"owner_id"`
	Asset        string       `json:"asset"`
	Amount       *uint256.Int `json:"amount"`
	Timestamp    time.Time    `json:"timestamp"`
}

func (w *WalletWithdrawal) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WalletWithdrawal) EventType() EventType {
	return EventTypeWalletWithdrawal
}

func (w *WalletWithdrawal) OccurredAt() time.Time {
	return w.Timestamp
}
