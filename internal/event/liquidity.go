package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DepositLiquidity supplies Amount of collateral to the pool in exchange
// for vault shares.
type DepositLiquidity struct {
	RequestID  uuid.UUID    `json:"request_id"`
	ProviderID uuid.UUID    `json:"provider_id"`
	Amount     *uint256.Int `json:"amount"`
	Timestamp  time.Time    `json:"timestamp"`
}

func (d *DepositLiquidity) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *DepositLiquidity) EventType() EventType {
	return EventTypeDepositLiquidity
}

func (d *DepositLiquidity) OccurredAt() time.Time {
	return d.Timestamp
}

// WithdrawLiquidity redeems Shares for their current value in collateral.
type WithdrawLiquidity struct {
	RequestID  uuid.UUID    `json:"request_id"`
	ProviderID uuid.UUID    `json:"provider_id"`
	Shares     *uint256.Int `json:"shares"`
	Timestamp  time.Time    `json:"timestamp"`
}

func (w *WithdrawLiquidity) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *WithdrawLiquidity) EventType() EventType {
	return EventTypeWithdrawLiquidity
}

func (w *WithdrawLiquidity) OccurredAt() time.Time {
	return w.Timestamp
}
