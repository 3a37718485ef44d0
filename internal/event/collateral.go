package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// AddCollateral moves assets from the trader's wallet into margin.
type AddCollateral struct {
	RequestID uuid.UUID    `json:"request_id"`
	TraderID  uuid.UUID    `json:"trader_id"`
	Amount    *uint256.Int `json:"amount"`
	Timestamp time.Time    `json:"timestamp"`
}

func (c *AddCollateral) IdempotencyKey() string {
	return c.RequestID.String()
}

func (c *AddCollateral) EventType() EventType {
	return EventTypeAddCollateral
}

func (c *AddCollateral) OccurredAt() time.Time {
	return c.Timestamp
}

// DecreaseCollateral returns margin to the trader's wallet.
type DecreaseCollateral struct {
	RequestID uuid.UUID    `json:"request_id"`
	TraderID  uuid.UUID    `json:"trader_id"`
	Amount    *uint256.Int `json:"amount"`
	Timestamp time.Time    `json:"timestamp"`
}

func (c *DecreaseCollateral) IdempotencyKey() string {
	return c.RequestID.String()
}

func (c *DecreaseCollateral) EventType() EventType {
	return EventTypeDecreaseCollateral
}

func (c *DecreaseCollateral) OccurredAt() time.Time {
	return c.Timestamp
}
