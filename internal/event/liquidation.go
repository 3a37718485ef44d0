// internal/event/liquidation.go
package event

import (
	"time"

	"github.com/google/uuid"
)

// Liquidate force-closes every position of TargetID. The liquidator
// (CallerID) is paid a share of the remaining collateral.
type Liquidate struct {
	RequestID uuid.UUID `json:"request_id"`
	CallerID  uuid.UUID `json:"caller_id"`
	TargetID  uuid.UUID `json:"target_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (l *Liquidate) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *Liquidate) EventType() EventType {
	return EventTypeLiquidate
}

func (l *Liquidate) OccurredAt() time.Time {
	return l.Timestamp
}
