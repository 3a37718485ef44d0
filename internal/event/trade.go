package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Side represents position direction
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

// SideOf maps the isLong flag used throughout the ledger to a Side.
func SideOf(isLong bool) Side {
	if isLong {
		return SideLong
	}
	return SideShort
}

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// OpenPosition opens or increases exposure by a notional amount of
// collateral units.
type OpenPosition struct {
	RequestID uuid.UUID    `json:"request_id"`
	TraderID  uuid.UUID    `json:"trader_id"`
	Notional  *uint256.Int `json:"notional"`
	IsLong    bool         `json:"is_long"`
	Timestamp time.Time    `json:"timestamp"`
}

func (o *OpenPosition) IdempotencyKey() string {
	return o.RequestID.String()
}

func (o *OpenPosition) EventType() EventType {
	return EventTypeOpenPosition
}

func (o *OpenPosition) OccurredAt() time.Time {
	return o.Timestamp
}

// DecreasePosition closes TokenAmount reference units of one side. Only
// the owner may call it: CallerID must equal TraderID.
type DecreasePosition struct {
	RequestID   uuid.UUID    `json:"request_id"`
	CallerID    uuid.UUID    `json:"caller_id"`
	TraderID    uuid.UUID    `json:"trader_id"`
	TokenAmount *uint256.Int `json:"token_amount"`
	IsLong      bool         `json:"is_long"`
	Timestamp   time.Time    `json:"timestamp"`
}

func (d *DecreasePosition) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *DecreasePosition) EventType() EventType {
	return EventTypeDecreasePosition
}

func (d *DecreasePosition) OccurredAt() time.Time {
	return d.Timestamp
}
