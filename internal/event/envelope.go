package event

import (
	"time"

	"github.com/holiman/uint256"
)

// EventType discriminator for inbound commands
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeWalletDeposit
	EventTypeWalletWithdrawal
	EventTypeAddCollateral
	EventTypeDecreaseCollateral
	EventTypeOpenPosition
	EventTypeDecreasePosition
	EventTypeLiquidate
	EventTypeDepositLiquidity
	EventTypeWithdrawLiquidity
)

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Reference price in collateral units (scaled by 1e18) the command was
	// applied at. Nil when the command never priced.
	PriceRatio *uint256.Int

	// JSON-encoded command
	Payload []byte

	// Committed state transitions, in emission order
	Notifications []Notification

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all inbound commands implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// OccurredAt returns the versioned input timestamp
	OccurredAt() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeWalletDeposit:
		return "WalletDeposit"
	case EventTypeWalletWithdrawal:
		return "WalletWithdrawal"
	case EventTypeAddCollateral:
		return "AddCollateral"
	case EventTypeDecreaseCollateral:
		return "DecreaseCollateral"
	case EventTypeOpenPosition:
		return "OpenPosition"
	case EventTypeDecreasePosition:
		return "DecreasePosition"
	case EventTypeLiquidate:
		return "Liquidate"
	case EventTypeDepositLiquidity:
		return "DepositLiquidity"
	case EventTypeWithdrawLiquidity:
		return "WithdrawLiquidity"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeWalletDeposit; et <= EventTypeWithdrawLiquidity; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
