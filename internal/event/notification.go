package event

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// NotificationType discriminator for committed state transitions
type NotificationType int32

const (
	NotificationLiquidityUpdated NotificationType = iota + 1
	NotificationCollateralAdded
	NotificationCollateralDecreased
	NotificationPositionAdded
	NotificationPositionDecreased
	NotificationLiquidated
)

func (nt NotificationType) String() string {
	switch nt {
	case NotificationLiquidityUpdated:
		return "liquidity_updated"
	case NotificationCollateralAdded:
		return "collateral_added"
	case NotificationCollateralDecreased:
		return "collateral_decreased"
	case NotificationPositionAdded:
		return "position_added"
	case NotificationPositionDecreased:
		return "position_decreased"
	case NotificationLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// Notification is an append-only record of a committed ledger change.
// It never drives control flow.
type Notification interface {
	NotificationType() NotificationType
}

// TaggedNotification is the wire form: the type name next to the body.
type TaggedNotification struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalNotifications encodes notifications in emission order.
func MarshalNotifications(ns []Notification) ([]byte, error) {
	tagged := make([]TaggedNotification, 0, len(ns))
	for _, n := range ns {
		data, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		tagged = append(tagged, TaggedNotification{Type: n.NotificationType().String(), Data: data})
	}
	return json.Marshal(tagged)
}

type LiquidityUpdated struct {
	ProviderID         uuid.UUID    `json:"provider_id"`
	Amount             *uint256.Int `json:"amount"`
	IsDeposit          bool         `json:"is_deposit"`
	DepositedLiquidity *uint256.Int `json:"deposited_liquidity"`
}

func (*LiquidityUpdated) NotificationType() NotificationType { return NotificationLiquidityUpdated }

type CollateralAdded struct {
	TraderID   uuid.UUID    `json:"trader_id"`
	Amount     *uint256.Int `json:"amount"`
	Collateral *uint256.Int `json:"collateral"`
}

func (*CollateralAdded) NotificationType() NotificationType { return NotificationCollateralAdded }

type CollateralDecreased struct {
	TraderID   uuid.UUID    `json:"trader_id"`
	Amount     *uint256.Int `json:"amount"`
	Collateral *uint256.Int `json:"collateral"`
}

func (*CollateralDecreased) NotificationType() NotificationType {
	return NotificationCollateralDecreased
}

type PositionAdded struct {
	TraderID    uuid.UUID    `json:"trader_id"`
	Notional    *uint256.Int `json:"notional"`
	TokenAmount *uint256.Int `json:"token_amount"`
	IsLong      bool         `json:"is_long"`
}

func (*PositionAdded) NotificationType() NotificationType { return NotificationPositionAdded }

// PositionDecreased carries the realized PnL signed: negative is a loss
// taken from collateral. Shortfall is the loss and fee a liquidation could
// not take from collateral.
type PositionDecreased struct {
	TraderID      uuid.UUID       `json:"trader_id"`
	TokenAmount   *uint256.Int    `json:"token_amount"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	BorrowingFee  *uint256.Int    `json:"borrowing_fee"`
	Shortfall     *uint256.Int    `json:"shortfall"`
	IsLong        bool            `json:"is_long"`
	IsLiquidation bool            `json:"is_liquidation"`
}

func (*PositionDecreased) NotificationType() NotificationType { return NotificationPositionDecreased }

type Liquidated struct {
	TraderID     uuid.UUID    `json:"trader_id"`
	LiquidatorID uuid.UUID    `json:"liquidator_id"`
	Fee          *uint256.Int `json:"fee"`
	Returned     *uint256.Int `json:"returned"`
	SizeInTokens *uint256.Int `json:"size_in_tokens"`
	Shortfall    *uint256.Int `json:"shortfall"`
}

func (*Liquidated) NotificationType() NotificationType { return NotificationLiquidated }
