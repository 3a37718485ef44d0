package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEventType = errors.New("unknown event type")

// New returns a zero command of the given type.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeWalletDeposit:
		return &WalletDeposit{}, nil
	case EventTypeWalletWithdrawal:
		return &WalletWithdrawal{}, nil
	case EventTypeAddCollateral:
		return &AddCollateral{}, nil
	case EventTypeDecreaseCollateral:
		return &DecreaseCollateral{}, nil
	case EventTypeOpenPosition:
		return &OpenPosition{}, nil
	case EventTypeDecreasePosition:
		return &DecreasePosition{}, nil
	case EventTypeLiquidate:
		return &Liquidate{}, nil
	case EventTypeDepositLiquidity:
		return &DepositLiquidity{}, nil
	case EventTypeWithdrawLiquidity:
		return &WithdrawLiquidity{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownEventType, et)
}

// Decode rebuilds a command from its logged JSON payload.
func Decode(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
