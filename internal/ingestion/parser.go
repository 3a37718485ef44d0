package ingestion

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ParseRawEvent converts a raw message into a typed command. Errors wrap
// core.ErrInvalidCommand.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	var (
		evt event.Event
		err error
	)
	switch eventType {
	case "WalletDeposit":
		evt, err = parseWalletDeposit(raw.Data)
	case "WalletWithdrawal":
		evt, err = parseWalletWithdrawal(raw.Data)
	case "AddCollateral":
		evt, err = parseAddCollateral(raw.Data)
	case "DecreaseCollateral":
		evt, err = parseDecreaseCollateral(raw.Data)
	case "OpenPosition":
		evt, err = parseOpenPosition(raw.Data)
	case "DecreasePosition":
		evt, err = parseDecreasePosition(raw.Data)
	case "Liquidate":
		evt, err = parseLiquidate(raw.Data)
	case "DepositLiquidity":
		evt, err = parseDepositLiquidity(raw.Data)
	case "WithdrawLiquidity":
		evt, err = parseWithdrawLiquidity(raw.Data)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", core.ErrInvalidCommand, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidCommand, eventType, err)
	}
	return evt, nil
}

// --- JSON wire formats ---
// Payloads received from NATS. Ids are UUID strings, amounts base-10
// integers in the asset's smallest unit, timestamps Unix microseconds.

type walletTransferJSON struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

type collateralJSON struct {
	RequestID   string `json:"request_id"`
	TraderID    string `json:"trader_id"`
	Amount      string `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

type openPositionJSON struct {
	RequestID   string `json:"request_id"`
	TraderID    string `json:"trader_id"`
	Notional    string `json:"notional"`
	Side        string `json:"side"` // "long" or "short"
	TimestampUs int64  `json:"timestamp_us"`
}

type decreasePositionJSON struct {
	RequestID   string `json:"request_id"`
	CallerID    string `json:"caller_id"`
	TraderID    string `json:"trader_id"`
	TokenAmount string `json:"token_amount"`
	Side        string `json:"side"`
	TimestampUs int64  `json:"timestamp_us"`
}

type liquidateJSON struct {
	RequestID   string `json:"request_id"`
	CallerID    string `json:"caller_id"`
	TargetID    string `json:"target_id"`
	TimestampUs int64  `json:"timestamp_us"`
}

type liquidityJSON struct {
	RequestID   string `json:"request_id"`
	ProviderID  string `json:"provider_id"`
	Amount      string `json:"amount"` // assets on deposit, shares on withdraw
	TimestampUs int64  `json:"timestamp_us"`
}

type priceQuoteJSON struct {
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	Decimals    uint8  `json:"decimals"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseWalletDeposit(data []byte) (*event.WalletDeposit, error) {
	var j walletTransferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	id, owner, amount, err := parseTransfer(j)
	if err != nil {
		return nil, err
	}
	return &event.WalletDeposit{
		DepositID: id,
		OwnerID:   owner,
		Asset:     j.Asset,
		Amount:    amount,
		Timestamp: timestamp(j.TimestampUs),
	}, nil
}

func parseWalletWithdrawal(data []byte) (*event.WalletWithdrawal, error) {
	var j walletTransferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	id, owner, amount, err := parseTransfer(j)
	if err != nil {
		return nil, err
	}
	return &event.WalletWithdrawal{
		WithdrawalID: id,
		OwnerID:      owner,
		Asset:        j.Asset,
		Amount:       amount,
		Timestamp:    timestamp(j.TimestampUs),
	}, nil
}

func parseTransfer(j walletTransferJSON) (id, owner uuid.UUID, amount *uint256.Int, err error) {
	if id, err = parseID("id", j.ID); err != nil {
		return
	}
	if owner, err = parseID("owner_id", j.OwnerID); err != nil {
		return
	}
	if j.Asset == "" {
		err = fmt.Errorf("asset is required")
		return
	}
	amount, err = parseAmount("amount", j.Amount)
	return
}

func parseAddCollateral(data []byte) (*event.AddCollateral, error) {
	var j collateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	req, trader, amount, err := parseCollateral(j)
	if err != nil {
		return nil, err
	}
	return &event.AddCollateral{RequestID: req, TraderID: trader, Amount: amount, Timestamp: timestamp(j.TimestampUs)}, nil
}

func parseDecreaseCollateral(data []byte) (*event.DecreaseCollateral, error) {
	var j collateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	req, trader, amount, err := parseCollateral(j)
	if err != nil {
		return nil, err
	}
	return &event.DecreaseCollateral{RequestID: req, TraderID: trader, Amount: amount, Timestamp: timestamp(j.TimestampUs)}, nil
}

func parseCollateral(j collateralJSON) (req, trader uuid.UUID, amount *uint256.Int, err error) {
	if req, err = parseID("request_id", j.RequestID); err != nil {
		return
	}
	if trader, err = parseID("trader_id", j.TraderID); err != nil {
		return
	}
	amount, err = parseAmount("amount", j.Amount)
	return
}

func parseOpenPosition(data []byte) (*event.OpenPosition, error) {
	var j openPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	req, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	trader, err := parseID("trader_id", j.TraderID)
	if err != nil {
		return nil, err
	}
	notional, err := parseAmount("notional", j.Notional)
	if err != nil {
		return nil, err
	}
	isLong, err := ParseSide(j.Side)
	if err != nil {
		return nil, err
	}
	return &event.OpenPosition{
		RequestID: req,
		TraderID:  trader,
		Notional:  notional,
		IsLong:    isLong,
		Timestamp: timestamp(j.TimestampUs),
	}, nil
}

func parseDecreasePosition(data []byte) (*event.DecreasePosition, error) {
	var j decreasePositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	req, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller_id", j.CallerID)
	if err != nil {
		return nil, err
	}
	trader, err := parseID("trader_id", j.TraderID)
	if err != nil {
		return nil, err
	}
	tokens, err := parseAmount("token_amount", j.TokenAmount)
	if err != nil {
		return nil, err
	}
	isLong, err := ParseSide(j.Side)
	if err != nil {
		return nil, err
	}
	return &event.DecreasePosition{
		RequestID:   req,
		CallerID:    caller,
		TraderID:    trader,
		TokenAmount: tokens,
		IsLong:      isLong,
		Timestamp:   timestamp(j.TimestampUs),
	}, nil
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	req, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller_id", j.CallerID)
	if err != nil {
		return nil, err
	}
	target, err := parseID("target_id", j.TargetID)
	if err != nil {
		return nil, err
	}
	return &event.Liquidate{RequestID: req, CallerID: caller, TargetID: target, Timestamp: timestamp(j.TimestampUs)}, nil
}

func parseDepositLiquidity(data []byte) (*event.DepositLiquidity, error) {
	var j liquidityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	req, provider, amount, err := parseLiquidity(j)
	if err != nil {
		return nil, err
	}
	return &event.DepositLiquidity{RequestID: req, ProviderID: provider, Amount: amount, Timestamp: timestamp(j.TimestampUs)}, nil
}

func parseWithdrawLiquidity(data []byte) (*event.WithdrawLiquidity, error) {
	var j liquidityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	req, provider, shares, err := parseLiquidity(j)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawLiquidity{RequestID: req, ProviderID: provider, Shares: shares, Timestamp: timestamp(j.TimestampUs)}, nil
}

func parseLiquidity(j liquidityJSON) (req, provider uuid.UUID, amount *uint256.Int, err error) {
	if req, err = parseID("request_id", j.RequestID); err != nil {
		return
	}
	if provider, err = parseID("provider_id", j.ProviderID); err != nil {
		return
	}
	amount, err = parseAmount("amount", j.Amount)
	return
}

// ParsePriceQuote decodes one oracle observation.
func ParsePriceQuote(data []byte) (*event.PriceQuote, error) {
	var j priceQuoteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse price quote: %w", err)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("price quote: asset is required")
	}
	price, err := parseAmount("price", j.Price)
	if err != nil {
		return nil, fmt.Errorf("price quote %s: %w", j.Asset, err)
	}
	if price.IsZero() {
		return nil, fmt.Errorf("price quote %s: zero price", j.Asset)
	}
	if j.Decimals > 36 {
		return nil, fmt.Errorf("price quote %s: %d decimals", j.Asset, j.Decimals)
	}
	return &event.PriceQuote{
		Asset:     j.Asset,
		Price:     price,
		Decimals:  j.Decimals,
		Sequence:  j.Sequence,
		Timestamp: timestamp(j.TimestampUs),
	}, nil
}

// --- field helpers ---

// ParseSide maps "long"/"short" to the isLong flag.
func ParseSide(s string) (bool, error) {
	switch s {
	case "long":
		return true, nil
	case "short":
		return false, nil
	}
	return false, fmt.Errorf("side must be long or short, got %q", s)
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%s is nil", field)
	}
	return id, nil
}

// parseAmount accepts zero: the core rejects it with its own error.
func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return v, nil
}

func timestamp(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
