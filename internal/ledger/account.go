package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeSystemCustody

	// External sub-types
	SubTypeExternalIssuance
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
		"USDT": 2,
		"WETH": 3,
		"WBTC": 4,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
		2: "USDT",
		3: "WETH",
		4: "WBTC",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // owner UUID for users, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for a trader or liquidity provider account
func NewUserAccountKey(ownerID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: ownerID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for the venue boundary
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// WalletKey is the spendable balance an owner holds outside the perp ledger.
func WalletKey(ownerID uuid.UUID, assetID AssetID) AccountKey {
	return NewUserAccountKey(ownerID, SubTypeWallet, assetID)
}

// CustodyKey holds every unit of collateral and pool liquidity the perp
// ledger is responsible for.
func CustodyKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey("custody", SubTypeSystemCustody, assetID)
}

// IssuanceKey is the boundary through which assets enter and leave the venue.
func IssuanceKey(assetID AssetID) AccountKey {
	return NewExternalAccountKey(SubTypeExternalIssuance, assetID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeSystemCustody:
		return "custody"
	case SubTypeExternalIssuance:
		return "issuance"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	asset := func(name string) (AssetID, error) {
		id, ok := GetAssetID(name)
		if !ok {
			return 0, fmt.Errorf("unknown asset %q in path %q", name, path)
		}
		return id, nil
	}

	switch {
	case len(parts) == 4 && parts[0] == "user" && parts[2] == "wallet":
		owner, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse owner in %q: %w", path, err)
		}
		id, err := asset(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return WalletKey(owner, id), nil
	case len(parts) == 3 && parts[0] == "system" && parts[1] == "custody":
		id, err := asset(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return CustodyKey(id), nil
	case len(parts) == 3 && parts[0] == "external" && parts[1] == "issuance":
		id, err := asset(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return IssuanceKey(id), nil
	}
	return AccountKey{}, fmt.Errorf("unrecognised account path %q", path)
}
