package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeSystem AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// System sub-types
	SubTypeSystemEscrow AccountSubType = iota

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalPayouts
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

// AssetUSDC is the unit of account for every market.
const AssetUSDC AssetID = 1

var (
	assetToID = map[string]AssetID{
		"USDC": AssetUSDC,
	}
	idToAsset = map[AssetID]string{
		AssetUSDC: "USDC",
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
	Scope    AccountScope   `json:"scope"`
	MarketID uint64         `json:"market_id,omitempty"` // 0 for unscoped accounts
	SubType  AccountSubType `json:"sub_type"`
	AssetID  AssetID        `json:"asset_id"`
}

// EscrowAccount holds the stakes of one market until they are paid out.
func EscrowAccount(marketID uint64) AccountKey {
	return AccountKey{
		Scope:    AccountScopeSystem,
		MarketID: marketID,
		SubType:  SubTypeSystemEscrow,
		AssetID:  AssetUSDC,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%d:%s", k.subTypeName(), k.MarketID, assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeSystemEscrow:
		return "escrow"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalPayouts:
		return "payouts"
	default:
		return "unknown"
	}
}

// ParticipantRef renders a participant for the journal's audit column.
func ParticipantRef(addr common.Address) string {
	return addr.Hex()
}
