package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeHolder AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	SubTypePrincipal AccountSubType = iota

	// System sub-types
	SubTypeSystemInterest

	// External sub-types
	SubTypeExternalIssuance
	SubTypeExternalRedemption
)

// AccountKey identifies one side of a journal entry.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // holder UUID; zero for system and external accounts
	SubType  AccountSubType
}

// HolderKey is the principal account of a holder.
func HolderKey(holder uuid.UUID) AccountKey {
	return AccountKey{Scope: AccountScopeHolder, EntityID: holder, SubType: SubTypePrincipal}
}

// InterestKey is the system account that funds settled interest.
func InterestKey() AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: SubTypeSystemInterest}
}

// IssuanceKey is the boundary account minted principal comes from.
func IssuanceKey() AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: SubTypeExternalIssuance}
}

// RedemptionKey is the boundary account burned principal goes to.
func RedemptionKey() AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: SubTypeExternalRedemption}
}

// Holder returns the holder UUID for holder-scoped keys.
func (k AccountKey) Holder() (uuid.UUID, bool) {
	if k.Scope != AccountScopeHolder {
		return uuid.Nil, false
	}
	return uuid.UUID(k.EntityID), true
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return HolderPath(uuid.UUID(k.EntityID))
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

// HolderPath is the canonical storage path of a holder record.
func HolderPath(holder uuid.UUID) string {
	return fmt.Sprintf("holder:%s", holder.String())
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePrincipal:
		return "principal"
	case SubTypeSystemInterest:
		return "interest"
	case SubTypeExternalIssuance:
		return "issuance"
	case SubTypeExternalRedemption:
		return "redemption"
	default:
		return "unknown"
	}
}
