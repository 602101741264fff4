package auth

import (
	lerrors "RebaseLedger/internal/errors"

	"github.com/google/uuid"
)

// Action is a gated ledger operation.
type Action int

const (
	ActionMint Action = iota
	ActionBurn
	ActionSetRate
)

func (a Action) String() string {
	switch a {
	case ActionMint:
		return "mint"
	case ActionBurn:
		return "burn"
	case ActionSetRate:
		return "set_rate"
	default:
		return "unknown"
	}
}

// Policy composes ownership and roles into per-action checks.
//
//	mint     owner or minter
//	burn     owner, burner, or the holder burning its own balance
//	setRate  owner or rate_setter
type Policy struct {
	Ownership  *Ownership
	Roles      *RoleRegistry
	Allowances *Allowances
}

func NewPolicy(owner uuid.UUID) *Policy {
	o := NewOwnership(owner)
	return &Policy{
		Ownership:  o,
		Roles:      NewRoleRegistry(o),
		Allowances: NewAllowances(),
	}
}

// Authorize checks caller for action. subject is the holder acted on and is
// only consulted for burns.
func (p *Policy) Authorize(caller uuid.UUID, action Action, subject uuid.UUID) error {
	if p.Ownership.IsOwner(caller) {
		return nil
	}
	switch action {
	case ActionMint:
		if p.Roles.HasRole(RoleMinter, caller) {
			return nil
		}
	case ActionBurn:
		if caller == subject || p.Roles.HasRole(RoleBurner, caller) {
			return nil
		}
	case ActionSetRate:
		if p.Roles.HasRole(RoleRateSetter, caller) {
			return nil
		}
	}
	return lerrors.Unauthorizedf("%s may not %s", caller, action)
}
