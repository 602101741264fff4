package auth

import (
	lerrors "RebaseLedger/internal/errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Role is a grantable capability.
type Role string

const (
	RoleMinter     Role = "minter"
	RoleBurner     Role = "burner"
	RoleRateSetter Role = "rate_setter"
)

// ParseRole accepts the role names used in config and the CLI.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleMinter, RoleBurner, RoleRateSetter:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// RoleRegistry maps roles to members. Grants and revocations are owner-only.
type RoleRegistry struct {
	mu      sync.RWMutex
	owner   *Ownership
	members map[Role]map[uuid.UUID]struct{}
}

func NewRoleRegistry(owner *Ownership) *RoleRegistry {
	return &RoleRegistry{
		owner:   owner,
		members: make(map[Role]map[uuid.UUID]struct{}),
	}
}

func (r *RoleRegistry) HasRole(role Role, id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[role][id]
	return ok
}

func (r *RoleRegistry) Grant(caller uuid.UUID, role Role, id uuid.UUID) error {
	if !r.owner.IsOwner(caller) {
		return lerrors.Unauthorizedf("%s may not grant %s", caller, role)
	}
	r.grant(role, id)
	return nil
}

func (r *RoleRegistry) Revoke(caller uuid.UUID, role Role, id uuid.UUID) error {
	if !r.owner.IsOwner(caller) {
		return lerrors.Unauthorizedf("%s may not revoke %s", caller, role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[role], id)
	return nil
}

// Bootstrap grants roles without an owner check. Startup only.
func (r *RoleRegistry) Bootstrap(role Role, ids ...uuid.UUID) {
	for _, id := range ids {
		r.grant(role, id)
	}
}

// Members lists the holders of role in a stable order.
func (r *RoleRegistry) Members(role Role) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(r.members[role]))
	for id := range r.members[role] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (r *RoleRegistry) grant(role Role, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[role] == nil {
		r.members[role] = make(map[uuid.UUID]struct{})
	}
	r.members[role][id] = struct{}{}
}
