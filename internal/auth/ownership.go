// Package auth provides the capabilities the ledger delegates authorization
// to: a single owner, grantable roles and spender allowances.
package auth

import (
	lerrors "RebaseLedger/internal/errors"
	"sync"

	"github.com/google/uuid"
)

// Ownership is the single-admin gate.
type Ownership struct {
	mu    sync.RWMutex
	owner uuid.UUID
}

func NewOwnership(owner uuid.UUID) *Ownership {
	return &Ownership{owner: owner}
}

func (o *Ownership) Owner() uuid.UUID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner
}

// IsOwner is false for everyone while the owner is unset.
func (o *Ownership) IsOwner(id uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner != uuid.Nil && o.owner == id
}

// TransferOwnership hands the gate to next. Only the current owner may call it.
func (o *Ownership) TransferOwnership(caller, next uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.owner == uuid.Nil || caller != o.owner {
		return lerrors.Unauthorizedf("%s is not the owner", caller)
	}
	if next == uuid.Nil {
		return lerrors.InvalidCommandf("new owner must not be nil")
	}
	o.owner = next
	return nil
}
