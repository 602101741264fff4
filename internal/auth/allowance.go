package auth

import (
	lerrors "RebaseLedger/internal/errors"
	"RebaseLedger/internal/ledger"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type allowanceKey struct {
	owner   uuid.UUID
	spender uuid.UUID
}

// AllowanceEntry is one (owner, spender) approval, used for snapshots.
type AllowanceEntry struct {
	Owner   uuid.UUID     `json:"owner"`
	Spender uuid.UUID     `json:"spender"`
	Amount  ledger.Amount `json:"amount"`
}

// Allowances tracks how much each spender may move out of an owner's
// balance. An AmountAll approval is unlimited and never decremented.
type Allowances struct {
	mu      sync.RWMutex
	entries map[allowanceKey]ledger.Amount
}

func NewAllowances() *Allowances {
	return &Allowances{entries: make(map[allowanceKey]ledger.Amount)}
}

// Approve replaces the allowance. An exact zero removes it.
func (a *Allowances) Approve(owner, spender uuid.UUID, amount ledger.Amount) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := allowanceKey{owner, spender}
	if v, ok := amount.Exact(); ok && v.IsZero() {
		delete(a.entries, key)
		return
	}
	a.entries[key] = amount
}

// Allowance returns the current approval; exact zero if none.
func (a *Allowances) Allowance(owner, spender uuid.UUID) ledger.Amount {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if amt, ok := a.entries[allowanceKey{owner, spender}]; ok {
		return amt
	}
	return ledger.AmountExact(new(uint256.Int))
}

// CheckSpend fails with ErrUnauthorized when amount exceeds the allowance.
func (a *Allowances) CheckSpend(owner, spender uuid.UUID, amount *uint256.Int) error {
	allowed := a.Allowance(owner, spender)
	if allowed.IsAll() {
		return nil
	}
	v, _ := allowed.Exact()
	if amount.Gt(v) {
		return lerrors.Unauthorizedf("allowance of %s for %s is %s, need %s", owner, spender, v.Dec(), amount.Dec())
	}
	return nil
}

// Spend consumes amount. Callers run CheckSpend first.
func (a *Allowances) Spend(owner, spender uuid.UUID, amount *uint256.Int) error {
	if err := a.CheckSpend(owner, spender, amount); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := allowanceKey{owner, spender}
	current, ok := a.entries[key]
	if !ok || current.IsAll() {
		return nil
	}
	v, _ := current.Exact()
	v.Sub(v, amount)
	if v.IsZero() {
		delete(a.entries, key)
		return nil
	}
	a.entries[key] = ledger.AmountExact(v)
	return nil
}

// Entries returns every approval (snapshot).
func (a *Allowances) Entries() []AllowanceEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]AllowanceEntry, 0, len(a.entries))
	for k, v := range a.entries {
		out = append(out, AllowanceEntry{Owner: k.owner, Spender: k.spender, Amount: v})
	}
	return out
}

// Restore replaces all approvals (snapshot restore).
func (a *Allowances) Restore(entries []AllowanceEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = make(map[allowanceKey]ledger.Amount, len(entries))
	for _, e := range entries {
		a.entries[allowanceKey{e.Owner, e.Spender}] = e.Amount
	}
}
