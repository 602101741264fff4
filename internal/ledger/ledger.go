package ledger

import (
	lerrors "RebaseLedger/internal/errors"
	fpmath "RebaseLedger/internal/math"
	"RebaseLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// AllowanceChecker authorizes transferFrom debits.
type AllowanceChecker interface {
	CheckSpend(owner, spender uuid.UUID, amount *uint256.Int) error
}

// Ledger implements settle-then-mutate. It holds no state of its own:
// every operation reads and writes through the Tx it is given, and the
// caller commits or discards that Tx.
type Ledger struct{}

func New() *Ledger { return &Ledger{} }

// Settle folds interest accrued since LastSettled into principal and moves
// LastSettled to now. Calling it twice at the same now is a no-op the
// second time.
func (l *Ledger) Settle(tx *Tx, holder uuid.UUID, now int64) (state.HolderAccount, error) {
	acct := tx.GetHolder(holder)

	elapsed, err := fpmath.Elapsed(acct.LastSettled, now)
	if err != nil {
		return state.HolderAccount{}, err
	}

	interest, err := fpmath.AccruedInterest(acct.Principal, acct.LockedRate, elapsed)
	if err != nil {
		return state.HolderAccount{}, err
	}

	if !interest.IsZero() {
		if _, overflow := acct.Principal.AddOverflow(acct.Principal, interest); overflow {
			return state.HolderAccount{}, lerrors.Overflowf("settle %s", holder)
		}
		tx.post(JournalTypeSettle, HolderKey(holder), InterestKey(), interest, now)
	}

	acct.LastSettled = now
	tx.PutHolder(holder, acct)
	return acct, nil
}

// Mint settles to, restamps its locked rate with the global rate and
// credits amount.
func (l *Ledger) Mint(tx *Tx, to uuid.UUID, amount *uint256.Int, now int64) error {
	acct, err := l.Settle(tx, to, now)
	if err != nil {
		return err
	}

	acct.LockedRate = tx.GetRate()
	if _, overflow := acct.Principal.AddOverflow(acct.Principal, amount); overflow {
		return lerrors.Overflowf("mint %s to %s", amount.Dec(), to)
	}

	tx.PutHolder(to, acct)
	tx.post(JournalTypeMint, HolderKey(to), IssuanceKey(), amount, now)
	return nil
}

// Burn settles from and debits amount, resolving AmountAll to the full
// settled balance. Returns the amount actually burned.
func (l *Ledger) Burn(tx *Tx, from uuid.UUID, amount Amount, now int64) (*uint256.Int, error) {
	acct, err := l.Settle(tx, from, now)
	if err != nil {
		return nil, err
	}

	// After settlement the displayed balance equals principal.
	value := amount.Resolve(acct.Principal)
	if value.Gt(acct.Principal) {
		return nil, &lerrors.InsufficientPrincipalError{Have: acct.Principal.Clone(), Need: value}
	}

	acct.Principal.Sub(acct.Principal, value)
	tx.PutHolder(from, acct)
	tx.post(JournalTypeBurn, RedemptionKey(), HolderKey(from), value, now)
	return value, nil
}

// Transfer settles both sides, lets an empty recipient inherit the sender's
// locked rate and moves principal. Returns the amount moved.
func (l *Ledger) Transfer(tx *Tx, from, to uuid.UUID, amount Amount, now int64) (*uint256.Int, error) {
	fromAcct, err := l.Settle(tx, from, now)
	if err != nil {
		return nil, err
	}
	toAcct, err := l.Settle(tx, to, now)
	if err != nil {
		return nil, err
	}

	value := amount.Resolve(fromAcct.Principal)
	if value.Gt(fromAcct.Principal) {
		return nil, &lerrors.InsufficientPrincipalError{Have: fromAcct.Principal.Clone(), Need: value}
	}

	if from == to {
		return value, nil
	}

	if toAcct.IsZero() {
		toAcct.LockedRate = fromAcct.LockedRate.Clone()
	}

	fromAcct.Principal.Sub(fromAcct.Principal, value)
	if _, overflow := toAcct.Principal.AddOverflow(toAcct.Principal, value); overflow {
		return nil, lerrors.Overflowf("transfer %s to %s", value.Dec(), to)
	}

	tx.PutHolder(from, fromAcct)
	tx.PutHolder(to, toAcct)
	tx.post(JournalTypeTransfer, HolderKey(to), HolderKey(from), value, now)
	return value, nil
}

// TransferFrom is Transfer on behalf of spender. The resolved amount must be
// covered by from's allowance to spender; consuming the allowance is
// left to the caller once the Tx commits.
func (l *Ledger) TransferFrom(
	tx *Tx,
	allowances AllowanceChecker,
	spender, from, to uuid.UUID,
	amount Amount,
	now int64,
) (*uint256.Int, error) {
	value, err := l.Transfer(tx, from, to, amount, now)
	if err != nil {
		return nil, err
	}
	if err := allowances.CheckSpend(from, spender, value); err != nil {
		return nil, err
	}
	return value, nil
}

// SetRate applies the rate rule against the staged view.
func (l *Ledger) SetRate(tx *Tx, newRate *uint256.Int, now int64) (state.RateChange, error) {
	return state.NewRateController(tx).SetRate(newRate, now)
}

// BalanceOf computes the live displayed balance of holder at now without
// writing anything. A now before LastSettled reads as zero elapsed time.
func BalanceOf(store Store, holder uuid.UUID, now int64) (*uint256.Int, error) {
	acct := store.GetHolder(holder)
	elapsed, err := fpmath.Elapsed(acct.LastSettled, now)
	if err != nil {
		elapsed = 0
	}
	return fpmath.DisplayedBalance(acct.Principal, acct.LockedRate, elapsed)
}
