package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants against a staged Tx before it
// commits and against the committed store periodically.
type InvariantValidator struct {
	supply *SupplyTracker
}

func NewInvariantValidator(supply *SupplyTracker) *InvariantValidator {
	return &InvariantValidator{supply: supply}
}

// ValidateBatchBalance verifies the batch is well-formed.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation checks that the principal change over every touched
// holder equals settled interest + minted - burned. Transfers between
// holders must net to zero.
func (v *InvariantValidator) ValidateConservation(tx *Tx) error {
	before := new(uint256.Int)
	after := new(uint256.Int)
	for _, id := range tx.Touched() {
		before.Add(before, tx.BaseHolder(id).Principal)
		after.Add(after, tx.GetHolder(id).Principal)
	}

	credited := new(uint256.Int).Set(before)
	debited := new(uint256.Int)
	for _, p := range tx.Postings() {
		switch p.JournalType {
		case JournalTypeSettle, JournalTypeMint:
			credited.Add(credited, p.Amount)
		case JournalTypeBurn:
			debited.Add(debited, p.Amount)
		}
	}

	if credited.Lt(debited) {
		return fmt.Errorf("principal conservation: debits %s exceed %s", debited.Dec(), credited.Dec())
	}
	expected := credited.Sub(credited, debited)
	if !expected.Eq(after) {
		return fmt.Errorf("principal conservation: before=%s after=%s expected=%s",
			before.Dec(), after.Dec(), expected.Dec())
	}
	return nil
}

// ValidateHolders checks every touched holder:
//   - settled at now (LastSettled never moves backwards past a settle)
//   - locked rate does not exceed the highest global rate seen
func (v *InvariantValidator) ValidateHolders(tx *Tx, now int64, maxRate *uint256.Int) error {
	for _, id := range tx.Touched() {
		acct := tx.GetHolder(id)
		base := tx.BaseHolder(id)

		if acct.LastSettled < base.LastSettled {
			return fmt.Errorf("holder %s: last_settled moved backwards %d -> %d", id, base.LastSettled, acct.LastSettled)
		}
		if acct.LastSettled != now {
			return fmt.Errorf("holder %s: touched but settled at %d, not %d", id, acct.LastSettled, now)
		}

		if acct.LockedRate.Gt(maxRate) {
			return fmt.Errorf("holder %s: locked rate %s above max global rate %s", id, acct.LockedRate.Dec(), maxRate.Dec())
		}
	}
	return nil
}

// ValidateSupply verifies Σprincipal == minted + interest - burned.
func (v *InvariantValidator) ValidateSupply(store *MemoryStore) error {
	expected, err := v.supply.Expected()
	if err != nil {
		return err
	}
	total := store.TotalPrincipal()
	if !total.Eq(expected) {
		return fmt.Errorf("supply mismatch: principal=%s expected=%s (%s)", total.Dec(), expected.Dec(), v.supply)
	}
	return nil
}

// SupplyTracker accumulates journal totals per boundary account.
type SupplyTracker struct {
	minted   *uint256.Int
	burned   *uint256.Int
	interest *uint256.Int
}

func NewSupplyTracker() *SupplyTracker {
	return &SupplyTracker{
		minted:   new(uint256.Int),
		burned:   new(uint256.Int),
		interest: new(uint256.Int),
	}
}

// ApplyBatch adds the batch totals. Transfers do not change supply.
func (st *SupplyTracker) ApplyBatch(batch *Batch) error {
	if batch == nil || len(batch.Journals) == 0 {
		return nil
	}
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	for _, j := range batch.Journals {
		switch j.JournalType {
		case JournalTypeMint:
			st.minted.Add(st.minted, j.Amount)
		case JournalTypeBurn:
			st.burned.Add(st.burned, j.Amount)
		case JournalTypeSettle:
			st.interest.Add(st.interest, j.Amount)
		}
	}
	return nil
}

// Expected returns minted + interest - burned.
func (st *SupplyTracker) Expected() (*uint256.Int, error) {
	in := new(uint256.Int).Add(st.minted, st.interest)
	if in.Lt(st.burned) {
		return nil, fmt.Errorf("burned %s exceeds minted+interest %s", st.burned.Dec(), in.Dec())
	}
	return in.Sub(in, st.burned), nil
}

// Totals returns copies of the three counters.
func (st *SupplyTracker) Totals() (minted, burned, interest *uint256.Int) {
	return st.minted.Clone(), st.burned.Clone(), st.interest.Clone()
}

// Restore sets the counters (snapshot restore).
func (st *SupplyTracker) Restore(minted, burned, interest *uint256.Int) {
	st.minted = minted.Clone()
	st.burned = burned.Clone()
	st.interest = interest.Clone()
}

func (st *SupplyTracker) String() string {
	return fmt.Sprintf("minted=%s burned=%s interest=%s", st.minted.Dec(), st.burned.Dec(), st.interest.Dec())
}
