package ledger

import (
	"RebaseLedger/internal/state"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Posting is a journal entry before it is assigned IDs and a sequence.
type Posting struct {
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Amount        *uint256.Int
	JournalType   JournalType
	Timestamp     int64
}

// Tx stages every write of one ledger call over a base Store. Reads see the
// staged values first. Nothing reaches the base until Commit; a Tx that is
// dropped or discarded leaves the base untouched.
//
// Tx itself implements Store, so ledger operations are written against the
// staged view only.
type Tx struct {
	base     Store
	holders  map[uuid.UUID]state.HolderAccount
	touched  []uuid.UUID
	rate     *uint256.Int
	postings []Posting
	done     bool
}

func NewTx(base Store) *Tx {
	return &Tx{
		base:    base,
		holders: make(map[uuid.UUID]state.HolderAccount),
	}
}

func (tx *Tx) GetHolder(holder uuid.UUID) state.HolderAccount {
	if acct, ok := tx.holders[holder]; ok {
		return acct.Clone()
	}
	return tx.base.GetHolder(holder)
}

func (tx *Tx) PutHolder(holder uuid.UUID, acct state.HolderAccount) {
	tx.mustBeOpen()
	if _, ok := tx.holders[holder]; !ok {
		tx.touched = append(tx.touched, holder)
	}
	tx.holders[holder] = acct.Clone()
}

func (tx *Tx) GetRate() *uint256.Int {
	if tx.rate != nil {
		return tx.rate.Clone()
	}
	return tx.base.GetRate()
}

func (tx *Tx) PutRate(rate *uint256.Int) {
	tx.mustBeOpen()
	tx.rate = rate.Clone()
}

// BaseHolder reads the committed record, ignoring staged writes.
func (tx *Tx) BaseHolder(holder uuid.UUID) state.HolderAccount {
	return tx.base.GetHolder(holder)
}

// RateChanged reports whether the global rate was staged.
func (tx *Tx) RateChanged() bool { return tx.rate != nil }

// Touched returns the staged holders sorted by storage path.
func (tx *Tx) Touched() []uuid.UUID {
	ids := append([]uuid.UUID(nil), tx.touched...)
	sortHolders(ids)
	return ids
}

// Postings returns the staged journal postings in the order they were made.
func (tx *Tx) Postings() []Posting {
	return append([]Posting(nil), tx.postings...)
}

func (tx *Tx) post(jt JournalType, debit, credit AccountKey, amount *uint256.Int, ts int64) {
	tx.mustBeOpen()
	if amount.IsZero() {
		return
	}
	tx.postings = append(tx.postings, Posting{
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount.Clone(),
		JournalType:   jt,
		Timestamp:     ts,
	})
}

// Commit applies every staged write to the base store.
func (tx *Tx) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already closed")
	}
	tx.done = true

	for _, id := range tx.touched {
		tx.base.PutHolder(id, tx.holders[id])
	}
	if tx.rate != nil {
		tx.base.PutRate(tx.rate)
	}
	return nil
}

// Discard drops all staged writes.
func (tx *Tx) Discard() {
	tx.done = true
	tx.holders = nil
	tx.touched = nil
	tx.rate = nil
	tx.postings = nil
}

func (tx *Tx) mustBeOpen() {
	if tx.done {
		panic("ledger: write to closed transaction")
	}
}
