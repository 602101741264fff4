package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeSettle   JournalType = iota // system:interest -> holder
	JournalTypeMint                        // external:issuance -> holder
	JournalTypeBurn                        // holder -> external:redemption
	JournalTypeTransfer                    // holder -> holder
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeSettle:
		return "settle"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups the entries of one command
	EventRef      string       // Idempotency key of source command
	Sequence      int64        // Global event sequence
	DebitAccount  AccountKey   // Account whose balance increases
	CreditAccount AccountKey   // Account whose balance decreases
	Amount        *uint256.Int // ALWAYS non-zero
	JournalType   JournalType
	Timestamp     int64 // Command timestamp (unix seconds)
}

// Batch holds the journal entries produced by one command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one non-zero
// amount from its credit account to its debit account, so every entry is
// balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// Totals sums the batch amounts per journal type.
func (b *Batch) Totals() map[JournalType]*uint256.Int {
	totals := make(map[JournalType]*uint256.Int)
	for _, j := range b.Journals {
		t, ok := totals[j.JournalType]
		if !ok {
			t = new(uint256.Int)
			totals[j.JournalType] = t
		}
		t.Add(t, j.Amount)
	}
	return totals
}
