package ledger

import (
	"strconv"

	"github.com/google/uuid"
)

// batchNamespace scopes the name-based (v5) ids of journal batches.
var batchNamespace = uuid.MustParse("3f1c5a52-8d0e-5b6a-9c7d-2e4f6a8b0c1d")

// BatchID is derived from the command reference and its sequence, so replay
// and persist retries produce the same ids.
func BatchID(eventRef string, sequence int64) uuid.UUID {
	return uuid.NewSHA1(batchNamespace, []byte(eventRef+"|"+strconv.FormatInt(sequence, 10)))
}

// JournalID is the id of the index-th journal in a batch.
func JournalID(batchID uuid.UUID, index int) uuid.UUID {
	return uuid.NewSHA1(batchID, []byte(strconv.Itoa(index)))
}

// JournalGenerator turns the postings staged in a Tx into an identified batch.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// Generate builds the batch for one command. Commands that only touch
// bookkeeping (rate changes, zero-interest settles) produce an empty batch.
func (jg *JournalGenerator) Generate(tx *Tx, eventRef string, sequence, timestamp int64) *Batch {
	batchID := BatchID(eventRef, sequence)
	postings := tx.Postings()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(postings)),
	}

	for i, p := range postings {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     JournalID(batchID, i),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      sequence,
			DebitAccount:  p.DebitAccount,
			CreditAccount: p.CreditAccount,
			Amount:        p.Amount.Clone(),
			JournalType:   p.JournalType,
			Timestamp:     p.Timestamp,
		})
	}

	jg.sequence = sequence + 1
	return batch
}

// Sequence returns the next sequence the generator expects.
func (jg *JournalGenerator) Sequence() int64 { return jg.sequence }

// SetSequence is used after snapshot restore.
func (jg *JournalGenerator) SetSequence(seq int64) { jg.sequence = seq }
