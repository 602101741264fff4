package projection

import (
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/ledger"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// InterestHistoryEntry records one settlement that credited interest to a holder.
type InterestHistoryEntry struct {
	Holder    uuid.UUID
	Amount    *uint256.Int
	Sequence  int64
	JournalID uuid.UUID
	Timestamp int64
}

// InterestHistoryProjection keeps the most recent settlements in memory.
type InterestHistoryProjection struct {
	mu       sync.RWMutex
	entries  []InterestHistoryEntry
	capacity int
}

func NewInterestHistoryProjection(capacity int) *InterestHistoryProjection {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &InterestHistoryProjection{
		entries:  make([]InterestHistoryEntry, 0),
		capacity: capacity,
	}
}

// Apply records the settle journals of one core output.
func (p *InterestHistoryProjection) Apply(output core.CoreOutput) {
	if output.Batch == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, j := range output.Batch.Journals {
		if j.JournalType != ledger.JournalTypeSettle {
			continue
		}
		holder, ok := j.DebitAccount.Holder()
		if !ok {
			continue
		}
		p.entries = append(p.entries, InterestHistoryEntry{
			Holder:    holder,
			Amount:    j.Amount.Clone(),
			Sequence:  j.Sequence,
			JournalID: j.JournalID,
			Timestamp: j.Timestamp,
		})
	}

	if over := len(p.entries) - p.capacity; over > 0 {
		p.entries = append(p.entries[:0:0], p.entries[over:]...)
	}
}

// QueryByHolder returns settlements for a holder, newest first
func (p *InterestHistoryProjection) QueryByHolder(holder uuid.UUID, limit int) []InterestHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]InterestHistoryEntry, 0)
	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].Holder == holder {
			result = append(result, p.entries[i])
		}
	}
	return result
}

// Len returns the number of retained entries.
func (p *InterestHistoryProjection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
