package ledger

import (
	"RebaseLedger/internal/state"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Store is the key-value contract the ledger reads and writes through:
// holder records by holder ID and the single global rate.
// Returned values are copies.
type Store interface {
	GetHolder(holder uuid.UUID) state.HolderAccount
	PutHolder(holder uuid.UUID, acct state.HolderAccount)
	GetRate() *uint256.Int
	PutRate(rate *uint256.Int)
}

// MemoryStore is the in-memory Store owned by the core.
type MemoryStore struct {
	mu      sync.RWMutex
	holders map[uuid.UUID]state.HolderAccount
	rate    *uint256.Int
}

func NewMemoryStore(initialRate *uint256.Int) *MemoryStore {
	if initialRate == nil {
		initialRate = new(uint256.Int)
	}
	return &MemoryStore{
		holders: make(map[uuid.UUID]state.HolderAccount),
		rate:    initialRate.Clone(),
	}
}

// GetHolder returns the holder record, or the all-zero record if unknown.
func (s *MemoryStore) GetHolder(holder uuid.UUID) state.HolderAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.holders[holder]
	if !ok {
		return state.NewHolderAccount()
	}
	return acct.Clone()
}

func (s *MemoryStore) PutHolder(holder uuid.UUID, acct state.HolderAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[holder] = acct.Clone()
}

func (s *MemoryStore) GetRate() *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate.Clone()
}

func (s *MemoryStore) PutRate(rate *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate.Clone()
}

// HasHolder reports whether a record was ever written for holder.
func (s *MemoryStore) HasHolder(holder uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.holders[holder]
	return ok
}

// TotalPrincipal sums settled principal over all holders.
func (s *MemoryStore) TotalPrincipal() *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := new(uint256.Int)
	for _, acct := range s.holders {
		total.Add(total, acct.Principal)
	}
	return total
}

// HolderIDs returns every known holder sorted by storage path.
func (s *MemoryStore) HolderIDs() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.holders))
	for id := range s.holders {
		ids = append(ids, id)
	}
	sortHolders(ids)
	return ids
}

// Snapshot returns a copy of all holder records (for snapshots and hashing)
func (s *MemoryStore) Snapshot() map[uuid.UUID]state.HolderAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID]state.HolderAccount, len(s.holders))
	for id, acct := range s.holders {
		out[id] = acct.Clone()
	}
	return out
}

// Restore replaces the store contents. Used on warm start only.
func (s *MemoryStore) Restore(holders map[uuid.UUID]state.HolderAccount, rate *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.holders = make(map[uuid.UUID]state.HolderAccount, len(holders))
	for id, acct := range holders {
		s.holders[id] = acct.Clone()
	}
	if rate != nil {
		s.rate = rate.Clone()
	}
}

func sortHolders(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return HolderPath(ids[i]) < HolderPath(ids[j])
	})
}
