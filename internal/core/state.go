package core

import (
	"RebaseLedger/internal/auth"
	lerrors "RebaseLedger/internal/errors"
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/ledger"
	"RebaseLedger/internal/state"
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SnapshotState is the full in-memory state of the core at one sequence.
type SnapshotState struct {
	Sequence      int64
	StateHash     [32]byte
	Holders       map[uuid.UUID]state.HolderAccount
	Rate          *uint256.Int
	MaxRate       *uint256.Int
	Minted        *uint256.Int
	Burned        *uint256.Int
	Interest      *uint256.Int
	Allowances    []auth.AllowanceEntry
	RateHistory   []state.RateChange
	SequenceState map[string]int64
	Processed     []ProcessedCommand
}

// HolderView is a read-only view of one holder at a given time.
type HolderView struct {
	Holder  uuid.UUID
	Account state.HolderAccount
	Balance *uint256.Int
	Known   bool
}

// ErrStateHashMismatch is returned by ReplayEnvelope when re-applying a
// logged command does not reproduce its recorded hash.
var ErrStateHashMismatch = lerrors.New("state hash mismatch")

// computeStateDigest creates canonical bytes for the state hash: every
// record the command wrote, in a fixed order, each prefixed by its path.
func (c *DeterministicCore) computeStateDigest(tx *ledger.Tx, allowance *auth.AllowanceEntry) []byte {
	var buf bytes.Buffer

	writeRecord := func(path string, value []byte) {
		buf.WriteByte(byte(len(path)))
		buf.WriteString(path)
		buf.Write(value)
	}

	// Touched is sorted
	for _, id := range tx.Touched() {
		writeRecord(ledger.HolderPath(id), c.store.GetHolder(id).CanonicalBytes())
	}

	if tx.RateChanged() {
		rate := c.store.GetRate().Bytes32()
		writeRecord("global:rate", rate[:])
	}

	if allowance != nil {
		path := fmt.Sprintf("allowance:%s:%s", allowance.Owner, allowance.Spender)
		amount := allowance.Amount.String()
		writeRecord(path, append([]byte{byte(len(amount))}, amount...))
	}

	return buf.Bytes()
}

// --- Reads ---

// GetRate returns the current global rate.
func (c *DeterministicCore) GetRate() *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.GetRate()
}

// GetUserRate returns the rate locked by holder (zero for unknown holders).
func (c *DeterministicCore) GetUserRate(holder uuid.UUID) *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.GetHolder(holder).LockedRate
}

// PrincipalBalanceOf returns the stored principal without accrual.
func (c *DeterministicCore) PrincipalBalanceOf(holder uuid.UUID) *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.GetHolder(holder).Principal
}

// BalanceOf returns the displayed balance of holder at now.
func (c *DeterministicCore) BalanceOf(holder uuid.UUID, now int64) (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ledger.BalanceOf(c.store, holder, now)
}

// GetHolder returns the stored record and displayed balance of holder.
func (c *DeterministicCore) GetHolder(holder uuid.UUID, now int64) (HolderView, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	balance, err := ledger.BalanceOf(c.store, holder, now)
	if err != nil {
		return HolderView{}, err
	}
	return HolderView{
		Holder:  holder,
		Account: c.store.GetHolder(holder),
		Balance: balance,
		Known:   c.store.HasHolder(holder),
	}, nil
}

// ListHolders returns every holder with a stored record, sorted.
func (c *DeterministicCore) ListHolders() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.HolderIDs()
}

// Allowance returns what spender may still move out of owner's balance.
func (c *DeterministicCore) Allowance(owner, spender uuid.UUID) ledger.Amount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy.Allowances.Allowance(owner, spender)
}

// RateHistory returns accepted rate changes, oldest first.
func (c *DeterministicCore) RateHistory() []state.RateChange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]state.RateChange, len(c.rateHistory))
	copy(out, c.rateHistory)
	return out
}

// SupplyTotals returns the supply counters and the current total principal.
func (c *DeterministicCore) SupplyTotals() (minted, burned, interest, total *uint256.Int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	minted, burned, interest = c.supply.Totals()
	return minted, burned, interest, c.store.TotalPrincipal()
}

// ValidateSupply runs the global supply check on demand.
func (c *DeterministicCore) ValidateSupply() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validator.ValidateSupply(c.store)
}

// Policy returns the capability policy the core authorizes against.
func (c *DeterministicCore) Policy() *auth.Policy {
	return c.policy
}

// GetSequence returns the next sequence the core will assign.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}

// --- Snapshots and replay ---

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	c.mu.RLock()
	defer c.mu.RUnlock()

	minted, burned, interest := c.supply.Totals()
	history := make([]state.RateChange, len(c.rateHistory))
	copy(history, c.rateHistory)

	return &SnapshotState{
		Sequence:      c.sequence - 1, // Last processed sequence
		StateHash:     c.hasher.GetPrevHash(),
		Holders:       c.store.Snapshot(),
		Rate:          c.store.GetRate(),
		MaxRate:       c.maxRate.Clone(),
		Minted:        minted,
		Burned:        burned,
		Interest:      interest,
		Allowances:    c.policy.Allowances.Entries(),
		RateHistory:   history,
		SequenceState: c.sequenceValidator.Partitions(),
		Processed:     c.idempotency.Recent(),
	}
}

// RestoreFromSnapshot replaces the in-memory state with snap.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence = snap.Sequence + 1 // Next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)
	c.journalGen.SetSequence(c.sequence)

	rate := snap.Rate
	if rate == nil {
		rate = new(uint256.Int)
	}
	c.store.Restore(snap.Holders, rate)

	c.maxRate = rate.Clone()
	if snap.MaxRate != nil && snap.MaxRate.Gt(c.maxRate) {
		c.maxRate = snap.MaxRate.Clone()
	}

	c.supply.Restore(orZero(snap.Minted), orZero(snap.Burned), orZero(snap.Interest))
	c.policy.Allowances.Restore(snap.Allowances)

	c.rateHistory = make([]state.RateChange, len(snap.RateHistory))
	copy(c.rateHistory, snap.RateHistory)

	c.sequenceValidator.Restore(snap.SequenceState)
	c.idempotency.Warm(snap.Processed)

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("holders", len(snap.Holders)).
		Str("rate", rate.Dec()).
		Msg("state restored from snapshot")
}

// WarmLRU preloads applied commands, most recent first.
func (c *DeterministicCore) WarmLRU(cmds []ProcessedCommand) {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	c.idempotency.Warm(cmds)
}

// ReplayEnvelope re-applies a logged command during recovery. The command is
// not re-authorized and nothing is emitted; the recomputed state hash must
// match the logged one.
func (c *DeterministicCore) ReplayEnvelope(env *event.EventEnvelope) error {
	if next := c.GetSequence(); env.Sequence != next {
		return fmt.Errorf("replay out of order: expected sequence %d, got %d", next, env.Sequence)
	}

	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}

	receipt, err := c.process(evt, true)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}

	if receipt.StateHash != env.StateHash {
		return fmt.Errorf("%w at sequence %d: computed=%x logged=%x",
			ErrStateHashMismatch, env.Sequence, receipt.StateHash, env.StateHash)
	}
	return nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
