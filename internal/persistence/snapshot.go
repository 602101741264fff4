package persistence

import (
	"RebaseLedger/internal/auth"
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const snapshotFormatVersion = 1 // JSON-encoded SnapshotData

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds every holder record, the global rate, supply counters,
// allowances, sequence counters, recent idempotency keys and the state hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the persisted form of core.SnapshotState.
type SnapshotData struct {
	Sequence      int64                             `json:"sequence"`
	StateHash     []byte                            `json:"state_hash"`
	Holders       map[uuid.UUID]state.HolderAccount `json:"holders"`
	Rate          *uint256.Int                      `json:"rate"`
	MaxRate       *uint256.Int                      `json:"max_rate"`
	Minted        *uint256.Int                      `json:"minted"`
	Burned        *uint256.Int                      `json:"burned"`
	Interest      *uint256.Int                      `json:"interest"`
	Allowances    []auth.AllowanceEntry             `json:"allowances"`
	RateHistory   []RateChangeSnap                  `json:"rate_history"`
	SequenceState map[string]int64                  `json:"sequence_state"` // partition -> next expected seq
	Processed     []ProcessedSnap                   `json:"processed"`      // Recent commands for LRU warming
	CreatedAt     time.Time                         `json:"created_at"`
}

// ProcessedSnap is a serializable core.ProcessedCommand.
type ProcessedSnap struct {
	Key       string `json:"key"`
	Sequence  int64  `json:"sequence"`
	StateHash []byte `json:"state_hash"`
}

// RateChangeSnap is a serializable rate change.
type RateChangeSnap struct {
	Old      *uint256.Int `json:"old"`
	New      *uint256.Int `json:"new"`
	At       int64        `json:"at"`
	Sequence int64        `json:"sequence"`
}

// NewSnapshotData converts core state for storage.
func NewSnapshotData(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	history := make([]RateChangeSnap, 0, len(s.RateHistory))
	for _, rc := range s.RateHistory {
		history = append(history, RateChangeSnap{Old: rc.Old, New: rc.New, At: rc.At, Sequence: rc.Sequence})
	}
	processed := make([]ProcessedSnap, 0, len(s.Processed))
	for _, p := range s.Processed {
		processed = append(processed, ProcessedSnap{Key: p.Key, Sequence: p.Sequence, StateHash: p.StateHash[:]})
	}
	return &SnapshotData{
		Sequence:      s.Sequence,
		StateHash:     s.StateHash[:],
		Holders:       s.Holders,
		Rate:          s.Rate,
		MaxRate:       s.MaxRate,
		Minted:        s.Minted,
		Burned:        s.Burned,
		Interest:      s.Interest,
		Allowances:    s.Allowances,
		RateHistory:   history,
		SequenceState: s.SequenceState,
		Processed:     processed,
		CreatedAt:     createdAt,
	}
}

// CoreState converts the stored snapshot back to core state.
func (d *SnapshotData) CoreState() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}

	s := &core.SnapshotState{
		Sequence:      d.Sequence,
		Holders:       d.Holders,
		Rate:          d.Rate,
		MaxRate:       d.MaxRate,
		Minted:        d.Minted,
		Burned:        d.Burned,
		Interest:      d.Interest,
		Allowances:    d.Allowances,
		SequenceState: d.SequenceState,
	}
	copy(s.StateHash[:], d.StateHash)
	for _, p := range d.Processed {
		if len(p.StateHash) != 32 {
			return nil, fmt.Errorf("snapshot %d: processed %s has a %d byte hash", d.Sequence, p.Key, len(p.StateHash))
		}
		pc := core.ProcessedCommand{Key: p.Key, Sequence: p.Sequence}
		copy(pc.StateHash[:], p.StateHash)
		s.Processed = append(s.Processed, pc)
	}
	for _, rc := range d.RateHistory {
		s.RateHistory = append(s.RateHistory, state.RateChange{Old: rc.Old, New: rc.New, At: rc.At, Sequence: rc.Sequence})
	}
	return s, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. It starts unverified; VerifyPending
// marks it once the event log agrees with its state hash.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// VerifyPending marks every snapshot whose state hash matches the logged
// hash at its sequence. Returns the number of snapshots verified.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s
		SET verified = TRUE
		FROM event_log.events e
		WHERE e.sequence = s.sequence
		  AND e.state_hash = s.state_hash
		  AND NOT s.verified
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns nil
// when there is none (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, caller, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Caller, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
