package persistence

import (
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/event"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Caller         uuid.UUID
	Payload        []byte // JSON-encoded command, stored as JSONB
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        string // decimal, NUMERIC(78,0)
	JournalType   string
	Timestamp     int64
}

// Record is what the persistence worker writes for one core output.
type Record struct {
	Event    EventRow
	Journals []JournalRow
}

// NewRecord converts a core output to rows.
func NewRecord(out core.CoreOutput) Record {
	env := out.Envelope
	rec := Record{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Caller:         env.Caller,
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
	}
	if out.Batch == nil {
		return rec
	}
	rec.Journals = make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		rec.Journals = append(rec.Journals, JournalRow{
			JournalID:     j.JournalID,
			BatchID:       j.BatchID,
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Amount:        j.Amount.Dec(),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rec
}

// Envelope decodes the row back into an envelope for replay.
func (e EventRow) Envelope() (*event.EventEnvelope, error) {
	et := event.ParseEventType(e.EventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("sequence %d: unknown event type %q", e.Sequence, e.EventType)
	}
	if len(e.StateHash) != 32 || len(e.PrevHash) != 32 {
		return nil, fmt.Errorf("sequence %d: malformed hash", e.Sequence)
	}

	env := &event.EventEnvelope{
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		EventType:      et,
		Caller:         e.Caller,
		Timestamp:      e.Timestamp,
		SourceSequence: e.SourceSequence,
		Payload:        e.Payload,
	}
	copy(env.StateHash[:], e.StateHash)
	copy(env.PrevHash[:], e.PrevHash)
	return env, nil
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, caller, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	const cols = 9
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Caller,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, amount, journal_type, timestamp)
		VALUES `

	const cols = 9
	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteRecords writes events and journals in one transaction.
func (w *EventLogWriter) WriteRecords(ctx context.Context, records []Record) error {
	events := make([]EventRow, 0, len(records))
	var journals []JournalRow
	for _, r := range records {
		events = append(events, r.Event)
		journals = append(journals, r.Journals...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := w.WriteJournalBatch(ctx, tx, journals); err != nil {
		return fmt.Errorf("write journals: %w", err)
	}
	return tx.Commit()
}

// placeholders renders "($n+1, ..., $n+cols)".
func placeholders(offset, cols int) string {
	var b strings.Builder
	b.WriteByte('(')
	for c := 1; c <= cols; c++ {
		if c > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", offset+c)
	}
	b.WriteByte(')')
	return b.String()
}
