package persistence

import (
	"RebaseLedger/internal/core"
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the tier-2 dedup lookup against the event log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// LookupReceipt returns the sequence and state hash a logged command was
// applied at. found is false when the command is not in the log.
func (pic *PostgresIdempotencyChecker) LookupReceipt(eventType string, idempotencyKey string) (core.Receipt, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var (
		r    core.Receipt
		hash []byte
	)
	err := pic.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash
		FROM event_log.events
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, eventType, idempotencyKey).Scan(&r.Sequence, &hash)

	if errors.Is(err, sql.ErrNoRows) {
		return core.Receipt{}, false, nil
	}
	if err != nil {
		return core.Receipt{}, false, err
	}
	copy(r.StateHash[:], hash)
	return r, true, nil
}

// LoadRecent returns the most recent logged commands with their receipts,
// most recent first, for warming the LRU after a restart.
func (pic *PostgresIdempotencyChecker) LoadRecent(ctx context.Context, limit int) ([]core.ProcessedCommand, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key, sequence, state_hash
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cmds := make([]core.ProcessedCommand, 0, limit)
	for rows.Next() {
		var (
			eventType, key string
			pc             core.ProcessedCommand
			hash           []byte
		)
		if err := rows.Scan(&eventType, &key, &pc.Sequence, &hash); err != nil {
			return nil, err
		}
		pc.Key = core.CompositeKey(eventType, key)
		copy(pc.StateHash[:], hash)
		cmds = append(cmds, pc)
	}
	return cmds, rows.Err()
}
