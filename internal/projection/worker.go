package projection

import (
	"RebaseLedger/internal/auth"
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/observability"
	"RebaseLedger/internal/state"
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProjectionWorker updates the projection tables from core outputs.
// The projection channel is non-blocking with drop; projections that fall
// behind are rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	history   *InterestHistoryProjection
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	history *InterestHistoryProjection,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if pw.history != nil {
				pw.history.Apply(output)
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent and can be rebuilt.
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionDrops.WithLabelValues("db").Inc()
				}
			}

			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

// LastSequence returns the last sequence the worker consumed.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	if pw.db == nil {
		return nil
	}
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, h := range output.Holders {
		if err := upsertHolder(ctx, tx, h.Holder, h.Account, seq); err != nil {
			return fmt.Errorf("holder projection: %w", err)
		}
	}

	if rc := output.RateChange; rc != nil {
		if err := insertRateChange(ctx, tx, *rc, seq); err != nil {
			return fmt.Errorf("rate history: %w", err)
		}
	}

	if a := output.Allowance; a != nil {
		if err := upsertAllowance(ctx, tx, *a, seq); err != nil {
			return fmt.Errorf("allowance projection: %w", err)
		}
	}

	if err := setWatermark(ctx, tx, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// Rebuild replaces every projection table with the given core state, as
// produced by replaying the event log into a fresh core.
func (pw *ProjectionWorker) Rebuild(ctx context.Context, snap *core.SnapshotState) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.holders`,
		`TRUNCATE projections.rate_history`,
		`TRUNCATE projections.allowances`,
		`UPDATE projections.watermark SET last_sequence = 0 WHERE id = 1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	for id, acct := range snap.Holders {
		if err := upsertHolder(ctx, tx, id, acct, snap.Sequence); err != nil {
			return err
		}
	}
	for _, rc := range snap.RateHistory {
		if err := insertRateChange(ctx, tx, rc, rc.Sequence); err != nil {
			return err
		}
	}
	for _, a := range snap.Allowances {
		if err := upsertAllowance(ctx, tx, a, snap.Sequence); err != nil {
			return err
		}
	}
	if err := setWatermark(ctx, tx, snap.Sequence); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	pw.logger.Info().Int64("sequence", snap.Sequence).Int("holders", len(snap.Holders)).Msg("projection rebuild complete")
	return nil
}

func upsertHolder(ctx context.Context, tx *sql.Tx, id uuid.UUID, acct state.HolderAccount, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.holders (holder_id, principal, locked_rate, last_settled, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (holder_id) DO UPDATE
			SET principal = $2, locked_rate = $3, last_settled = $4, last_sequence = $5, updated_at = NOW()
			WHERE projections.holders.last_sequence <= $5
	`, id, acct.Principal.Dec(), acct.LockedRate.Dec(), acct.LastSettled, seq)
	return err
}

func insertRateChange(ctx context.Context, tx *sql.Tx, rc state.RateChange, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.rate_history (sequence, old_rate, new_rate, changed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, rc.Old.Dec(), rc.New.Dec(), rc.At)
	return err
}

func upsertAllowance(ctx context.Context, tx *sql.Tx, a auth.AllowanceEntry, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.allowances (owner_id, spender_id, amount, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (owner_id, spender_id) DO UPDATE
			SET amount = $3, last_sequence = $4, updated_at = NOW()
			WHERE projections.allowances.last_sequence <= $4
	`, a.Owner, a.Spender, a.Amount.String(), seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.watermark SET last_sequence = GREATEST(last_sequence, $1) WHERE id = 1
	`, seq)
	return err
}
