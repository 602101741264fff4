package main

import (
	"RebaseLedger/internal/config"
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/observability"
	"RebaseLedger/internal/persistence"
	"RebaseLedger/internal/projection"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	replayBatchSize = 1000
	warmKeyLimit    = 100_000
)

// recoverState restores the latest verified snapshot, warms the idempotency
// LRU and replays every logged command after the snapshot. A replayed command
// whose recomputed state hash differs from the logged one aborts startup.
func recoverState(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker,
	cfg config.Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	// Snapshots taken before the log caught up are verified now
	if n, err := snapMgr.VerifyPending(ctx); err != nil {
		logger.Warn().Err(err).Msg("verify pending snapshots failed")
	} else if n > 0 {
		logger.Info().Int64("count", n).Msg("snapshots verified")
	}

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	from := int64(1)
	if snap != nil {
		state, err := snap.CoreState()
		if err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		c.RestoreFromSnapshot(state)
		from = snap.Sequence + 1
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 1")
	}

	recent, err := dbChecker.LoadRecent(ctx, min(cfg.IdempotencyLRUCapacity, warmKeyLimit))
	if err != nil {
		logger.Warn().Err(err).Msg("load recent commands failed")
	} else if len(recent) > 0 {
		c.WarmLRU(recent)
		logger.Info().Int("keys", len(recent)).Msg("idempotency LRU warmed")
	}

	start := time.Now()
	replayed, err := replayEventLog(ctx, c, snapMgr, from)
	if err != nil {
		return err
	}
	metrics.ReplayEventsTotal.Add(float64(replayed))
	metrics.ReplayDuration.Set(time.Since(start).Seconds())

	if err := c.ValidateSupply(); err != nil {
		return fmt.Errorf("supply check after recovery: %w", err)
	}

	tip := c.GetStateHash()
	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", c.GetSequence()).
		Hex("state_hash", tip[:]).
		Dur("duration", time.Since(start)).
		Msg("recovery complete")
	return nil
}

// replayEventLog re-applies logged commands from fromSequence to the head.
func replayEventLog(ctx context.Context, c *core.DeterministicCore, snapMgr *persistence.SnapshotManager, fromSequence int64) (int64, error) {
	var total int64
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, replayBatchSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return total, fmt.Errorf("decode event %d: %w", row.Sequence, err)
			}
			if err := c.ReplayEnvelope(env); err != nil {
				return total, err
			}
			total++
		}
		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}

// adminOps implements server.Admin on top of the live core.
type adminOps struct {
	core       *core.DeterministicCore
	snapMgr    *persistence.SnapshotManager
	projWorker *projection.ProjectionWorker
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// TakeSnapshot captures and stores the core state. The snapshot stays
// unverified until the persistence worker has logged its sequence.
func (a *adminOps) TakeSnapshot(ctx context.Context) (int64, error) {
	start := time.Now()

	state := a.core.CreateSnapshotState()
	if state.Sequence < 1 {
		return 0, nil
	}

	size, err := a.snapMgr.SaveSnapshot(ctx, persistence.NewSnapshotData(state, time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}

	a.metrics.SnapshotTaken.Inc()
	a.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	a.metrics.SnapshotSizeBytes.Set(float64(size))
	a.metrics.SnapshotLastSeq.Set(float64(state.Sequence))

	a.logger.Info().Int64("sequence", state.Sequence).Int("bytes", size).Msg("snapshot saved")
	return state.Sequence, nil
}

// RebuildProjections rewrites the projection tables from the live core state.
func (a *adminOps) RebuildProjections(ctx context.Context) (int64, error) {
	state := a.core.CreateSnapshotState()
	if err := a.projWorker.Rebuild(ctx, state); err != nil {
		return 0, fmt.Errorf("rebuild projections: %w", err)
	}
	return state.Sequence, nil
}

// runPeriodic snapshots every interval commands and verifies pending
// snapshots on each tick.
func (a *adminOps) runPeriodic(ctx context.Context, tick time.Duration, interval int64) {
	lastSnapshotSeq := a.core.GetSequence() - 1
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.snapMgr.VerifyPending(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("verify pending snapshots failed")
			}

			current := a.core.GetSequence() - 1
			if current-lastSnapshotSeq < interval {
				continue
			}
			seq, err := a.TakeSnapshot(ctx)
			if err != nil {
				a.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = seq
		}
	}
}
