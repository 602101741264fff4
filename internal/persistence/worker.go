package persistence

import (
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/observability"
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

const (
	retryInitial = 100 * time.Millisecond
	retryMax     = 30 * time.Second
)

// PersistenceWorker appends core outputs to the event log in batches. The
// core blocks on the persist channel, so a slow database stalls command
// processing rather than losing commands.
type PersistenceWorker struct {
	writer    *EventLogWriter
	in        <-chan core.CoreOutput
	batchSize int
	maxWait   time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	in <-chan core.CoreOutput,
	batchSize int,
	maxWait time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:    NewEventLogWriter(db),
		in:        in,
		batchSize: batchSize,
		maxWait:   maxWait,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run writes a batch when it reaches batchSize or when the oldest pending
// record has waited maxWait. On ctx cancellation or a closed input it writes
// whatever is pending and returns.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	pending := make([]Record, 0, pw.batchSize)

	var deadline <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	write := func(ctx context.Context, why string) {
		if len(pending) > 0 {
			pw.writeBatch(ctx, pending, why)
			pending = pending[:0]
		}
		deadline = nil
	}

	for {
		select {
		case <-ctx.Done():
			write(context.Background(), "shutdown")
			return ctx.Err()

		case out, ok := <-pw.in:
			if !ok {
				write(context.Background(), "closed")
				return nil
			}
			pending = append(pending, NewRecord(out))
			if len(pending) >= pw.batchSize {
				write(ctx, "full")
				continue
			}
			if deadline == nil {
				if timer == nil {
					timer = time.NewTimer(pw.maxWait)
				} else {
					timer.Reset(pw.maxWait)
				}
				deadline = timer.C
			}

		case <-deadline:
			write(ctx, "timeout")
		}
	}
}

// writeBatch keeps retrying with exponential backoff until the write lands.
// Once ctx is done it makes a last attempt on a fresh context and logs the
// loss if that fails too.
func (pw *PersistenceWorker) writeBatch(ctx context.Context, batch []Record, why string) {
	first, last := batch[0].Event.Sequence, batch[len(batch)-1].Event.Sequence
	wait := retryInitial

	for attempt := 1; ; attempt++ {
		err := pw.write(ctx, batch)
		if err == nil {
			if attempt > 1 {
				pw.logger.Info().Int("attempts", attempt).Int64("last_seq", last).Msg("event log write recovered")
			}
			return
		}

		pw.logger.Error().Err(err).
			Str("reason", why).
			Int("attempt", attempt).
			Int64("first_seq", first).
			Int64("last_seq", last).
			Msg("event log write failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write").Inc()
			pw.metrics.PersistRetry.Inc()
		}

		select {
		case <-ctx.Done():
			if err := pw.write(context.Background(), batch); err != nil {
				pw.logger.Error().Err(err).
					Int64("first_seq", first).
					Int64("last_seq", last).
					Msg("event log write abandoned; replay will stop before this range")
			}
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, retryMax)
	}
}

func (pw *PersistenceWorker) write(ctx context.Context, batch []Record) error {
	start := time.Now()
	if err := pw.writer.WriteRecords(ctx, batch); err != nil {
		return err
	}
	if pw.metrics == nil {
		return nil
	}

	journals := 0
	for _, r := range batch {
		journals += len(r.Journals)
	}
	pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
	pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
	pw.metrics.PersistEventsWritten.Add(float64(len(batch)))
	pw.metrics.PersistJournalsWritten.Add(float64(journals))
	pw.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Event.Sequence))
	return nil
}
