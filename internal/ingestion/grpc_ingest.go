package ingestion

import (
	"RebaseLedger/internal/core"
	lerrors "RebaseLedger/internal/errors"
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Submission is one command on its way to the core. Done is called exactly
// once, from the core loop, with the outcome.
type Submission struct {
	Event event.Event
	Done  func(core.Receipt, error)
}

// Processor applies one command. *core.DeterministicCore satisfies it.
type Processor interface {
	ProcessEvent(evt event.Event) (core.Receipt, error)
}

// RunCoreLoop is the single goroutine that feeds the core. Every ingestion
// source funnels through in, so commands are applied one at a time in
// arrival order.
func RunCoreLoop(ctx context.Context, in <-chan Submission, p Processor, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub, ok := <-in:
			if !ok {
				return
			}

			receipt, err := p.ProcessEvent(sub.Event)
			if err != nil {
				logger.Debug().
					Err(err).
					Str("command_type", sub.Event.EventType().String()).
					Str("idempotency_key", sub.Event.IdempotencyKey()).
					Msg("command not applied")
			}
			if sub.Done != nil {
				sub.Done(receipt, err)
			}
		}
	}
}

// IsRejection reports whether err is a final verdict on the command rather
// than a transient failure. Rejected commands must not be retried as-is.
func IsRejection(err error) bool {
	for _, kind := range []error{
		lerrors.ErrRateChangeRejected,
		lerrors.ErrInsufficientPrincipal,
		lerrors.ErrUnauthorized,
		lerrors.ErrClockRegression,
		lerrors.ErrArithmeticOverflow,
		lerrors.ErrInvalidCommand,
		lerrors.ErrSequence,
	} {
		if lerrors.Is(err, kind) {
			return true
		}
	}
	return false
}

type result struct {
	receipt core.Receipt
	err     error
}

// GRPCIngestService submits commands from the RPC surface and waits for the
// core's verdict, so callers get the outcome synchronously.
type GRPCIngestService struct {
	submitCh chan<- Submission
	timeout  time.Duration
	metrics  *observability.Metrics
}

func NewGRPCIngestService(submitCh chan<- Submission, metrics *observability.Metrics) *GRPCIngestService {
	return &GRPCIngestService{
		submitCh: submitCh,
		timeout:  10 * time.Second,
		metrics:  metrics,
	}
}

// Submit queues evt and blocks until the core has applied or rejected it.
func (s *GRPCIngestService) Submit(ctx context.Context, evt event.Event) (core.Receipt, error) {
	if s.metrics != nil {
		s.metrics.IngestReceived.WithLabelValues("grpc", evt.EventType().String()).Inc()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Buffered so the core loop never blocks on a caller that gave up
	reply := make(chan result, 1)
	sub := Submission{
		Event: evt,
		Done: func(r core.Receipt, err error) {
			reply <- result{receipt: r, err: err}
		},
	}

	select {
	case s.submitCh <- sub:
	case <-ctx.Done():
		s.countError("enqueue")
		return core.Receipt{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.receipt, r.err
	case <-ctx.Done():
		// The command may still be applied; a retry with the same
		// command_id is deduplicated.
		s.countError("timeout")
		return core.Receipt{}, ctx.Err()
	}
}

func (s *GRPCIngestService) countError(kind string) {
	if s.metrics != nil {
		s.metrics.IngestErrors.WithLabelValues("grpc", kind).Inc()
	}
}
