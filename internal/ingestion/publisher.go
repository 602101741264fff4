package ingestion

import (
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied commands to NATS for downstream consumers.
// Subjects follow the pattern: rebase.ledger.events.{CommandType}
type OutboundPublisher struct {
	js      Publisher
	input   chan PublishableEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// PublishableEvent is the outbound form of one applied command.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         uuid.UUID       `json:"caller"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPublishableEvent builds the outbound form of a core output.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
}

func NewOutboundPublisher(js Publisher, bufferSize int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	if bufferSize <= 0 {
		bufferSize = 2048
	}
	return &OutboundPublisher{
		js:      js,
		input:   make(chan PublishableEvent, bufferSize),
		metrics: metrics,
		logger:  logger,
	}
}

// Enqueue hands an output to the publisher without blocking. Outbound events
// are best effort; consumers that miss one can read the event log.
func (op *OutboundPublisher) Enqueue(out core.CoreOutput) bool {
	if out.Envelope == nil {
		return false
	}
	select {
	case op.input <- NewPublishableEvent(out):
		return true
	default:
		op.drop()
		return false
	}
}

// Close stops accepting events; Run drains what is queued and returns.
func (op *OutboundPublisher) Close() {
	close(op.input)
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.input:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				op.drop()
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Dedup on the stream side if the same sequence is published twice
	_, err = op.js.Publish(ctx, EventSubjectFor(evt.EventType), data,
		jetstream.WithMsgID(fmt.Sprintf("seq-%d", evt.Sequence)))
	return err
}

func (op *OutboundPublisher) drop() {
	if op.metrics != nil {
		op.metrics.PublishDrops.Inc()
	}
}

// EventSubjectFor is the outbound subject for a command type name.
func EventSubjectFor(eventType string) string {
	return eventPrefix + eventType
}
