package ingestion

import (
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/observability"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// CommandStream holds inbound commands; the subject suffix is the command kind.
	CommandStream  = "REBASE_COMMANDS"
	CommandSubject = "rebase.cmd.>"
	commandPrefix  = "rebase.cmd."

	// EventStream holds envelopes of applied commands.
	EventStream  = "REBASE_LEDGER_EVENTS"
	EventSubject = "rebase.ledger.events.>"
	eventPrefix  = "rebase.ledger.events."

	streamMaxAge = 72 * time.Hour
)

// Acknowledger settles a delivered message. jetstream.Msg implements it.
type Acknowledger interface {
	Ack() error
	Nak() error
	Term() error
}

// RawEvent is a received message before parsing.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	Msg       Acknowledger
}

// verdict is how a message is settled once the core has seen it.
type verdict int

const (
	verdictAck  verdict = iota // applied, or rejected for good
	verdictNak                 // transient failure, redeliver
	verdictTerm                // malformed, never redeliver
)

func (v verdict) settle(msg Acknowledger) error {
	switch v {
	case verdictNak:
		return msg.Nak()
	case verdictTerm:
		return msg.Term()
	default:
		return msg.Ack()
	}
}

// NATSSubscriber feeds JetStream commands to the core loop. Every command
// kind shares one durable consumer with a single message in flight, so the
// core sees commands in stream order and a message is settled only after
// the core's verdict.
type NATSSubscriber struct {
	js       jetstream.JetStream
	submitCh chan<- Submission
	metrics  *observability.Metrics
	logger   zerolog.Logger
	consume  jetstream.ConsumeContext
}

func NewNATSSubscriber(
	js jetstream.JetStream,
	submitCh chan<- Submission,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *NATSSubscriber {
	return &NATSSubscriber{
		js:       js,
		submitCh: submitCh,
		metrics:  metrics,
		logger:   logger,
	}
}

// Subscribe binds the durable consumer on CommandStream and starts
// consuming. Redelivery gives up after 5 attempts 30s apart.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, durable string) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: CommandSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ns.handle(ctx, RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			Msg:       msg,
		})
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	ns.consume = cc

	ns.logger.Info().Str("subject", CommandSubject).Str("consumer", durable).Msg("subscribed")
	return nil
}

// handle parses one message and queues it for the core. It blocks until the
// core loop takes it, which pushes backpressure onto JetStream.
func (ns *NATSSubscriber) handle(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		ns.countError("parse")
		ns.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("terminating malformed command")
		ns.settle(raw, verdictTerm)
		return
	}
	if ns.metrics != nil {
		ns.metrics.IngestReceived.WithLabelValues("nats", evt.EventType().String()).Inc()
	}

	sub := Submission{
		Event: evt,
		Done: func(_ core.Receipt, err error) {
			ns.settle(raw, ns.judge(evt, err))
		},
	}

	select {
	case ns.submitCh <- sub:
	case <-ctx.Done():
		ns.settle(raw, verdictNak)
	}
}

// judge maps the core's result onto a verdict. Business rejections are
// final and acked; anything else may succeed on redelivery.
func (ns *NATSSubscriber) judge(evt event.Event, err error) verdict {
	if err == nil {
		return verdictAck
	}
	if IsRejection(err) {
		ns.logger.Info().
			Err(err).
			Str("command_type", evt.EventType().String()).
			Str("idempotency_key", evt.IdempotencyKey()).
			Msg("command rejected")
		return verdictAck
	}
	ns.countError("process")
	return verdictNak
}

func (ns *NATSSubscriber) settle(raw RawEvent, v verdict) {
	if err := v.settle(raw.Msg); err != nil {
		ns.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("settle message failed")
	}
}

func (ns *NATSSubscriber) countError(kind string) {
	if ns.metrics != nil {
		ns.metrics.IngestErrors.WithLabelValues("nats", kind).Inc()
	}
}

// Stop stops consuming. Messages in flight are redelivered after AckWait.
func (ns *NATSSubscriber) Stop() {
	if ns.consume != nil {
		ns.consume.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// CommandKind returns the command type named by a subject's suffix
// (rebase.cmd.transfer_from -> TransferFrom).
func CommandKind(subject string) event.EventType {
	kind, ok := strings.CutPrefix(subject, commandPrefix)
	if !ok {
		return event.EventTypeUnknown
	}
	return event.ParseEventType(kind)
}

// CommandSubjectFor is the inbound subject for a command type.
func CommandSubjectFor(et event.EventType) string {
	return commandPrefix + et.Subject()
}

// EnsureStreams creates or updates the command and event streams: file
// storage, limits retention, 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	for name, subject := range map[string]string{
		CommandStream: CommandSubject,
		EventStream:   EventSubject,
	} {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		logger.Info().Str("stream", name).Str("subject", subject).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS dials url with unlimited reconnects and opens JetStream.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("rebaseledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
