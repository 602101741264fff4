package ingestion_test

import (
	"RebaseLedger/internal/auth"
	"RebaseLedger/internal/core"
	lerrors "RebaseLedger/internal/errors"
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/ingestion"
	"RebaseLedger/internal/ledger"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

func startLoop(t *testing.T) (*ingestion.GRPCIngestService, uuid.UUID, chan core.CoreOutput) {
	t.Helper()

	owner := uuid.New()
	outputs := make(chan core.CoreOutput, 16)
	c := core.NewDeterministicCore(core.CoreConfig{
		StartSequence: 1,
		InitialRate:   uint256.NewInt(1_000_000_000_000),
		Policy:        auth.NewPolicy(owner),
	}, outputs, nil, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	submitCh := make(chan ingestion.Submission)
	done := make(chan struct{})
	go func() {
		ingestion.RunCoreLoop(ctx, submitCh, c, zerolog.Nop())
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return ingestion.NewGRPCIngestService(submitCh, nil), owner, outputs
}

func TestSubmit_ReturnsReceipt(t *testing.T) {
	svc, owner, outputs := startLoop(t)
	ctx := context.Background()

	mint := &event.Mint{
		CommandID: uuid.New(),
		Caller:    owner,
		To:        uuid.New(),
		Amount:    uint256.NewInt(100),
		Timestamp: time.Unix(1_700_000_000, 0),
	}

	receipt, err := svc.Submit(ctx, mint)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Sequence != 1 || receipt.Duplicate {
		t.Fatalf("receipt: got %+v", receipt)
	}
	out := <-outputs
	if out.Envelope.StateHash != receipt.StateHash {
		t.Errorf("receipt hash does not match emitted envelope")
	}

	// Same command again is a duplicate, not an error
	again, err := svc.Submit(ctx, mint)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !again.Duplicate {
		t.Errorf("expected duplicate receipt, got %+v", again)
	}
}

func TestSubmit_PropagatesRejection(t *testing.T) {
	svc, _, _ := startLoop(t)

	stranger := uuid.New()
	_, err := svc.Submit(context.Background(), &event.Mint{
		CommandID: uuid.New(),
		Caller:    stranger,
		To:        stranger,
		Amount:    uint256.NewInt(1),
		Timestamp: time.Unix(1_700_000_000, 0),
	})
	if !errors.Is(err, lerrors.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if !ingestion.IsRejection(err) {
		t.Errorf("unauthorized should count as a rejection")
	}
}

func TestSubmit_ContextCancelled(t *testing.T) {
	// Nobody reads the channel
	svc := ingestion.NewGRPCIngestService(make(chan ingestion.Submission), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Submit(ctx, &event.Burn{CommandID: uuid.New(), Amount: ledger.AmountAll()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsRejection(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{lerrors.Unauthorizedf("x"), true},
		{fmt.Errorf("dispatch failed: %w", &lerrors.InsufficientPrincipalError{Have: uint256.NewInt(1), Need: uint256.NewInt(2)}), true},
		{lerrors.Sequencef("stale"), true},
		{lerrors.InvalidCommandf("bad"), true},
		{errors.New("connection reset"), false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := ingestion.IsRejection(tt.err); got != tt.want {
			t.Errorf("IsRejection(%v): got %v, want %v", tt.err, got, tt.want)
		}
	}
}

// --- Outbound publisher ---

type fakeJetStream struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
	fail     bool
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no responders")
	}
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, data)
	return &jetstream.PubAck{}, nil
}

func TestOutboundPublisher_PublishesEnvelope(t *testing.T) {
	svc, owner, outputs := startLoop(t)
	_, err := svc.Submit(context.Background(), &event.Mint{
		CommandID: uuid.New(),
		Caller:    owner,
		To:        uuid.New(),
		Amount:    uint256.NewInt(5),
		Timestamp: time.Unix(1_700_000_000, 0),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	out := <-outputs

	js := &fakeJetStream{}
	pub := ingestion.NewOutboundPublisher(js, 4, nil, zerolog.Nop())
	if !pub.Enqueue(out) {
		t.Fatal("enqueue refused")
	}
	pub.Close()
	if err := pub.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(js.subjects) != 1 || js.subjects[0] != "rebase.ledger.events.Mint" {
		t.Fatalf("subjects: got %v", js.subjects)
	}
	var got ingestion.PublishableEvent
	if err := json.Unmarshal(js.bodies[0], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Sequence != 1 || got.EventType != "Mint" {
		t.Errorf("event: got %+v", got)
	}
	if len(got.StateHash) != 64 {
		t.Errorf("state hash should be hex, got %q", got.StateHash)
	}
}

func TestOutboundPublisher_DropsWhenFull(t *testing.T) {
	pub := ingestion.NewOutboundPublisher(&fakeJetStream{}, 1, nil, zerolog.Nop())
	out := core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: 1, EventType: event.EventTypeMint}}

	if !pub.Enqueue(out) {
		t.Fatal("first enqueue should fit")
	}
	if pub.Enqueue(out) {
		t.Error("second enqueue should be dropped")
	}
	if pub.Enqueue(core.CoreOutput{}) {
		t.Error("output without envelope should be refused")
	}
}
