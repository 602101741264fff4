package event

import (
	"RebaseLedger/internal/ledger"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Mint credits new principal to To.
type Mint struct {
	CommandID uuid.UUID    `json:"command_id"`
	Caller    uuid.UUID    `json:"caller"`
	To        uuid.UUID    `json:"to"`
	Amount    *uint256.Int `json:"amount"`
	Sequence  int64        `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
}

func (m *Mint) IdempotencyKey() string { return m.CommandID.String() }
func (m *Mint) EventType() EventType   { return EventTypeMint }
func (m *Mint) Initiator() uuid.UUID   { return m.Caller }
func (m *Mint) SourceSequence() int64  { return m.Sequence }
func (m *Mint) OccurredAt() time.Time  { return m.Timestamp }

// Burn debits principal from From.
type Burn struct {
	CommandID uuid.UUID     `json:"command_id"`
	Caller    uuid.UUID     `json:"caller"`
	From      uuid.UUID     `json:"from"`
	Amount    ledger.Amount `json:"amount"`
	Sequence  int64         `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
}

func (b *Burn) IdempotencyKey() string { return b.CommandID.String() }
func (b *Burn) EventType() EventType   { return EventTypeBurn }
func (b *Burn) Initiator() uuid.UUID   { return b.Caller }
func (b *Burn) SourceSequence() int64  { return b.Sequence }
func (b *Burn) OccurredAt() time.Time  { return b.Timestamp }

// Transfer moves the caller's own balance. From must equal Caller.
type Transfer struct {
	CommandID uuid.UUID     `json:"command_id"`
	Caller    uuid.UUID     `json:"caller"`
	From      uuid.UUID     `json:"from"`
	To        uuid.UUID     `json:"to"`
	Amount    ledger.Amount `json:"amount"`
	Sequence  int64         `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
}

func (t *Transfer) IdempotencyKey() string { return t.CommandID.String() }
func (t *Transfer) EventType() EventType   { return EventTypeTransfer }
func (t *Transfer) Initiator() uuid.UUID   { return t.Caller }
func (t *Transfer) SourceSequence() int64  { return t.Sequence }
func (t *Transfer) OccurredAt() time.Time  { return t.Timestamp }

// TransferFrom moves From's balance on behalf of Caller (the spender).
type TransferFrom struct {
	CommandID uuid.UUID     `json:"command_id"`
	Caller    uuid.UUID     `json:"caller"`
	From      uuid.UUID     `json:"from"`
	To        uuid.UUID     `json:"to"`
	Amount    ledger.Amount `json:"amount"`
	Sequence  int64         `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
}

func (t *TransferFrom) IdempotencyKey() string { return t.CommandID.String() }
func (t *TransferFrom) EventType() EventType   { return EventTypeTransferFrom }
func (t *TransferFrom) Initiator() uuid.UUID   { return t.Caller }
func (t *TransferFrom) SourceSequence() int64  { return t.Sequence }
func (t *TransferFrom) OccurredAt() time.Time  { return t.Timestamp }

// Approve sets the allowance Caller grants Spender.
type Approve struct {
	CommandID uuid.UUID     `json:"command_id"`
	Caller    uuid.UUID     `json:"caller"`
	Spender   uuid.UUID     `json:"spender"`
	Amount    ledger.Amount `json:"amount"`
	Sequence  int64         `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
}

func (a *Approve) IdempotencyKey() string { return a.CommandID.String() }
func (a *Approve) EventType() EventType   { return EventTypeApprove }
func (a *Approve) Initiator() uuid.UUID   { return a.Caller }
func (a *Approve) SourceSequence() int64  { return a.Sequence }
func (a *Approve) OccurredAt() time.Time  { return a.Timestamp }

// SetRate changes the global rate offered to newly funded holders.
type SetRate struct {
	CommandID uuid.UUID    `json:"command_id"`
	Caller    uuid.UUID    `json:"caller"`
	Rate      *uint256.Int `json:"rate"`
	Sequence  int64        `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
}

func (s *SetRate) IdempotencyKey() string { return s.CommandID.String() }
func (s *SetRate) EventType() EventType   { return EventTypeSetRate }
func (s *SetRate) Initiator() uuid.UUID   { return s.Caller }
func (s *SetRate) SourceSequence() int64  { return s.Sequence }
func (s *SetRate) OccurredAt() time.Time  { return s.Timestamp }
