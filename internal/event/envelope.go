package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMint
	EventTypeBurn
	EventTypeTransfer
	EventTypeTransferFrom
	EventTypeApprove
	EventTypeSetRate
)

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Principal that issued the command
	Caller uuid.UUID

	// Command timestamp (the ledger's "now", NOT wall-clock at apply time)
	Timestamp time.Time

	// Upstream sequence for ordering validation (0 = unsequenced)
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all commands implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Initiator returns the caller whose capabilities are checked
	Initiator() uuid.UUID

	// SourceSequence returns upstream ordering key (0 = unsequenced)
	SourceSequence() int64

	// OccurredAt is the authoritative "now" for the command
	OccurredAt() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeMint:
		return "Mint"
	case EventTypeBurn:
		return "Burn"
	case EventTypeTransfer:
		return "Transfer"
	case EventTypeTransferFrom:
		return "TransferFrom"
	case EventTypeApprove:
		return "Approve"
	case EventTypeSetRate:
		return "SetRate"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String, also accepting the lower-case
// subject tokens used on the bus (mint, transfer_from, set_rate, ...).
func ParseEventType(s string) EventType {
	switch s {
	case "Mint", "mint":
		return EventTypeMint
	case "Burn", "burn":
		return EventTypeBurn
	case "Transfer", "transfer":
		return EventTypeTransfer
	case "TransferFrom", "transfer_from", "transferfrom":
		return EventTypeTransferFrom
	case "Approve", "approve":
		return EventTypeApprove
	case "SetRate", "set_rate", "setrate":
		return EventTypeSetRate
	default:
		return EventTypeUnknown
	}
}

// Subject returns the bus token for the type (mint, transfer_from, ...).
func (et EventType) Subject() string {
	switch et {
	case EventTypeMint:
		return "mint"
	case EventTypeBurn:
		return "burn"
	case EventTypeTransfer:
		return "transfer"
	case EventTypeTransferFrom:
		return "transfer_from"
	case EventTypeApprove:
		return "approve"
	case EventTypeSetRate:
		return "set_rate"
	default:
		return "unknown"
	}
}
