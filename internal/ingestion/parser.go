package ingestion

import (
	lerrors "RebaseLedger/internal/errors"
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/ledger"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CommandRequest is the JSON wire format shared by NATS and the RPC surface.
// Field names use snake_case to match upstream producers. Amounts are decimal
// strings; "max" means the whole balance. Timestamp is RFC3339 or unix
// seconds, and defaults to the receive time when absent.
type CommandRequest struct {
	CommandID string          `json:"command_id"`
	Caller    string          `json:"caller"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Spender   string          `json:"spender,omitempty"`
	Amount    string          `json:"amount,omitempty"`
	Rate      string          `json:"rate,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// WireTimestamp encodes t for CommandRequest.Timestamp.
func WireTimestamp(t time.Time) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(t.Unix(), 10))
}

// ParseRawEvent converts a NATS message into a typed command. The command
// kind comes from the subject suffix.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	et := CommandKind(raw.Subject)
	if et == event.EventTypeUnknown {
		return nil, lerrors.InvalidCommandf("unknown command subject %q", raw.Subject)
	}
	return DecodeCommand(et, raw.Data, raw.Timestamp)
}

// DecodeCommand unmarshals data as a CommandRequest of type et.
func DecodeCommand(et event.EventType, data []byte, received time.Time) (event.Event, error) {
	var req CommandRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, lerrors.InvalidCommandf("parse %s: %v", et, err)
	}
	return ParseCommand(et, req, received)
}

// ParseCommand validates req and builds the typed command.
func ParseCommand(et event.EventType, req CommandRequest, received time.Time) (event.Event, error) {
	p := fieldParser{kind: et}

	commandID := p.id("command_id", req.CommandID)
	caller := p.id("caller", req.Caller)
	ts := p.timestamp(req.Timestamp, received)
	if req.Sequence < 0 {
		p.fail("sequence", "must not be negative")
	}

	var evt event.Event
	switch et {
	case event.EventTypeMint:
		evt = &event.Mint{
			CommandID: commandID,
			Caller:    caller,
			To:        p.id("to", req.To),
			Amount:    p.exact("amount", req.Amount),
			Sequence:  req.Sequence,
			Timestamp: ts,
		}
	case event.EventTypeBurn:
		evt = &event.Burn{
			CommandID: commandID,
			Caller:    caller,
			From:      p.idOr("from", req.From, caller),
			Amount:    p.amount("amount", req.Amount),
			Sequence:  req.Sequence,
			Timestamp: ts,
		}
	case event.EventTypeTransfer:
		evt = &event.Transfer{
			CommandID: commandID,
			Caller:    caller,
			From:      p.idOr("from", req.From, caller),
			To:        p.id("to", req.To),
			Amount:    p.amount("amount", req.Amount),
			Sequence:  req.Sequence,
			Timestamp: ts,
		}
	case event.EventTypeTransferFrom:
		evt = &event.TransferFrom{
			CommandID: commandID,
			Caller:    caller,
			From:      p.id("from", req.From),
			To:        p.id("to", req.To),
			Amount:    p.amount("amount", req.Amount),
			Sequence:  req.Sequence,
			Timestamp: ts,
		}
	case event.EventTypeApprove:
		evt = &event.Approve{
			CommandID: commandID,
			Caller:    caller,
			Spender:   p.id("spender", req.Spender),
			Amount:    p.amount("amount", req.Amount),
			Sequence:  req.Sequence,
			Timestamp: ts,
		}
	case event.EventTypeSetRate:
		evt = &event.SetRate{
			CommandID: commandID,
			Caller:    caller,
			Rate:      p.exact("rate", req.Rate),
			Sequence:  req.Sequence,
			Timestamp: ts,
		}
	default:
		return nil, lerrors.InvalidCommandf("unknown command type %d", et)
	}

	if p.err != nil {
		return nil, p.err
	}
	return evt, nil
}

// fieldParser keeps the first error so ParseCommand can read straight through.
type fieldParser struct {
	kind event.EventType
	err  error
}

func (p *fieldParser) fail(field, reason string) {
	if p.err == nil {
		p.err = lerrors.InvalidCommandf("%s.%s: %s", p.kind, field, reason)
	}
}

func (p *fieldParser) id(field, s string) uuid.UUID {
	if s == "" {
		p.fail(field, "required")
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		p.fail(field, err.Error())
		return uuid.Nil
	}
	if id == uuid.Nil {
		p.fail(field, "must not be the nil UUID")
	}
	return id
}

func (p *fieldParser) idOr(field, s string, fallback uuid.UUID) uuid.UUID {
	if s == "" {
		return fallback
	}
	return p.id(field, s)
}

func (p *fieldParser) amount(field, s string) ledger.Amount {
	a, err := ledger.ParseAmount(s)
	if err != nil {
		p.fail(field, err.Error())
	}
	return a
}

// exact parses a decimal that may not be "max".
func (p *fieldParser) exact(field, s string) *uint256.Int {
	a := p.amount(field, s)
	if p.err != nil {
		return new(uint256.Int)
	}
	v, ok := a.Exact()
	if !ok {
		p.fail(field, "must be a decimal integer")
		return new(uint256.Int)
	}
	return v
}

func (p *fieldParser) timestamp(raw json.RawMessage, received time.Time) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Unix(received.Unix(), 0).UTC()
	}

	var secs int64
	if err := json.Unmarshal(raw, &secs); err == nil {
		if secs < 0 {
			p.fail("timestamp", "must not be negative")
		}
		return time.Unix(secs, 0).UTC()
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		p.fail("timestamp", "must be RFC3339 or unix seconds")
		return time.Time{}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs >= 0 {
		return time.Unix(secs, 0).UTC()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		p.fail("timestamp", fmt.Sprintf("invalid time %q", s))
		return time.Time{}
	}
	if t.Unix() < 0 {
		p.fail("timestamp", "must not be before 1970")
	}
	return time.Unix(t.Unix(), 0).UTC()
}
