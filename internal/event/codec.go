package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a command for the envelope payload.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// Decode restores a command from an envelope payload (replay).
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeMint:
		evt = &Mint{}
	case EventTypeBurn:
		evt = &Burn{}
	case EventTypeTransfer:
		evt = &Transfer{}
	case EventTypeTransferFrom:
		evt = &TransferFrom{}
	case EventTypeApprove:
		evt = &Approve{}
	case EventTypeSetRate:
		evt = &SetRate{}
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
