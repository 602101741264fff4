package query

import "github.com/google/uuid"

// Amounts are decimal strings; 256-bit values do not fit JSON numbers.

// RateResponse is the current global rate.
type RateResponse struct {
	Rate         string `json:"rate"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// RateChangeResponse is one accepted setRate call.
type RateChangeResponse struct {
	Sequence int64  `json:"sequence"`
	OldRate  string `json:"old_rate"`
	NewRate  string `json:"new_rate"`
	At       int64  `json:"at"`
}

// AllowanceResponse is what Spender may still move out of Owner's balance.
type AllowanceResponse struct {
	Owner        uuid.UUID `json:"owner"`
	Spender      uuid.UUID `json:"spender"`
	Amount       string    `json:"amount"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// SupplyResponse reports the supply counters and the principal they must sum to.
type SupplyResponse struct {
	Minted         string `json:"minted"`
	Burned         string `json:"burned"`
	Interest       string `json:"interest"`
	TotalPrincipal string `json:"total_principal"`
	Holders        int    `json:"holders"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// InterestEntry is one settlement that credited interest.
type InterestEntry struct {
	Sequence  int64     `json:"sequence"`
	JournalID uuid.UUID `json:"journal_id"`
	Amount    string    `json:"amount"`
	Timestamp int64     `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID `json:"journal_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Amount        string    `json:"amount"`
	JournalType   string    `json:"journal_type"`
	Timestamp     int64     `json:"timestamp"`
}

// EventEntry is one row of the event log.
type EventEntry struct {
	Sequence       int64     `json:"sequence"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	Caller         uuid.UUID `json:"caller"`
	Payload        string    `json:"payload"`
	StateHash      string    `json:"state_hash"`
	PrevHash       string    `json:"prev_hash"`
	Timestamp      int64     `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool     `json:"is_healthy"`
	EventsChecked   int64    `json:"events_checked"`
	LastLogged      int64    `json:"last_logged"`
	CoreSequence    int64    `json:"core_sequence"`
	HashChainBreaks []int64  `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64  `json:"sequence_gaps,omitempty"`
	TipMismatch     bool     `json:"tip_mismatch,omitempty"`
	SupplyError     string   `json:"supply_error,omitempty"`
	JournalMismatch []string `json:"journal_mismatch,omitempty"`
}
