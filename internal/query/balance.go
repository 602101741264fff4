package query

import (
	"RebaseLedger/internal/core"

	"github.com/google/uuid"
)

// BalanceResponse represents one holder's balance for API queries.
type BalanceResponse struct {
	Holder uuid.UUID `json:"holder"`

	// Stored record, as of LastSettled
	Principal   string `json:"principal"`
	LockedRate  string `json:"locked_rate"`
	LastSettled int64  `json:"last_settled"`

	// Derived at query time: principal plus interest accrued up to At
	Balance string `json:"balance"`
	At      int64  `json:"at"`

	Known        bool  `json:"known"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

func newBalanceResponse(v core.HolderView, at, asOf int64) *BalanceResponse {
	return &BalanceResponse{
		Holder:       v.Holder,
		Principal:    v.Account.Principal.Dec(),
		LockedRate:   v.Account.LockedRate.Dec(),
		LastSettled:  v.Account.LastSettled,
		Balance:      v.Balance.Dec(),
		At:           at,
		Known:        v.Known,
		AsOfSequence: asOf,
	}
}
