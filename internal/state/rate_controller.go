package state

import (
	lerrors "RebaseLedger/internal/errors"

	"github.com/holiman/uint256"
)

// RateStore is the slice of the key-value contract the controller needs.
type RateStore interface {
	GetRate() *uint256.Int
	PutRate(rate *uint256.Int)
}

// RateChange records one accepted setRate call.
type RateChange struct {
	Old      *uint256.Int
	New      *uint256.Int
	At       int64
	Sequence int64 // core sequence of the setRate command; zero until applied
}

// RateController gates changes to the global rate.
type RateController struct {
	store RateStore
}

func NewRateController(store RateStore) *RateController {
	return &RateController{store: store}
}

// GetRate returns the current global rate.
func (rc *RateController) GetRate() *uint256.Int {
	return rc.store.GetRate()
}

// ValidateRateChange rejects newRate when it is below current.
// This is the literal guard of the reference ledger: the rate may only stay
// equal or rise, although its documentation claims the opposite.
func ValidateRateChange(current, newRate *uint256.Int) error {
	if newRate.Lt(current) {
		return &lerrors.RateChangeRejectedError{Old: current.Clone(), New: newRate.Clone()}
	}
	return nil
}

// SetRate stores newRate if the guard accepts it.
func (rc *RateController) SetRate(newRate *uint256.Int, now int64) (RateChange, error) {
	current := rc.store.GetRate()
	if err := ValidateRateChange(current, newRate); err != nil {
		return RateChange{}, err
	}
	rc.store.PutRate(newRate.Clone())
	return RateChange{Old: current, New: newRate.Clone(), At: now}, nil
}
