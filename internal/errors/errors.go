// Package errors defines the ledger's error kinds.
//
// Every kind is a sentinel usable with errors.Is. Kinds that carry context
// (RateChangeRejected, InsufficientPrincipal, ClockRegression) also have a
// typed form for errors.As.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrRateChangeRejected    = stderrors.New("rate change rejected")
	ErrInsufficientPrincipal = stderrors.New("insufficient principal")
	ErrUnauthorized          = stderrors.New("unauthorized")
	ErrClockRegression       = stderrors.New("clock regression")
	ErrArithmeticOverflow    = stderrors.New("arithmetic overflow")
	ErrInvalidCommand        = stderrors.New("invalid command")
	ErrSequence              = stderrors.New("sequence violation")
)

// Re-exports so callers can import a single errors package.
var (
	Is     = stderrors.Is
	As     = stderrors.As
	New    = stderrors.New
	Unwrap = stderrors.Unwrap
)

// RateChangeRejectedError reports a setRate call that the rate rule refused.
type RateChangeRejectedError struct {
	Old *uint256.Int
	New *uint256.Int
}

func (e *RateChangeRejectedError) Error() string {
	return fmt.Sprintf("%s: old=%s new=%s", ErrRateChangeRejected, e.Old.Dec(), e.New.Dec())
}

func (e *RateChangeRejectedError) Unwrap() error { return ErrRateChangeRejected }

// InsufficientPrincipalError reports a debit larger than the settled principal.
type InsufficientPrincipalError struct {
	Have *uint256.Int
	Need *uint256.Int
}

func (e *InsufficientPrincipalError) Error() string {
	return fmt.Sprintf("%s: have=%s need=%s", ErrInsufficientPrincipal, e.Have.Dec(), e.Need.Dec())
}

func (e *InsufficientPrincipalError) Unwrap() error { return ErrInsufficientPrincipal }

// ClockRegressionError reports a timestamp earlier than a stored settlement.
type ClockRegressionError struct {
	LastSettled int64
	Now         int64
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("%s: last_settled=%d now=%d", ErrClockRegression, e.LastSettled, e.Now)
}

func (e *ClockRegressionError) Unwrap() error { return ErrClockRegression }

// Unauthorizedf wraps ErrUnauthorized with a formatted reason.
func Unauthorizedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

// InvalidCommandf wraps ErrInvalidCommand with a formatted reason.
func InvalidCommandf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidCommand, fmt.Sprintf(format, args...))
}

// Sequencef wraps ErrSequence with a formatted reason.
func Sequencef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSequence, fmt.Sprintf(format, args...))
}

// Overflowf wraps ErrArithmeticOverflow with the operation that overflowed.
func Overflowf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrArithmeticOverflow, fmt.Sprintf(format, args...))
}
