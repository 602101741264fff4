// Package math holds the accrual arithmetic. Everything here is pure: no
// clocks, no state, no allocation beyond the returned values.
package math

import (
	lerrors "RebaseLedger/internal/errors"

	"github.com/holiman/uint256"
)

// PrecisionDecimals is the number of fractional digits carried by rates and
// multipliers.
const PrecisionDecimals = 18

// Precision is the fixed-point scale (10^18). Treat as read-only.
var Precision = uint256.NewInt(1_000_000_000_000_000_000)

// Elapsed returns now - lastSettled in seconds.
// A now earlier than lastSettled is a ClockRegression.
func Elapsed(lastSettled, now int64) (uint64, error) {
	if now < lastSettled {
		return 0, &lerrors.ClockRegressionError{LastSettled: lastSettled, Now: now}
	}
	return uint64(now - lastSettled), nil
}

// Multiplier computes Precision + rate*elapsed. Linear, never compounding.
func Multiplier(rate *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	growth, overflow := new(uint256.Int).MulOverflow(rate, uint256.NewInt(elapsed))
	if overflow {
		return nil, lerrors.Overflowf("rate %s * elapsed %d", rate.Dec(), elapsed)
	}
	m, overflow := growth.AddOverflow(growth, Precision)
	if overflow {
		return nil, lerrors.Overflowf("multiplier for rate %s elapsed %d", rate.Dec(), elapsed)
	}
	return m, nil
}

// DisplayedBalance computes principal * Multiplier(rate, elapsed) / Precision,
// truncating. The product is taken at 512 bits so only a quotient that does
// not fit in 256 bits overflows.
func DisplayedBalance(principal, rate *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	if principal.IsZero() || rate.IsZero() || elapsed == 0 {
		return principal.Clone(), nil
	}
	m, err := Multiplier(rate, elapsed)
	if err != nil {
		return nil, err
	}
	z, overflow := new(uint256.Int).MulDivOverflow(principal, m, Precision)
	if overflow {
		return nil, lerrors.Overflowf("displayed balance of %s at multiplier %s", principal.Dec(), m.Dec())
	}
	return z, nil
}

// AccruedInterest is DisplayedBalance - principal.
func AccruedInterest(principal, rate *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	displayed, err := DisplayedBalance(principal, rate, elapsed)
	if err != nil {
		return nil, err
	}
	return displayed.Sub(displayed, principal), nil
}
