package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// AmountAllText is the wire spelling of AmountAll.
const AmountAllText = "max"

// Amount is either All (the holder's entire settled balance) or an exact
// value. It replaces a numeric "max" sentinel so no real value can collide
// with it.
type Amount struct {
	all   bool
	exact *uint256.Int
}

// AmountAll resolves to the full balance at the point of use.
func AmountAll() Amount {
	return Amount{all: true}
}

// AmountExact wraps a concrete value.
func AmountExact(v *uint256.Int) Amount {
	if v == nil {
		v = new(uint256.Int)
	}
	return Amount{exact: v.Clone()}
}

// IsAll reports whether a is the All variant.
func (a Amount) IsAll() bool { return a.all }

// Exact returns the concrete value, false for All.
func (a Amount) Exact() (*uint256.Int, bool) {
	if a.all {
		return nil, false
	}
	if a.exact == nil {
		return new(uint256.Int), true
	}
	return a.exact.Clone(), true
}

// Resolve turns a into a concrete value against balance.
func (a Amount) Resolve(balance *uint256.Int) *uint256.Int {
	if a.all {
		return balance.Clone()
	}
	v, _ := a.Exact()
	return v
}

func (a Amount) String() string {
	if a.all {
		return AmountAllText
	}
	v, _ := a.Exact()
	return v.Dec()
}

// ParseAmount accepts a decimal integer or "max" / "all".
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case AmountAllText, "all":
		return AmountAll(), nil
	case "":
		return Amount{}, fmt.Errorf("empty amount")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return AmountExact(v), nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("amount must be a string: %w", err)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
