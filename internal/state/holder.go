package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// HolderAccount is the settled record for one holder.
type HolderAccount struct {
	Principal   *uint256.Int // balance as of LastSettled, excludes unsettled interest
	LockedRate  *uint256.Int // rate stamped when principal last went from zero to non-zero
	LastSettled int64        // unix seconds
}

// NewHolderAccount returns the implicit all-zero record.
func NewHolderAccount() HolderAccount {
	return HolderAccount{
		Principal:  new(uint256.Int),
		LockedRate: new(uint256.Int),
	}
}

// Clone returns a deep copy. Records handed out by stores are clones so
// callers can never alias stored integers.
func (h HolderAccount) Clone() HolderAccount {
	return HolderAccount{
		Principal:   cloneOrZero(h.Principal),
		LockedRate:  cloneOrZero(h.LockedRate),
		LastSettled: h.LastSettled,
	}
}

// IsZero reports whether the record carries no principal.
func (h HolderAccount) IsZero() bool {
	return h.Principal == nil || h.Principal.IsZero()
}

// Equal compares all three fields.
func (h HolderAccount) Equal(o HolderAccount) bool {
	return cloneOrZero(h.Principal).Eq(cloneOrZero(o.Principal)) &&
		cloneOrZero(h.LockedRate).Eq(cloneOrZero(o.LockedRate)) &&
		h.LastSettled == o.LastSettled
}

// CanonicalBytes for deterministic hashing:
// principal (32 bytes BE) || locked_rate (32 bytes BE) || last_settled (8 bytes LE)
func (h HolderAccount) CanonicalBytes() []byte {
	buf := make([]byte, 0, 72)

	p := cloneOrZero(h.Principal).Bytes32()
	buf = append(buf, p[:]...)

	r := cloneOrZero(h.LockedRate).Bytes32()
	buf = append(buf, r[:]...)

	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.LastSettled))
	return buf
}

type holderAccountJSON struct {
	Principal   string `json:"principal"`
	LockedRate  string `json:"locked_rate"`
	LastSettled int64  `json:"last_settled"`
}

// MarshalJSON writes integers as decimal strings.
func (h HolderAccount) MarshalJSON() ([]byte, error) {
	return json.Marshal(holderAccountJSON{
		Principal:   cloneOrZero(h.Principal).Dec(),
		LockedRate:  cloneOrZero(h.LockedRate).Dec(),
		LastSettled: h.LastSettled,
	})
}

func (h *HolderAccount) UnmarshalJSON(data []byte) error {
	var aux holderAccountJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	principal, err := decimalOrZero(aux.Principal)
	if err != nil {
		return fmt.Errorf("principal: %w", err)
	}
	rate, err := decimalOrZero(aux.LockedRate)
	if err != nil {
		return fmt.Errorf("locked_rate: %w", err)
	}
	h.Principal = principal
	h.LockedRate = rate
	h.LastSettled = aux.LastSettled
	return nil
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

func decimalOrZero(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(s)
}
