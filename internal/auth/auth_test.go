package auth_test

import (
	"testing"

	"RebaseLedger/internal/auth"
	lerrors "RebaseLedger/internal/errors"
	"RebaseLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner   = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	minter  = uuid.MustParse("00000000-0000-0000-0000-0000000000bb")
	holder  = uuid.MustParse("00000000-0000-0000-0000-0000000000cc")
	spender = uuid.MustParse("00000000-0000-0000-0000-0000000000dd")
)

func TestPolicy_Authorize(t *testing.T) {
	p := auth.NewPolicy(owner)
	p.Roles.Bootstrap(auth.RoleMinter, minter)

	tests := []struct {
		name    string
		caller  uuid.UUID
		action  auth.Action
		subject uuid.UUID
		allowed bool
	}{
		{"owner mints", owner, auth.ActionMint, holder, true},
		{"minter mints", minter, auth.ActionMint, holder, true},
		{"holder cannot mint", holder, auth.ActionMint, holder, false},
		{"holder burns own balance", holder, auth.ActionBurn, holder, true},
		{"holder cannot burn others", holder, auth.ActionBurn, minter, false},
		{"minter cannot burn others", minter, auth.ActionBurn, holder, false},
		{"owner sets rate", owner, auth.ActionSetRate, uuid.Nil, true},
		{"minter cannot set rate", minter, auth.ActionSetRate, uuid.Nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Authorize(tt.caller, tt.action, tt.subject)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, lerrors.ErrUnauthorized)
			}
		})
	}
}

func TestRoleRegistry_OwnerOnlyGrants(t *testing.T) {
	p := auth.NewPolicy(owner)

	err := p.Roles.Grant(minter, auth.RoleRateSetter, minter)
	require.ErrorIs(t, err, lerrors.ErrUnauthorized)
	assert.False(t, p.Roles.HasRole(auth.RoleRateSetter, minter))

	require.NoError(t, p.Roles.Grant(owner, auth.RoleRateSetter, minter))
	assert.True(t, p.Roles.HasRole(auth.RoleRateSetter, minter))
	assert.NoError(t, p.Authorize(minter, auth.ActionSetRate, uuid.Nil))

	require.NoError(t, p.Roles.Revoke(owner, auth.RoleRateSetter, minter))
	assert.Empty(t, p.Roles.Members(auth.RoleRateSetter))
}

func TestOwnership_Transfer(t *testing.T) {
	o := auth.NewOwnership(owner)

	require.ErrorIs(t, o.TransferOwnership(holder, holder), lerrors.ErrUnauthorized)
	require.NoError(t, o.TransferOwnership(owner, holder))
	assert.Equal(t, holder, o.Owner())
	assert.False(t, o.IsOwner(owner))
}

func TestOwnership_UnsetOwnerGrantsNothing(t *testing.T) {
	o := auth.NewOwnership(uuid.Nil)
	assert.False(t, o.IsOwner(uuid.Nil))
}

func TestAllowances_SpendAndLimits(t *testing.T) {
	a := auth.NewAllowances()

	require.ErrorIs(t, a.CheckSpend(holder, spender, uint256.NewInt(1)), lerrors.ErrUnauthorized)

	a.Approve(holder, spender, ledger.AmountExact(uint256.NewInt(100)))
	require.NoError(t, a.Spend(holder, spender, uint256.NewInt(60)))

	left, ok := a.Allowance(holder, spender).Exact()
	require.True(t, ok)
	assert.Equal(t, uint64(40), left.Uint64())

	require.ErrorIs(t, a.Spend(holder, spender, uint256.NewInt(41)), lerrors.ErrUnauthorized)
	require.NoError(t, a.Spend(holder, spender, uint256.NewInt(40)))
	assert.Empty(t, a.Entries())
}

func TestAllowances_UnlimitedNeverDecrements(t *testing.T) {
	a := auth.NewAllowances()
	a.Approve(holder, spender, ledger.AmountAll())

	huge, err := uint256.FromDecimal("1000000000000000000000000")
	require.NoError(t, err)
	require.NoError(t, a.Spend(holder, spender, huge))
	assert.True(t, a.Allowance(holder, spender).IsAll())
}

func TestAllowances_RestoreRoundTrip(t *testing.T) {
	a := auth.NewAllowances()
	a.Approve(holder, spender, ledger.AmountExact(uint256.NewInt(7)))
	a.Approve(owner, spender, ledger.AmountAll())

	b := auth.NewAllowances()
	b.Restore(a.Entries())

	assert.ElementsMatch(t, a.Entries(), b.Entries())
}
