package projection_test

import (
	"RebaseLedger/internal/auth"
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/ledger"
	"RebaseLedger/internal/projection"
	"RebaseLedger/internal/testutil"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = int64(1_700_000_000)

type history struct {
	core    *core.DeterministicCore
	outputs []core.CoreOutput
	owner   uuid.UUID
	alice   uuid.UUID
	bob     uuid.UUID
}

func buildHistory(t *testing.T) history {
	t.Helper()

	h := history{owner: uuid.New(), alice: uuid.New(), bob: uuid.New()}
	persist := make(chan core.CoreOutput, 64)
	h.core = core.NewDeterministicCore(core.CoreConfig{
		StartSequence: 1,
		InitialRate:   uint256.NewInt(1_000_000_000_000),
		Policy:        auth.NewPolicy(h.owner),
	}, persist, nil, nil, nil, zerolog.Nop())

	cmds := []event.Event{
		&event.Mint{CommandID: uuid.New(), Caller: h.owner, To: h.alice, Amount: uint256.NewInt(1_000_000_000_000_000_000), Timestamp: time.Unix(t0, 0)},
		&event.Transfer{CommandID: uuid.New(), Caller: h.alice, From: h.alice, To: h.bob, Amount: ledger.AmountExact(uint256.NewInt(1000)), Timestamp: time.Unix(t0+3600, 0)},
		&event.SetRate{CommandID: uuid.New(), Caller: h.owner, Rate: uint256.NewInt(2_000_000_000_000), Timestamp: time.Unix(t0+3600, 0)},
		&event.Approve{CommandID: uuid.New(), Caller: h.alice, Spender: h.bob, Amount: ledger.AmountExact(uint256.NewInt(5)), Timestamp: time.Unix(t0+3600, 0)},
		&event.Mint{CommandID: uuid.New(), Caller: h.owner, To: h.alice, Amount: uint256.NewInt(1), Timestamp: time.Unix(t0+7200, 0)},
	}
	for _, cmd := range cmds {
		_, err := h.core.ProcessEvent(cmd)
		require.NoError(t, err)
		h.outputs = append(h.outputs, <-persist)
	}
	return h
}

func TestInterestHistory_RecordsSettlements(t *testing.T) {
	h := buildHistory(t)
	p := projection.NewInterestHistoryProjection(0)

	for _, o := range h.outputs {
		p.Apply(o)
	}

	// alice settles at the transfer and at the second mint
	entries := p.QueryByHolder(h.alice, 10)
	require.Len(t, entries, 2)
	assert.Greater(t, entries[0].Sequence, entries[1].Sequence, "newest first")
	assert.Equal(t, t0+7200, entries[0].Timestamp)
	assert.False(t, entries[0].Amount.IsZero())

	assert.Empty(t, p.QueryByHolder(h.bob, 10))
	assert.Len(t, p.QueryByHolder(h.alice, 1), 1)
}

func TestInterestHistory_Capacity(t *testing.T) {
	h := buildHistory(t)
	p := projection.NewInterestHistoryProjection(1)

	for _, o := range h.outputs {
		p.Apply(o)
	}
	assert.Equal(t, 1, p.Len())
}

func holderRow(t *testing.T, db *sql.DB, id uuid.UUID) (principal, rate string, lastSettled, lastSeq int64) {
	t.Helper()
	err := db.QueryRow(`
		SELECT principal::text, locked_rate::text, last_settled, last_sequence
		FROM projections.holders WHERE holder_id = $1
	`, id).Scan(&principal, &rate, &lastSettled, &lastSeq)
	require.NoError(t, err)
	return
}

func TestWorker_ProjectsOutputs(t *testing.T) {
	db := testutil.SetupTestDB(t)
	h := buildHistory(t)

	in := make(chan core.CoreOutput, len(h.outputs))
	for _, o := range h.outputs {
		in <- o
	}
	close(in)

	w := projection.NewProjectionWorker(db, in, nil, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, int64(len(h.outputs)), w.LastSequence())

	alice, err := h.core.GetHolder(h.alice, t0+7200)
	require.NoError(t, err)
	principal, rate, lastSettled, lastSeq := holderRow(t, db, h.alice)
	assert.Equal(t, alice.Account.Principal.Dec(), principal)
	assert.Equal(t, "2000000000000", rate)
	assert.Equal(t, t0+7200, lastSettled)
	assert.Equal(t, int64(5), lastSeq)

	var rateRows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM projections.rate_history`).Scan(&rateRows))
	assert.Equal(t, 1, rateRows)

	var allowance string
	require.NoError(t, db.QueryRow(`
		SELECT amount FROM projections.allowances WHERE owner_id = $1 AND spender_id = $2
	`, h.alice, h.bob).Scan(&allowance))
	assert.Equal(t, "5", allowance)

	var watermark int64
	require.NoError(t, db.QueryRow(`SELECT last_sequence FROM projections.watermark`).Scan(&watermark))
	assert.Equal(t, int64(5), watermark)
}

func TestWorker_RebuildMatchesLiveProjection(t *testing.T) {
	db := testutil.SetupTestDB(t)
	h := buildHistory(t)

	w := projection.NewProjectionWorker(db, nil, nil, nil, zerolog.Nop())
	require.NoError(t, w.Rebuild(context.Background(), h.core.CreateSnapshotState()))

	bob, err := h.core.GetHolder(h.bob, t0+7200)
	require.NoError(t, err)
	principal, rate, _, lastSeq := holderRow(t, db, h.bob)
	assert.Equal(t, bob.Account.Principal.Dec(), principal)
	assert.Equal(t, "1000000000000", rate, "bob inherited alice's rate")
	assert.Equal(t, int64(5), lastSeq)

	var seq int64
	require.NoError(t, db.QueryRow(`SELECT sequence FROM projections.rate_history`).Scan(&seq))
	assert.Equal(t, int64(3), seq)
}
