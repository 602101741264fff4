package persistence_test

import (
	"RebaseLedger/internal/auth"
	"RebaseLedger/internal/core"
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/ledger"
	"RebaseLedger/internal/persistence"
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

var rate = uint256.NewInt(1_000_000_000_000)

// runCommands applies a short history and returns the core and its outputs.
func runCommands(t *testing.T) (*core.DeterministicCore, []core.CoreOutput) {
	t.Helper()

	owner, alice, bob := uuid.New(), uuid.New(), uuid.New()
	persist := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(core.CoreConfig{
		StartSequence: 1,
		InitialRate:   rate.Clone(),
		Policy:        auth.NewPolicy(owner),
	}, persist, nil, nil, nil, zerolog.Nop())

	cmds := []event.Event{
		&event.Mint{CommandID: uuid.New(), Caller: owner, To: alice, Amount: uint256.NewInt(1_000_000_000), Timestamp: time.Unix(t0, 0)},
		&event.Approve{CommandID: uuid.New(), Caller: alice, Spender: bob, Amount: ledger.AmountAll(), Timestamp: time.Unix(t0, 0)},
		&event.TransferFrom{CommandID: uuid.New(), Caller: bob, From: alice, To: bob, Amount: ledger.AmountExact(uint256.NewInt(10)), Timestamp: time.Unix(t0+3600, 0)},
		&event.SetRate{CommandID: uuid.New(), Caller: owner, Rate: uint256.NewInt(2_000_000_000_000), Timestamp: time.Unix(t0+7200, 0)},
		&event.Burn{CommandID: uuid.New(), Caller: bob, From: bob, Amount: ledger.AmountAll(), Timestamp: time.Unix(t0+86400, 0)},
	}
	for _, cmd := range cmds {
		_, err := c.ProcessEvent(cmd)
		require.NoError(t, err)
	}

	outputs := make([]core.CoreOutput, 0, len(cmds))
	for range cmds {
		outputs = append(outputs, <-persist)
	}
	return c, outputs
}

func writeOutputs(t *testing.T, db *sql.DB, outputs []core.CoreOutput) {
	t.Helper()
	records := make([]persistence.Record, 0, len(outputs))
	for _, o := range outputs {
		records = append(records, persistence.NewRecord(o))
	}
	require.NoError(t, persistence.NewEventLogWriter(db).WriteRecords(context.Background(), records))
}

func TestNewRecord_ConvertsJournals(t *testing.T) {
	_, outputs := runCommands(t)

	rec := persistence.NewRecord(outputs[0])
	assert.Equal(t, int64(1), rec.Event.Sequence)
	assert.Equal(t, "Mint", rec.Event.EventType)
	require.Len(t, rec.Journals, 1)
	assert.Equal(t, "1000000000", rec.Journals[0].Amount)
	assert.Equal(t, "mint", rec.Journals[0].JournalType)
	assert.Equal(t, "external:issuance", rec.Journals[0].CreditAccount)

	env, err := rec.Event.Envelope()
	require.NoError(t, err)
	assert.Equal(t, outputs[0].Envelope.StateHash, env.StateHash)
	assert.Equal(t, outputs[0].Envelope.PrevHash, env.PrevHash)
}

func TestEventLog_WriteAndReplay(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	original, outputs := runCommands(t)
	writeOutputs(t, db, outputs)

	// Re-writing the same batch is a no-op
	writeOutputs(t, db, outputs)

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(outputs)), latest)

	rows, err := sm.LoadEventsFrom(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, rows, len(outputs))

	replica := core.NewDeterministicCore(core.CoreConfig{
		StartSequence: 1,
		InitialRate:   rate.Clone(),
	}, nil, nil, nil, nil, zerolog.Nop())

	for _, row := range rows {
		env, err := row.Envelope()
		require.NoError(t, err)
		require.NoError(t, replica.ReplayEnvelope(env))
	}
	assert.Equal(t, original.GetStateHash(), replica.GetStateHash())
}

func TestPersistenceWorker_DrainsOnClose(t *testing.T) {
	db := testutil.SetupTestDB(t)
	_, outputs := runCommands(t)

	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	// Batch of 2 over 5 outputs leaves a partial batch for the close path
	w := persistence.NewPersistenceWorker(db, in, 2, time.Hour, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	latest, err := persistence.NewSnapshotManager(db).GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(outputs)), latest)
}

func TestIdempotencyChecker_FindsLoggedCommands(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	_, outputs := runCommands(t)
	writeOutputs(t, db, outputs)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	env := outputs[2].Envelope

	r, found, err := checker.LookupReceipt(env.EventType.String(), env.IdempotencyKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, env.Sequence, r.Sequence)
	assert.Equal(t, env.StateHash, r.StateHash)

	_, found, err = checker.LookupReceipt(env.EventType.String(), uuid.NewString())
	require.NoError(t, err)
	assert.False(t, found)

	recent, err := checker.LoadRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	last := outputs[len(outputs)-1].Envelope
	assert.Equal(t, core.CompositeKey(last.EventType.String(), last.IdempotencyKey), recent[0].Key)
	assert.Equal(t, last.Sequence, recent[0].Sequence)
	assert.Equal(t, last.StateHash, recent[0].StateHash)
}

func TestSnapshot_SaveVerifyLoad(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)

	original, outputs := runCommands(t)
	state := original.CreateSnapshotState()

	_, err := sm.SaveSnapshot(ctx, persistence.NewSnapshotData(state, time.Now().UTC()))
	require.NoError(t, err)

	// Not verified until the event log holds the matching hash
	snap, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	writeOutputs(t, db, outputs)
	verified, err := sm.VerifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), verified)

	snap, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)

	restoredState, err := snap.CoreState()
	require.NoError(t, err)

	restored := core.NewDeterministicCore(core.CoreConfig{StartSequence: 1}, nil, nil, nil, nil, zerolog.Nop())
	restored.RestoreFromSnapshot(restoredState)

	assert.Equal(t, original.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, original.GetSequence(), restored.GetSequence())
	assert.Equal(t, original.GetRate().Dec(), restored.GetRate().Dec())
	assert.Len(t, restored.RateHistory(), 1)
	assert.Equal(t, state.Processed, restoredState.Processed)

	for _, id := range original.ListHolders() {
		want, err := original.GetHolder(id, t0+100_000)
		require.NoError(t, err)
		got, err := restored.GetHolder(id, t0+100_000)
		require.NoError(t, err)
		assert.True(t, want.Account.Equal(got.Account), "holder %s differs", id)
	}
}

func TestMigrator_DownAndUp(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	m := persistence.NewMigrator(db, persistence.Migrations(), zerolog.Nop())

	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2}, applied)

	require.NoError(t, m.Down(ctx))
	version, dirty, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Re-running Up is a no-op once current
	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx))
	applied, err = m.Applied(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2}, applied)
}
