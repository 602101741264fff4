package ledger_test

import (
	lerrors "RebaseLedger/internal/errors"
	"RebaseLedger/internal/ledger"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	holderA = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	holderB = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	holderC = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

	scenarioRate = uint256.NewInt(50_000_000_000) // 5e10
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func mustDec(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := uint256.FromDecimal(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return v
}

// apply runs fn on a fresh Tx and commits only on success.
func apply(t *testing.T, store ledger.Store, fn func(tx *ledger.Tx) error) error {
	t.Helper()
	tx := ledger.NewTx(store)
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return nil
}

func mustMint(t *testing.T, l *ledger.Ledger, store ledger.Store, to uuid.UUID, amount *uint256.Int, now int64) {
	t.Helper()
	err := apply(t, store, func(tx *ledger.Tx) error { return l.Mint(tx, to, amount, now) })
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func mustBalance(t *testing.T, store ledger.Store, holder uuid.UUID, now int64) *uint256.Int {
	t.Helper()
	b, err := ledger.BalanceOf(store, holder, now)
	if err != nil {
		t.Fatalf("balanceOf: %v", err)
	}
	return b
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_HolderPath(t *testing.T) {
	path := ledger.HolderKey(holderA).AccountPath()
	expected := "holder:550e8400-e29b-41d4-a716-446655440000"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemAndExternalPaths(t *testing.T) {
	if got := ledger.InterestKey().AccountPath(); got != "system:interest" {
		t.Errorf("got %q, want %q", got, "system:interest")
	}
	if got := ledger.IssuanceKey().AccountPath(); got != "external:issuance" {
		t.Errorf("got %q, want %q", got, "external:issuance")
	}
	if got := ledger.RedemptionKey().AccountPath(); got != "external:redemption" {
		t.Errorf("got %q, want %q", got, "external:redemption")
	}
}

// ============================================================================
// Test: Amount
// ============================================================================

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		all     bool
		exact   string
		wantErr bool
	}{
		{"max", true, "", false},
		{"ALL", true, "", false},
		{"1000", false, "1000", false},
		{"0", false, "0", false},
		{"", false, "", true},
		{"-5", false, "", true},
		{"1.5", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := ledger.ParseAmount(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if a.IsAll() != tt.all {
				t.Errorf("IsAll: got %v, want %v", a.IsAll(), tt.all)
			}
			if !tt.all {
				v, _ := a.Exact()
				if v.Dec() != tt.exact {
					t.Errorf("got %s, want %s", v.Dec(), tt.exact)
				}
			}
		})
	}
}

func TestAmount_Resolve(t *testing.T) {
	if got := ledger.AmountAll().Resolve(u(77)); got.Uint64() != 77 {
		t.Errorf("All resolved to %d, want 77", got.Uint64())
	}
	if got := ledger.AmountExact(u(5)).Resolve(u(77)); got.Uint64() != 5 {
		t.Errorf("Exact resolved to %d, want 5", got.Uint64())
	}
}

// ============================================================================
// Test: Tx staging
// ============================================================================

func TestTx_DiscardLeavesBaseUntouched(t *testing.T) {
	store := ledger.NewMemoryStore(scenarioRate)
	tx := ledger.NewTx(store)

	acct := tx.GetHolder(holderA)
	acct.Principal = u(500)
	tx.PutHolder(holderA, acct)
	tx.PutRate(u(1))

	if got := tx.GetHolder(holderA).Principal.Uint64(); got != 500 {
		t.Errorf("staged read: got %d, want 500", got)
	}

	tx.Discard()

	if store.HasHolder(holderA) {
		t.Error("discarded write reached the store")
	}
	if !store.GetRate().Eq(scenarioRate) {
		t.Errorf("rate changed to %s", store.GetRate().Dec())
	}
}

func TestTx_CommitTwiceFails(t *testing.T) {
	tx := ledger.NewTx(ledger.NewMemoryStore(nil))
	if err := tx.Commit(); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Error("expected error on second commit")
	}
}

// ============================================================================
// Test: Settle
// ============================================================================

func TestSettle_Idempotent(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(scenarioRate)
	mustMint(t, l, store, holderA, mustDec(t, "1000000000000000000000"), 0)

	var first, second uint64
	err := apply(t, store, func(tx *ledger.Tx) error {
		a, err := l.Settle(tx, holderA, 100)
		if err != nil {
			return err
		}
		first = uint64(len(tx.Postings()))
		b, err := l.Settle(tx, holderA, 100)
		if err != nil {
			return err
		}
		second = uint64(len(tx.Postings()))
		if !a.Equal(b) {
			t.Errorf("second settle changed record: %+v -> %+v", a, b)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if first != 1 || second != 1 {
		t.Errorf("postings after settles: %d, %d; want 1, 1", first, second)
	}

	acct := store.GetHolder(holderA)
	if acct.Principal.Dec() != "1000005000000000000000" {
		t.Errorf("principal: got %s, want 1000005000000000000000", acct.Principal.Dec())
	}
	if acct.LastSettled != 100 {
		t.Errorf("last_settled: got %d, want 100", acct.LastSettled)
	}
}

func TestSettle_ClockRegression(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(scenarioRate)
	mustMint(t, l, store, holderA, u(1000), 50)

	err := apply(t, store, func(tx *ledger.Tx) error {
		_, err := l.Settle(tx, holderA, 49)
		return err
	})
	if !lerrors.Is(err, lerrors.ErrClockRegression) {
		t.Fatalf("expected ErrClockRegression, got %v", err)
	}
	if got := store.GetHolder(holderA).LastSettled; got != 50 {
		t.Errorf("last_settled: got %d, want 50", got)
	}
}

// ============================================================================
// Test: Mint
// ============================================================================

func TestMint_ScenarioA(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(scenarioRate)
	mustMint(t, l, store, holderA, u(1000), 0)

	acct := store.GetHolder(holderA)
	if acct.Principal.Uint64() != 1000 {
		t.Errorf("principal: got %d, want 1000", acct.Principal.Uint64())
	}
	if !acct.LockedRate.Eq(scenarioRate) {
		t.Errorf("locked rate: got %s, want %s", acct.LockedRate.Dec(), scenarioRate.Dec())
	}
	if acct.LastSettled != 0 {
		t.Errorf("last_settled: got %d, want 0", acct.LastSettled)
	}

	// 1000 * (1e18 + 5e12) / 1e18 truncates to 1000
	if got := mustBalance(t, store, holderA, 100); got.Uint64() != 1000 {
		t.Errorf("balanceOf at t=100: got %s, want 1000", got.Dec())
	}
	if store.GetHolder(holderA).LastSettled != 0 {
		t.Error("balanceOf mutated stored state")
	}
}

func TestMint_AddsExactlyAmountToDisplayed(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(scenarioRate)
	mustMint(t, l, store, holderA, mustDec(t, "1000000000000000000000"), 0)

	before := mustBalance(t, store, holderA, 3600)
	mustMint(t, l, store, holderA, mustDec(t, "250000000000000000"), 3600)
	after := mustBalance(t, store, holderA, 3600)

	want := new(uint256.Int).Add(before, mustDec(t, "250000000000000000"))
	if !after.Eq(want) {
		t.Errorf("got %s, want %s", after.Dec(), want.Dec())
	}
}

func TestMint_RestampsLockedRate(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(u(10))
	mustMint(t, l, store, holderA, u(1000), 0)

	store.PutRate(u(20))
	mustMint(t, l, store, holderA, u(1), 10)

	if got := store.GetHolder(holderA).LockedRate.Uint64(); got != 20 {
		t.Errorf("locked rate: got %d, want 20", got)
	}
}

// ============================================================================
// Test: Burn
// ============================================================================

func TestBurn_AllLeavesNoDust(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(u(31_709_791_983)) // ~100% APR
	mustMint(t, l, store, holderA, mustDec(t, "123456789012345678901"), 0)

	var burned *uint256.Int
	err := apply(t, store, func(tx *ledger.Tx) error {
		var err error
		burned, err = l.Burn(tx, holderA, ledger.AmountAll(), 86_399)
		return err
	})
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if burned.IsZero() {
		t.Error("burned nothing")
	}
	if got := mustBalance(t, store, holderA, 86_399); !got.IsZero() {
		t.Errorf("displayed after burn(all): got %s, want 0", got.Dec())
	}
	if got := mustBalance(t, store, holderA, 10_000_000); !got.IsZero() {
		t.Errorf("displayed later: got %s, want 0", got.Dec())
	}
}

func TestBurn_InsufficientPrincipal(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(u(0))
	mustMint(t, l, store, holderA, u(100), 0)

	err := apply(t, store, func(tx *ledger.Tx) error {
		_, err := l.Burn(tx, holderA, ledger.AmountExact(u(101)), 10)
		return err
	})
	var ip *lerrors.InsufficientPrincipalError
	if !lerrors.As(err, &ip) {
		t.Fatalf("expected InsufficientPrincipalError, got %v", err)
	}
	if ip.Have.Uint64() != 100 || ip.Need.Uint64() != 101 {
		t.Errorf("got have=%s need=%s", ip.Have.Dec(), ip.Need.Dec())
	}
	acct := store.GetHolder(holderA)
	if acct.Principal.Uint64() != 100 || acct.LastSettled != 0 {
		t.Errorf("failed burn left state: %+v", acct)
	}
}

// ============================================================================
// Test: Transfer
// ============================================================================

func TestTransfer_ScenarioC(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(scenarioRate)
	mustMint(t, l, store, holderA, mustDec(t, "1000000000000000000000"), 0)

	store.PutRate(mustDec(t, "90000000000"))
	h1Rate := store.GetHolder(holderA).LockedRate
	h1Displayed := mustBalance(t, store, holderA, 50)

	err := apply(t, store, func(tx *ledger.Tx) error {
		_, err := l.Transfer(tx, holderA, holderB, ledger.AmountAll(), 50)
		return err
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got := mustBalance(t, store, holderA, 50); !got.IsZero() {
		t.Errorf("H1 displayed: got %s, want 0", got.Dec())
	}
	h2 := store.GetHolder(holderB)
	if !h2.Principal.Eq(h1Displayed) {
		t.Errorf("H2 principal: got %s, want %s", h2.Principal.Dec(), h1Displayed.Dec())
	}
	if !h2.LockedRate.Eq(h1Rate) {
		t.Errorf("H2 locked rate: got %s, want %s", h2.LockedRate.Dec(), h1Rate.Dec())
	}
}

func TestTransfer_ConservesPrincipal(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(scenarioRate)
	mustMint(t, l, store, holderA, mustDec(t, "500000000000000000000"), 0)
	mustMint(t, l, store, holderB, mustDec(t, "700000000000000000000"), 0)

	// Settle both first so the transfer itself only moves principal.
	err := apply(t, store, func(tx *ledger.Tx) error {
		if _, err := l.Settle(tx, holderA, 1000); err != nil {
			return err
		}
		_, err := l.Settle(tx, holderB, 1000)
		return err
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	before := store.TotalPrincipal()

	err = apply(t, store, func(tx *ledger.Tx) error {
		_, err := l.Transfer(tx, holderA, holderB, ledger.AmountExact(mustDec(t, "123000000000000000000")), 1000)
		return err
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if after := store.TotalPrincipal(); !after.Eq(before) {
		t.Errorf("total principal: before %s, after %s", before.Dec(), after.Dec())
	}
}

func TestTransfer_NonEmptyRecipientKeepsRate(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(u(10))
	mustMint(t, l, store, holderB, u(1000), 0)

	store.PutRate(u(30))
	mustMint(t, l, store, holderA, u(1000), 0)

	err := apply(t, store, func(tx *ledger.Tx) error {
		_, err := l.Transfer(tx, holderA, holderB, ledger.AmountExact(u(400)), 0)
		return err
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := store.GetHolder(holderB).LockedRate.Uint64(); got != 10 {
		t.Errorf("recipient rate: got %d, want 10", got)
	}
}

func TestTransfer_FailureIsAtomic(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(scenarioRate)
	mustMint(t, l, store, holderA, mustDec(t, "1000000000000000000"), 0)
	mustMint(t, l, store, holderB, mustDec(t, "2000000000000000000"), 0)

	beforeA := store.GetHolder(holderA)
	beforeB := store.GetHolder(holderB)

	err := apply(t, store, func(tx *ledger.Tx) error {
		_, err := l.Transfer(tx, holderA, holderB, ledger.AmountExact(mustDec(t, "5000000000000000000")), 500)
		return err
	})
	if !lerrors.Is(err, lerrors.ErrInsufficientPrincipal) {
		t.Fatalf("expected ErrInsufficientPrincipal, got %v", err)
	}

	if got := store.GetHolder(holderA); !got.Equal(beforeA) {
		t.Errorf("sender changed: %+v -> %+v", beforeA, got)
	}
	if got := store.GetHolder(holderB); !got.Equal(beforeB) {
		t.Errorf("recipient changed: %+v -> %+v", beforeB, got)
	}
}

func TestTransfer_ToSelf(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(u(0))
	mustMint(t, l, store, holderA, u(1000), 0)

	err := apply(t, store, func(tx *ledger.Tx) error {
		_, err := l.Transfer(tx, holderA, holderA, ledger.AmountExact(u(600)), 5)
		return err
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := store.GetHolder(holderA).Principal.Uint64(); got != 1000 {
		t.Errorf("principal: got %d, want 1000", got)
	}
}

// ============================================================================
// Test: TransferFrom
// ============================================================================

type fixedAllowance struct {
	owner, spender uuid.UUID
	limit          *uint256.Int
}

func (f fixedAllowance) CheckSpend(owner, spender uuid.UUID, amount *uint256.Int) error {
	if owner != f.owner || spender != f.spender || amount.Gt(f.limit) {
		return lerrors.Unauthorizedf("no allowance")
	}
	return nil
}

func TestTransferFrom_RequiresAllowance(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(u(0))
	mustMint(t, l, store, holderA, u(1000), 0)
	allow := fixedAllowance{owner: holderA, spender: holderC, limit: u(300)}

	err := apply(t, store, func(tx *ledger.Tx) error {
		_, err := l.TransferFrom(tx, allow, holderC, holderA, holderB, ledger.AmountExact(u(301)), 1)
		return err
	})
	if !lerrors.Is(err, lerrors.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if store.HasHolder(holderB) {
		t.Error("rejected transferFrom touched the recipient")
	}

	err = apply(t, store, func(tx *ledger.Tx) error {
		_, err := l.TransferFrom(tx, allow, holderC, holderA, holderB, ledger.AmountExact(u(300)), 1)
		return err
	})
	if err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := store.GetHolder(holderB).Principal.Uint64(); got != 300 {
		t.Errorf("recipient: got %d, want 300", got)
	}
}

// ============================================================================
// Test: SetRate (scenario B)
// ============================================================================

func TestSetRate_ScenarioB(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(scenarioRate)

	err := apply(t, store, func(tx *ledger.Tx) error {
		_, err := l.SetRate(tx, u(1), 10)
		return err
	})
	var rej *lerrors.RateChangeRejectedError
	if !lerrors.As(err, &rej) {
		t.Fatalf("expected RateChangeRejectedError, got %v", err)
	}
	if !rej.Old.Eq(scenarioRate) || rej.New.Uint64() != 1 {
		t.Errorf("got old=%s new=%s", rej.Old.Dec(), rej.New.Dec())
	}
	if !store.GetRate().Eq(scenarioRate) {
		t.Errorf("rate changed to %s", store.GetRate().Dec())
	}

	for _, next := range []*uint256.Int{scenarioRate.Clone(), u(60_000_000_000)} {
		err := apply(t, store, func(tx *ledger.Tx) error {
			_, err := l.SetRate(tx, next, 20)
			return err
		})
		if err != nil {
			t.Fatalf("setRate(%s): %v", next.Dec(), err)
		}
		if !store.GetRate().Eq(next) {
			t.Errorf("got %s, want %s", store.GetRate().Dec(), next.Dec())
		}
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestValidator_ConservationAndSupply(t *testing.T) {
	l := ledger.New()
	store := ledger.NewMemoryStore(scenarioRate)
	supply := ledger.NewSupplyTracker()
	v := ledger.NewInvariantValidator(supply)
	gen := ledger.NewJournalGenerator(0)

	steps := []struct {
		now int64
		fn  func(tx *ledger.Tx) error
	}{
		{0, func(tx *ledger.Tx) error { return l.Mint(tx, holderA, mustDec(t, "1000000000000000000000"), 0) }},
		{3600, func(tx *ledger.Tx) error {
			_, err := l.Transfer(tx, holderA, holderB, ledger.AmountExact(mustDec(t, "400000000000000000000")), 3600)
			return err
		}},
		{7200, func(tx *ledger.Tx) error {
			_, err := l.Burn(tx, holderB, ledger.AmountAll(), 7200)
			return err
		}},
	}

	for i, step := range steps {
		tx := ledger.NewTx(store)
		if err := step.fn(tx); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if err := v.ValidateConservation(tx); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if err := v.ValidateHolders(tx, step.now, store.GetRate()); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		batch := gen.Generate(tx, "step", int64(i), step.now)
		if err := tx.Commit(); err != nil {
			t.Fatalf("step %d commit: %v", i, err)
		}
		if err := supply.ApplyBatch(batch); err != nil {
			t.Fatalf("step %d apply: %v", i, err)
		}
		if err := v.ValidateSupply(store); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestBatch_ValidateRejectsSelfTransfer(t *testing.T) {
	id := uuid.New()
	batch := &ledger.Batch{
		BatchID: id,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       id,
			DebitAccount:  ledger.HolderKey(holderA),
			CreditAccount: ledger.HolderKey(holderA),
			Amount:        u(1),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("expected error for same debit and credit account")
	}
}

func TestJournalGenerator_DeterministicIDs(t *testing.T) {
	build := func() *ledger.Batch {
		tx := ledger.NewTx(ledger.NewMemoryStore(scenarioRate))
		if err := ledger.New().Mint(tx, holderA, u(100), 1_000); err != nil {
			t.Fatalf("mint: %v", err)
		}
		return ledger.NewJournalGenerator(1).Generate(tx, "cmd-1", 7, 1_000)
	}

	a, b := build(), build()
	if a.BatchID != b.BatchID || a.BatchID != ledger.BatchID("cmd-1", 7) {
		t.Fatalf("batch ids differ: %s vs %s", a.BatchID, b.BatchID)
	}
	if len(a.Journals) == 0 {
		t.Fatal("expected journals")
	}
	seen := make(map[uuid.UUID]bool)
	for i := range a.Journals {
		if a.Journals[i].JournalID != b.Journals[i].JournalID {
			t.Errorf("journal %d id differs", i)
		}
		if seen[a.Journals[i].JournalID] {
			t.Errorf("journal %d id repeats", i)
		}
		seen[a.Journals[i].JournalID] = true
	}
	if ledger.BatchID("cmd-1", 8) == a.BatchID {
		t.Error("another sequence must give another batch id")
	}
}
