package query

import (
	"RebaseLedger/internal/core"
	lerrors "RebaseLedger/internal/errors"
	"RebaseLedger/internal/ledger"
	"RebaseLedger/internal/observability"
	"RebaseLedger/internal/projection"
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	defaultLimit    = 100
	maxLimit        = 1000
	integrityChunk  = 5000
	maxReportedHits = 10
)

// QueryService provides read-only access to the ledger.
// Balances, rates and allowances are read from the core so they are never
// behind the write path; history comes from the event log and the in-memory
// interest projection. Responses carry as_of_sequence for freshness.
type QueryService struct {
	core     *core.DeterministicCore
	db       *sql.DB
	interest *projection.InterestHistoryProjection
	metrics  *observability.Metrics
}

// NewQueryService wires the read paths. db and interest may be nil, in which
// case the history endpoints return ErrUnavailable.
func NewQueryService(
	c *core.DeterministicCore,
	db *sql.DB,
	interest *projection.InterestHistoryProjection,
	metrics *observability.Metrics,
) *QueryService {
	return &QueryService{core: c, db: db, interest: interest, metrics: metrics}
}

// ErrUnavailable is returned when a history source is not configured.
var ErrUnavailable = lerrors.New("query source unavailable")

// GetRate returns the current global rate.
func (qs *QueryService) GetRate(ctx context.Context) (*RateResponse, error) {
	defer qs.observe("get_rate", time.Now())
	return &RateResponse{
		Rate:         qs.core.GetRate().Dec(),
		AsOfSequence: qs.asOf(),
	}, nil
}

// GetUserRate returns the rate locked by holder.
func (qs *QueryService) GetUserRate(ctx context.Context, holder uuid.UUID) (*RateResponse, error) {
	defer qs.observe("get_user_rate", time.Now())
	return &RateResponse{
		Rate:         qs.core.GetUserRate(holder).Dec(),
		AsOfSequence: qs.asOf(),
	}, nil
}

// PrincipalBalanceOf returns the stored principal, without unsettled interest.
func (qs *QueryService) PrincipalBalanceOf(ctx context.Context, holder uuid.UUID) (string, error) {
	defer qs.observe("principal_balance_of", time.Now())
	return qs.core.PrincipalBalanceOf(holder).Dec(), nil
}

// BalanceOf returns the displayed balance of holder at the given unix time.
// at <= 0 means the current wall-clock second.
func (qs *QueryService) BalanceOf(ctx context.Context, holder uuid.UUID, at int64) (*BalanceResponse, error) {
	return qs.holder(ctx, "balance_of", holder, at)
}

// GetHolder returns the stored record and displayed balance of holder.
func (qs *QueryService) GetHolder(ctx context.Context, holder uuid.UUID, at int64) (*BalanceResponse, error) {
	return qs.holder(ctx, "get_holder", holder, at)
}

func (qs *QueryService) holder(ctx context.Context, endpoint string, holder uuid.UUID, at int64) (*BalanceResponse, error) {
	start := time.Now()
	if at <= 0 {
		at = start.Unix()
	}

	asOf := qs.asOf()
	view, err := qs.core.GetHolder(holder, at)
	qs.finish(endpoint, start, err)
	if err != nil {
		return nil, err
	}
	return newBalanceResponse(view, at, asOf), nil
}

// Allowance returns what spender may still move out of owner's balance.
func (qs *QueryService) Allowance(ctx context.Context, owner, spender uuid.UUID) (*AllowanceResponse, error) {
	defer qs.observe("allowance", time.Now())
	return &AllowanceResponse{
		Owner:        owner,
		Spender:      spender,
		Amount:       qs.core.Allowance(owner, spender).String(),
		AsOfSequence: qs.asOf(),
	}, nil
}

// RateHistory returns accepted rate changes, newest first.
func (qs *QueryService) RateHistory(ctx context.Context, limit int) ([]RateChangeResponse, error) {
	defer qs.observe("rate_history", time.Now())

	history := qs.core.RateHistory()
	limit = clampLimit(limit)

	out := make([]RateChangeResponse, 0, min(limit, len(history)))
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		rc := history[i]
		out = append(out, RateChangeResponse{
			Sequence: rc.Sequence,
			OldRate:  rc.Old.Dec(),
			NewRate:  rc.New.Dec(),
			At:       rc.At,
		})
	}
	return out, nil
}

// GetSupply returns the supply counters and the total stored principal.
func (qs *QueryService) GetSupply(ctx context.Context) (*SupplyResponse, error) {
	defer qs.observe("supply", time.Now())

	asOf := qs.asOf()
	minted, burned, interest, total := qs.core.SupplyTotals()
	return &SupplyResponse{
		Minted:         minted.Dec(),
		Burned:         burned.Dec(),
		Interest:       interest.Dec(),
		TotalPrincipal: total.Dec(),
		Holders:        len(qs.core.ListHolders()),
		AsOfSequence:   asOf,
	}, nil
}

// GetInterestHistory returns recent settlements for holder, newest first.
func (qs *QueryService) GetInterestHistory(ctx context.Context, holder uuid.UUID, limit int) ([]InterestEntry, error) {
	start := time.Now()
	if qs.interest == nil {
		qs.finish("interest_history", start, ErrUnavailable)
		return nil, ErrUnavailable
	}

	entries := qs.interest.QueryByHolder(holder, clampLimit(limit))
	out := make([]InterestEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, InterestEntry{
			Sequence:  e.Sequence,
			JournalID: e.JournalID,
			Amount:    e.Amount.Dec(),
			Timestamp: e.Timestamp,
		})
	}
	qs.finish("interest_history", start, nil)
	return out, nil
}

// GetJournalHistory returns journal entries touching holder, newest first.
// afterSequence > 0 pages backwards from that sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	holder uuid.UUID,
	limit int,
	afterSequence int64,
) (entries []JournalHistoryEntry, err error) {
	start := time.Now()
	defer func() { qs.finish("journal_history", start, err) }()

	if qs.db == nil {
		return nil, ErrUnavailable
	}

	path := ledger.HolderPath(holder)
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []any{path}
	argIdx := 2

	if afterSequence > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetEvents returns logged commands starting at fromSequence, oldest first.
func (qs *QueryService) GetEvents(ctx context.Context, fromSequence int64, limit int) (events []EventEntry, err error) {
	start := time.Now()
	defer func() { qs.finish("events", start, err) }()

	if qs.db == nil {
		return nil, ErrUnavailable
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, caller, payload::text,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e                   EventEntry
			stateHash, prevHash []byte
			ts                  time.Time
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Caller, &e.Payload,
			&stateHash, &prevHash, &ts,
		); err != nil {
			return nil, err
		}
		e.StateHash = hex.EncodeToString(stateHash)
		e.PrevHash = hex.EncodeToString(prevHash)
		e.Timestamp = ts.Unix()
		events = append(events, e)
	}

	return events, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity walks the event log and checks that every logged command
// links to its predecessor's hash, that no sequence is missing, and that the
// log tip agrees with the core. It also runs the live supply check and, when
// the log is caught up, compares journal totals with the supply counters.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	start := time.Now()
	defer func() { qs.finish("verify_integrity", start, err) }()

	report = &IntegrityReport{CoreSequence: qs.asOf()}

	if err := qs.core.ValidateSupply(); err != nil {
		report.SupplyError = err.Error()
	}

	if qs.db == nil {
		report.IsHealthy = report.SupplyError == ""
		return report, nil
	}

	var (
		prevSeq  int64
		prevHash [32]byte
		from     int64 = 1
	)
	for {
		n, err := qs.walkChunk(ctx, from, report, &prevSeq, &prevHash)
		if err != nil {
			return nil, err
		}
		if n < integrityChunk {
			break
		}
		from = prevSeq + 1
	}
	report.LastLogged = prevSeq

	if report.LastLogged == report.CoreSequence && report.LastLogged > 0 {
		report.TipMismatch = prevHash != qs.core.GetStateHash()
		if err := qs.compareJournalTotals(ctx, report); err != nil {
			return nil, err
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		!report.TipMismatch &&
		report.SupplyError == "" &&
		len(report.JournalMismatch) == 0
	return report, nil
}

func (qs *QueryService) walkChunk(
	ctx context.Context,
	from int64,
	report *IntegrityReport,
	prevSeq *int64,
	prevHash *[32]byte,
) (int, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, state_hash, prev_hash
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, from, integrityChunk)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			seq             int64
			stateHash, prev []byte
		)
		if err := rows.Scan(&seq, &stateHash, &prev); err != nil {
			return 0, err
		}
		n++
		report.EventsChecked++

		switch {
		case *prevSeq == 0 && seq == 1:
			genesis := core.GenesisHash()
			if !bytes.Equal(prev, genesis[:]) {
				report.HashChainBreaks = appendCapped(report.HashChainBreaks, seq)
			}
		case *prevSeq == 0:
			// Log was truncated below seq; nothing to link against.
		case seq != *prevSeq+1:
			report.SequenceGaps = appendCapped(report.SequenceGaps, *prevSeq+1)
		case !bytes.Equal(prev, prevHash[:]):
			report.HashChainBreaks = appendCapped(report.HashChainBreaks, seq)
		}

		*prevSeq = seq
		copy(prevHash[:], stateHash)
	}
	return n, rows.Err()
}

// compareJournalTotals checks that the logged mint, burn and settle journals
// sum to the core's supply counters.
func (qs *QueryService) compareJournalTotals(ctx context.Context, report *IntegrityReport) error {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT journal_type, SUM(amount)::text
		FROM event_log.journal
		GROUP BY journal_type
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	logged := make(map[string]*uint256.Int)
	for rows.Next() {
		var jt, sum string
		if err := rows.Scan(&jt, &sum); err != nil {
			return err
		}
		v, err := uint256.FromDecimal(sum)
		if err != nil {
			return fmt.Errorf("journal total %s: %w", jt, err)
		}
		logged[jt] = v
	}
	if err := rows.Err(); err != nil {
		return err
	}

	minted, burned, interest, _ := qs.core.SupplyTotals()
	expected := map[string]*uint256.Int{
		ledger.JournalTypeMint.String():   minted,
		ledger.JournalTypeBurn.String():   burned,
		ledger.JournalTypeSettle.String(): interest,
	}
	for _, jt := range []string{
		ledger.JournalTypeMint.String(),
		ledger.JournalTypeBurn.String(),
		ledger.JournalTypeSettle.String(),
	} {
		got := logged[jt]
		if got == nil {
			got = new(uint256.Int)
		}
		if !got.Eq(expected[jt]) {
			report.JournalMismatch = append(report.JournalMismatch,
				fmt.Sprintf("%s: logged=%s core=%s", jt, got.Dec(), expected[jt].Dec()))
		}
	}
	return nil
}

// --- helpers ---

// asOf is the last sequence the core applied.
func (qs *QueryService) asOf() int64 {
	return qs.core.GetSequence() - 1
}

func (qs *QueryService) observe(endpoint string, start time.Time) {
	qs.finish(endpoint, start, nil)
}

func (qs *QueryService) finish(endpoint string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}

func appendCapped(list []int64, seq int64) []int64 {
	if len(list) >= maxReportedHits {
		return list
	}
	return append(list, seq)
}
