package core

import (
	"RebaseLedger/internal/auth"
	lerrors "RebaseLedger/internal/errors"
	"RebaseLedger/internal/event"
	"RebaseLedger/internal/ledger"
	"RebaseLedger/internal/observability"
	"RebaseLedger/internal/state"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// DeterministicCore applies commands one at a time against the in-memory
// ledger state. It never reads the wall clock for ledger purposes: every
// command carries its own timestamp, which is the "now" of that call.
type DeterministicCore struct {
	// procMu serializes ProcessEvent; mu guards state for concurrent readers.
	procMu sync.Mutex
	mu     sync.RWMutex

	sequence          int64
	hasher            *StateHasher
	store             *ledger.MemoryStore
	ledger            *ledger.Ledger
	journalGen        *ledger.JournalGenerator
	supply            *ledger.SupplyTracker
	validator         *ledger.InvariantValidator
	policy            *auth.Policy
	maxRate           *uint256.Int
	rateHistory       []state.RateChange
	rateHistoryLimit  int
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	supplyCheckEvery  int64
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreConfig carries the startup parameters of the core.
type CoreConfig struct {
	StartSequence int64
	InitialRate   *uint256.Int
	Policy        *auth.Policy

	// LRUCapacity bounds tier-1 idempotency. Default 1M.
	LRUCapacity int

	// StrictSequences rejects source-sequence gaps instead of counting them.
	StrictSequences bool

	// SupplyCheckInterval runs the global supply check every N commands. Default 1000.
	SupplyCheckInterval int64

	// RateHistoryLimit bounds the in-memory rate history. Default 1024.
	RateHistoryLimit int
}

// HolderUpdate is the committed record of one holder touched by a command.
type HolderUpdate struct {
	Holder  uuid.UUID
	Account state.HolderAccount
}

// CoreOutput is emitted once per applied command.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Holders    []HolderUpdate
	RateChange *state.RateChange
	Allowance  *auth.AllowanceEntry
}

// Receipt reports the outcome of ProcessEvent.
type Receipt struct {
	Sequence  int64
	StateHash [32]byte
	Duplicate bool
}

const defaultRateHistoryLimit = 1024

func NewDeterministicCore(
	cfg CoreConfig,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DeterministicCore {
	if cfg.InitialRate == nil {
		cfg.InitialRate = new(uint256.Int)
	}
	if cfg.Policy == nil {
		cfg.Policy = auth.NewPolicy(uuid.Nil)
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 1_000_000
	}
	if cfg.SupplyCheckInterval <= 0 {
		cfg.SupplyCheckInterval = 1000
	}
	if cfg.RateHistoryLimit <= 0 {
		cfg.RateHistoryLimit = defaultRateHistoryLimit
	}

	supply := ledger.NewSupplyTracker()

	idempotency := NewIdempotencyChecker(cfg.LRUCapacity, dbChecker)
	idempotency.metrics = metrics
	seqMode := SequenceMonotonic
	if cfg.StrictSequences {
		seqMode = SequenceStrict
	}

	return &DeterministicCore{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		store:             ledger.NewMemoryStore(cfg.InitialRate),
		ledger:            ledger.New(),
		journalGen:        ledger.NewJournalGenerator(cfg.StartSequence),
		supply:            supply,
		validator:         ledger.NewInvariantValidator(supply),
		policy:            cfg.Policy,
		maxRate:           cfg.InitialRate.Clone(),
		rateHistoryLimit:  cfg.RateHistoryLimit,
		idempotency:       idempotency,
		sequenceValidator: NewSequenceValidator(seqMode, metrics),
		supplyCheckEvery:  cfg.SupplyCheckInterval,
		metrics:           metrics,
		logger:            logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// commandEffects are side effects outside the ledger Tx, applied only after
// the Tx commits.
type commandEffects struct {
	rateChange *state.RateChange
	approve    *auth.AllowanceEntry
	spend      *allowanceSpend
}

type allowanceSpend struct {
	owner, spender uuid.UUID
	amount         *uint256.Int
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) (Receipt, error) {
	return c.process(evt, false)
}

func (c *DeterministicCore) process(evt event.Event, replay bool) (Receipt, error) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier). Replayed commands are in the
	// log by definition, so tier 2 would flag every one of them.
	var original Receipt
	isDuplicate := false
	if !replay {
		original, isDuplicate = c.idempotency.Lookup(eventType, idempotencyKey)
	}

	// Step 2: Source sequence validation (sequenced commands only). The
	// sequence is consumed only once the command commits, so the log alone
	// reproduces the partition state on replay.
	sourceSequence := evt.SourceSequence()
	partition := c.getPartition(evt)
	if sourceSequence > 0 && !replay {
		if err := c.sequenceValidator.Check(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
			c.reject(eventType, "sequence")
			return Receipt{}, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		original.Duplicate = true
		return original, nil
	}

	// Step 3: Authorization (already passed when the command was logged)
	if !replay {
		if err := c.authorize(evt); err != nil {
			c.reject(eventType, rejectReason(err))
			return Receipt{}, err
		}
	}

	now := evt.OccurredAt().Unix()

	c.mu.Lock()

	// Step 4: Dispatch onto a staged transaction
	tx := ledger.NewTx(c.store)
	effects, err := c.dispatchEvent(tx, evt, now)
	if err != nil {
		tx.Discard()
		c.mu.Unlock()
		c.reject(eventType, rejectReason(err))
		return Receipt{}, fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 5: Pre-commit invariants on the staged view
	maxRate := c.maxRate
	if tx.RateChanged() && tx.GetRate().Gt(maxRate) {
		maxRate = tx.GetRate()
	}
	if err := c.validator.ValidateConservation(tx); err != nil {
		c.fatal("conservation", evt, err)
	}
	if err := c.validator.ValidateHolders(tx, now, maxRate); err != nil {
		c.fatal("holders", evt, err)
	}

	batch := c.journalGen.Generate(tx, idempotencyKey, c.sequence, now)
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			c.fatal("batch", evt, err)
		}
	}

	// Step 6: Commit
	if err := tx.Commit(); err != nil {
		c.fatal("commit", evt, err)
	}
	if err := c.supply.ApplyBatch(batch); err != nil {
		c.fatal("supply", evt, err)
	}
	c.maxRate = maxRate
	allowance := c.applyEffects(effects)

	// Step 7: State digest and hash chain
	stateDigest := c.computeStateDigest(tx, allowance)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	payload, err := event.Encode(evt)
	if err != nil {
		c.fatal("encode", evt, err)
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Caller:         evt.Initiator(),
		Timestamp:      evt.OccurredAt().UTC(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
		Holders:    c.holderUpdates(tx),
		RateChange: effects.rateChange,
		Allowance:  allowance,
	}

	receipt := Receipt{Sequence: c.sequence, StateHash: stateHash}
	c.sequence++
	if sourceSequence > 0 {
		c.sequenceValidator.Advance(partition, sourceSequence)
	}

	// Periodic global supply check
	if c.sequence%c.supplyCheckEvery == 0 {
		if err := c.validator.ValidateSupply(c.store); err != nil {
			c.fatal("supply", evt, err)
		}
	}

	c.mu.Unlock()

	// Step 8: Emit outputs. Persist is a blocking send (backpressure);
	// projections are best effort and rebuild from the log when they fall behind.
	if !replay {
		c.emit(output)
	}

	// Step 9: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey, receipt)

	c.recordApplied(eventType, batch, effects, start)

	c.logger.Debug().
		Str("command", eventType).
		Str("key", idempotencyKey).
		Int64("sequence", receipt.Sequence).
		Int("journals", len(batch.Journals)).
		Bool("replay", replay).
		Msg("command applied")

	return receipt, nil
}

func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// getPartition determines partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	return fmt.Sprintf("caller:%s", evt.Initiator())
}

func (c *DeterministicCore) authorize(evt event.Event) error {
	switch e := evt.(type) {
	case *event.Mint:
		return c.policy.Authorize(e.Caller, auth.ActionMint, e.To)
	case *event.Burn:
		return c.policy.Authorize(e.Caller, auth.ActionBurn, e.From)
	case *event.SetRate:
		return c.policy.Authorize(e.Caller, auth.ActionSetRate, uuid.Nil)
	case *event.Transfer:
		if e.Caller != e.From {
			return lerrors.Unauthorizedf("%s may not transfer from %s", e.Caller, e.From)
		}
	case *event.Approve, *event.TransferFrom:
		// Approve only touches the caller's own allowances; TransferFrom is
		// gated by the allowance inside the ledger.
	}
	return nil
}

func (c *DeterministicCore) dispatchEvent(tx *ledger.Tx, evt event.Event, now int64) (commandEffects, error) {
	var fx commandEffects

	if err := requireFields(evt); err != nil {
		return fx, err
	}

	switch e := evt.(type) {
	case *event.Mint:
		return fx, c.ledger.Mint(tx, e.To, e.Amount, now)

	case *event.Burn:
		_, err := c.ledger.Burn(tx, e.From, e.Amount, now)
		return fx, err

	case *event.Transfer:
		_, err := c.ledger.Transfer(tx, e.From, e.To, e.Amount, now)
		return fx, err

	case *event.TransferFrom:
		value, err := c.ledger.TransferFrom(tx, c.policy.Allowances, e.Caller, e.From, e.To, e.Amount, now)
		if err != nil {
			return fx, err
		}
		fx.spend = &allowanceSpend{owner: e.From, spender: e.Caller, amount: value}
		return fx, nil

	case *event.Approve:
		fx.approve = &auth.AllowanceEntry{Owner: e.Caller, Spender: e.Spender, Amount: e.Amount}
		return fx, nil

	case *event.SetRate:
		change, err := c.ledger.SetRate(tx, e.Rate, now)
		if err != nil {
			return fx, err
		}
		fx.rateChange = &change
		return fx, nil

	default:
		return fx, lerrors.InvalidCommandf("unknown event type: %T", evt)
	}
}

// requireFields rejects commands built without their pointer fields. The
// wire parser always sets them; direct callers of the core might not.
func requireFields(evt event.Event) error {
	switch e := evt.(type) {
	case *event.Mint:
		if e.Amount == nil {
			return lerrors.InvalidCommandf("%s: missing amount", evt.EventType())
		}
	case *event.SetRate:
		if e.Rate == nil {
			return lerrors.InvalidCommandf("%s: missing rate", evt.EventType())
		}
	}
	return nil
}

// applyEffects runs post-commit side effects and returns the resulting
// allowance for commands that change one.
func (c *DeterministicCore) applyEffects(fx commandEffects) *auth.AllowanceEntry {
	allowances := c.policy.Allowances

	if fx.rateChange != nil {
		fx.rateChange.Sequence = c.sequence
		c.rateHistory = append(c.rateHistory, *fx.rateChange)
		if len(c.rateHistory) > c.rateHistoryLimit {
			c.rateHistory = c.rateHistory[len(c.rateHistory)-c.rateHistoryLimit:]
		}
	}

	switch {
	case fx.approve != nil:
		allowances.Approve(fx.approve.Owner, fx.approve.Spender, fx.approve.Amount)
		return &auth.AllowanceEntry{
			Owner:   fx.approve.Owner,
			Spender: fx.approve.Spender,
			Amount:  allowances.Allowance(fx.approve.Owner, fx.approve.Spender),
		}
	case fx.spend != nil:
		// CheckSpend passed inside the Tx and nothing ran in between.
		if err := allowances.Spend(fx.spend.owner, fx.spend.spender, fx.spend.amount); err != nil {
			panic(fmt.Sprintf("FATAL: allowance spend after check: %v", err))
		}
		return &auth.AllowanceEntry{
			Owner:   fx.spend.owner,
			Spender: fx.spend.spender,
			Amount:  allowances.Allowance(fx.spend.owner, fx.spend.spender),
		}
	}
	return nil
}

func (c *DeterministicCore) holderUpdates(tx *ledger.Tx) []HolderUpdate {
	touched := tx.Touched()
	out := make([]HolderUpdate, 0, len(touched))
	for _, id := range touched {
		out = append(out, HolderUpdate{Holder: id, Account: c.store.GetHolder(id)})
	}
	return out
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(eventType, reason).Inc()
	}
	c.logger.Debug().Str("command", eventType).Str("reason", reason).Msg("command rejected")
}

func (c *DeterministicCore) fatal(check string, evt event.Event, err error) {
	if c.metrics != nil {
		c.metrics.InvariantFailures.WithLabelValues(check).Inc()
	}
	c.logger.Error().Err(err).Str("check", check).Str("key", evt.IdempotencyKey()).Msg("invariant violated")
	panic(fmt.Sprintf("FATAL: invariant violated (%s): %v", check, err))
}

func (c *DeterministicCore) recordApplied(eventType string, batch *ledger.Batch, fx commandEffects, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreCommandsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreCommandDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.GetSequence()))
	c.metrics.CoreHolders.Set(float64(len(c.store.HolderIDs())))
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))

	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		if j.JournalType == ledger.JournalTypeSettle {
			c.metrics.InterestSettled.Inc()
		}
	}
	if fx.rateChange != nil {
		c.metrics.RateChanges.WithLabelValues("accepted").Inc()
		c.metrics.GlobalRate.Set(fx.rateChange.New.Float64())
	}
}

// rejectReason maps an error to a metric label.
func rejectReason(err error) string {
	switch {
	case lerrors.Is(err, lerrors.ErrUnauthorized):
		return "unauthorized"
	case lerrors.Is(err, lerrors.ErrInsufficientPrincipal):
		return "insufficient_principal"
	case lerrors.Is(err, lerrors.ErrRateChangeRejected):
		return "rate_change_rejected"
	case lerrors.Is(err, lerrors.ErrClockRegression):
		return "clock_regression"
	case lerrors.Is(err, lerrors.ErrArithmeticOverflow):
		return "overflow"
	case lerrors.Is(err, lerrors.ErrSequence):
		return "sequence"
	default:
		return "invalid"
	}
}
