package core

import (
	"RebaseLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DBIdempotencyChecker looks a command up in the durable event log and
// returns the receipt it was applied with.
type DBIdempotencyChecker interface {
	LookupReceipt(eventType string, idempotencyKey string) (Receipt, bool, error)
}

// ProcessedCommand is an applied command's composite key and the sequence
// and state hash it was applied at.
type ProcessedCommand struct {
	Key       string
	Sequence  int64
	StateHash [32]byte
}

// IdempotencyChecker deduplicates commands in two tiers: recently applied
// keys in memory, then the event log for anything the cache has evicted.
type IdempotencyChecker struct {
	recent    *recentKeys
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics

	tier2Errors int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		recent:    newRecentKeys(capacity),
		dbChecker: dbChecker,
	}
}

// CompositeKey is the cache key for a command: "<type>:<key>". The same
// command_id under two command types is two commands.
func CompositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// Lookup returns the original receipt of an already applied command. A
// failing event log lookup counts as "not seen"; the unique index on the
// log still rejects a true duplicate at persist time.
func (ic *IdempotencyChecker) Lookup(eventType string, idempotencyKey string) (Receipt, bool) {
	key := CompositeKey(eventType, idempotencyKey)

	if r, ok := ic.recent.get(key); ok {
		ic.recordDuplicate(eventType, "lru")
		return r, true
	}

	if ic.dbChecker == nil {
		return Receipt{}, false
	}
	r, found, err := ic.dbChecker.LookupReceipt(eventType, idempotencyKey)
	if err != nil {
		ic.tier2Errors++
		return Receipt{}, false
	}
	if !found {
		return Receipt{}, false
	}
	ic.recordDuplicate(eventType, "postgres")
	r.Duplicate = false
	ic.recent.add(key, r)
	return r, true
}

// IsDuplicate reports whether the command was already applied.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	_, ok := ic.Lookup(eventType, idempotencyKey)
	return ok
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// MarkProcessed records an applied command with its receipt.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string, r Receipt) {
	r.Duplicate = false
	ic.recent.add(CompositeKey(eventType, idempotencyKey), r)
}

// Warm loads applied commands, most recent first, so a restart does not send
// every retry to the event log.
func (ic *IdempotencyChecker) Warm(cmds []ProcessedCommand) {
	for i := len(cmds) - 1; i >= 0; i-- {
		ic.recent.add(cmds[i].Key, Receipt{Sequence: cmds[i].Sequence, StateHash: cmds[i].StateHash})
	}
}

// Recent returns the cached commands, most recent first, for snapshots.
func (ic *IdempotencyChecker) Recent() []ProcessedCommand {
	return ic.recent.entries()
}

// Size returns the number of cached keys.
func (ic *IdempotencyChecker) Size() int {
	return ic.recent.cache.Len()
}

// Tier2Errors returns how many event log lookups failed.
func (ic *IdempotencyChecker) Tier2Errors() int64 {
	return ic.tier2Errors
}

// recentKeys maps composite keys to receipts with LRU eviction.
type recentKeys struct {
	cache     *lru.Cache[string, Receipt]
	evictions int64
}

func newRecentKeys(capacity int) *recentKeys {
	r := &recentKeys{}
	cache, err := lru.NewWithEvict[string, Receipt](capacity, func(string, Receipt) {
		r.evictions++
	})
	if err != nil {
		// Only a non-positive size fails; NewDeterministicCore defaults it.
		panic(err)
	}
	r.cache = cache
	return r
}

// get refreshes the key's recency on a hit.
func (r *recentKeys) get(key string) (Receipt, bool) {
	return r.cache.Get(key)
}

func (r *recentKeys) add(key string, receipt Receipt) {
	r.cache.Add(key, receipt)
}

// entries returns most recent first; the cache lists oldest first.
func (r *recentKeys) entries() []ProcessedCommand {
	keys := r.cache.Keys()
	out := make([]ProcessedCommand, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		rc, ok := r.cache.Peek(keys[i])
		if !ok {
			continue
		}
		out = append(out, ProcessedCommand{Key: keys[i], Sequence: rc.Sequence, StateHash: rc.StateHash})
	}
	return out
}
