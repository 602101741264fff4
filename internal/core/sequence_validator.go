package core

import (
	lerrors "RebaseLedger/internal/errors"
	"RebaseLedger/internal/observability"
)

// SequenceMode selects how caller-supplied source sequences are checked.
type SequenceMode int

const (
	// SequenceMonotonic accepts anything above the last sequence seen on a
	// partition and counts gaps.
	SequenceMonotonic SequenceMode = iota
	// SequenceStrict accepts only the exact next sequence.
	SequenceStrict
)

// PartitionStats counts sequence anomalies on one partition.
type PartitionStats struct {
	Gaps  int64
	Stale int64
}

// SequenceValidator tracks the next expected source sequence per partition
// (one partition per caller). Only the core's processing path touches it.
type SequenceValidator struct {
	mode    SequenceMode
	next    map[string]int64
	stats   map[string]*PartitionStats
	metrics *observability.Metrics
}

func NewSequenceValidator(mode SequenceMode, metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		mode:    mode,
		next:    make(map[string]int64),
		stats:   make(map[string]*PartitionStats),
		metrics: metrics,
	}
}

// Check validates seq for partition without consuming it; Advance does that
// once the command commits, so a rejected command can be retried under the
// same sequence. The first sequence seen on a partition sets its baseline.
// A duplicate retry carrying an old sequence passes so the caller gets its
// original receipt back.
func (sv *SequenceValidator) Check(partition string, seq int64, key string, duplicate bool) error {
	expected, seen := sv.next[partition]
	if !seen {
		return nil
	}

	switch {
	case seq < expected:
		if duplicate {
			return nil
		}
		sv.count(partition, false)
		return lerrors.Sequencef("stale command %s on %s: expected %d, got %d",
			key, partition, expected, seq)

	case seq > expected && sv.mode == SequenceStrict:
		sv.count(partition, true)
		return lerrors.Sequencef("sequence gap on %s: expected %d, got %d",
			partition, expected, seq)
	}
	return nil
}

// Advance consumes seq after its command committed. Replay calls it without
// Check: the log holds only committed commands, whatever mode wrote them.
func (sv *SequenceValidator) Advance(partition string, seq int64) {
	expected, seen := sv.next[partition]
	if seen && seq < expected {
		return
	}
	if seen && seq > expected {
		sv.count(partition, true)
	}
	sv.next[partition] = seq + 1
}

// Expected returns the next sequence the partition will accept in strict
// mode; 0 if the partition is unknown.
func (sv *SequenceValidator) Expected(partition string) int64 {
	return sv.next[partition]
}

// Stats returns the anomaly counters for partition.
func (sv *SequenceValidator) Stats(partition string) PartitionStats {
	if s, ok := sv.stats[partition]; ok {
		return *s
	}
	return PartitionStats{}
}

// Partitions returns a copy of the expected-sequence table for snapshots.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.next))
	for p, n := range sv.next {
		out[p] = n
	}
	return out
}

// Restore replaces the expected-sequence table. Counters start over.
func (sv *SequenceValidator) Restore(partitions map[string]int64) {
	sv.next = make(map[string]int64, len(partitions))
	for p, n := range partitions {
		sv.next[p] = n
	}
	sv.stats = make(map[string]*PartitionStats)
}

func (sv *SequenceValidator) count(partition string, gap bool) {
	s, ok := sv.stats[partition]
	if !ok {
		s = &PartitionStats{}
		sv.stats[partition] = s
	}
	if gap {
		s.Gaps++
	} else {
		s.Stale++
	}

	if sv.metrics == nil {
		return
	}
	if gap {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	} else {
		sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
	}
}
