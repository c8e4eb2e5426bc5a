package core

import (
	"errors"
	"fmt"
)

// ErrStaleQuote marks a price update whose sequence was already passed.
// The caller drops the command without treating it as a failure.
var ErrStaleQuote = errors.New("stale price sequence")

// Rejection causes for strict partitions, wrapped so the processor can
// classify them for metrics.
var (
	ErrSequenceGap = errors.New("sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order command")
)

// SequenceValidator enforces per-partition ordering of source sequences.
// Holder and operator partitions are strict: a gap rejects the command and
// leaves the expected sequence where it was, so the missing command can
// still arrive. Price partitions tolerate gaps, since a missed quote is
// superseded by the next one anyway.
//
// Not safe for concurrent use. Only the core goroutine touches it.
type SequenceValidator struct {
	next map[string]int64 // partition -> next expected source sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{next: make(map[string]int64)}
}

// ValidateSequence applies the strict rule and advances the expected
// sequence on match. A stale sequence is fine when the command is a known
// duplicate (redelivery), an error otherwise.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, idempotencyKey string, isDuplicate bool) error {
	expected := sv.next[partition]

	switch {
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)

	case sourceSequence > expected:
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrSequenceGap, partition, expected, sourceSequence)

	default:
		sv.next[partition] = expected + 1
		return nil
	}
}

// ValidatePriceSequence applies the tolerant rule for price partitions:
// stale quotes come back as ErrStaleQuote, gaps are skipped over.
func (sv *SequenceValidator) ValidatePriceSequence(asset string, priceSequence int64) error {
	partition := "price:" + asset
	if priceSequence < sv.next[partition] {
		return ErrStaleQuote
	}
	sv.next[partition] = priceSequence + 1
	return nil
}

// GetExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.next[partition]
}

// SetExpectedSequence seeds a partition during snapshot restore.
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.next[partition] = seq
}

// GetAllPartitions copies out every partition's next expected sequence
// for inclusion in a snapshot.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.next))
	for partition, seq := range sv.next {
		out[partition] = seq
	}
	return out
}
