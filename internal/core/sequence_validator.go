package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mthdroid/moltpredict-skill/internal/observability"
)

// SequenceValidator tracks the next expected per-market sequence.
// Live commands take the next value with Assign; replay checks recorded
// values with ValidateSequence.
type SequenceValidator struct {
	mu              sync.Mutex
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

func marketPartition(marketID uint64) string {
	return fmt.Sprintf("market:%d", marketID)
}

func (sv *SequenceValidator) expectedLocked(partition string) int64 {
	if next, ok := sv.expectedNextSeq[partition]; ok {
		return next
	}
	return 1
}

// Assign returns the next sequence for partition and advances it.
func (sv *SequenceValidator) Assign(partition string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	seq := sv.expectedLocked(partition)
	sv.expectedNextSeq[partition] = seq + 1
	return seq
}

// ErrStaleSequence marks an event already covered by restored state.
var ErrStaleSequence = errors.New("stale sequence")

// ValidateSequence checks a recorded sequence and advances on success.
// Stale values return ErrStaleSequence so replay can skip them.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	expected := sv.expectedLocked(partition)

	if sequence < expected {
		if isDuplicate {
			return ErrStaleSequence
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order event %s: partition=%s, expected=%d, got=%d: %w",
			idempotencyKey, partition, expected, sequence, ErrStaleSequence)
	}

	if sequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sequence)
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.expectedLocked(partition)
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.expectedNextSeq[partition] = seq
}
