package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTransition is returned when a batch is moved along an edge the
// lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid batch status transition")

// BatchStatus is the lifecycle state of a reconciliation batch.
type BatchStatus string

// Batch status constants.
const (
	BatchPending    BatchStatus = "PENDING"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchPaused     BatchStatus = "PAUSED"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
	BatchCancelled  BatchStatus = "CANCELLED"
)

// Valid reports whether the status is known.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchPending, BatchProcessing, BatchPaused, BatchCompleted, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchCancelled:
		return true
	case BatchPending, BatchProcessing, BatchPaused:
		return false
	default:
		return false
	}
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	switch s {
	case BatchPending:
		return next == BatchProcessing || next == BatchFailed || next == BatchCancelled
	case BatchProcessing:
		return next == BatchCompleted || next == BatchFailed || next == BatchCancelled || next == BatchPaused
	case BatchPaused:
		// Paused batches are only resumed explicitly, or abandoned.
		return next == BatchProcessing || next == BatchCancelled || next == BatchFailed
	case BatchCompleted, BatchFailed, BatchCancelled:
		return false
	default:
		return false
	}
}

// BatchType records what started a batch.
type BatchType string

// Batch type constants.
const (
	BatchTypeManual       BatchType = "MANUAL"
	BatchTypeScheduled    BatchType = "SCHEDULED"
	BatchTypeReprocessing BatchType = "REPROCESSING"
)

// Valid reports whether the batch type is known.
func (t BatchType) Valid() bool {
	switch t {
	case BatchTypeManual, BatchTypeScheduled, BatchTypeReprocessing:
		return true
	default:
		return false
	}
}

// BatchSummary holds the aggregate results of a batch run.
type BatchSummary struct {
	ByState         map[ReconciliationState]int `json:"by_state"`
	TotalVariance   decimal.Decimal             `json:"total_variance"`
	AverageVariance decimal.Decimal             `json:"average_variance"`
	DryRun          bool                        `json:"dry_run"`
	RolledBack      bool                        `json:"rolled_back"`
}

// NewBatchSummary returns a summary with a zero count for every state.
func NewBatchSummary() BatchSummary {
	byState := make(map[ReconciliationState]int, 5)
	for _, state := range AllReconciliationStates() {
		byState[state] = 0
	}
	return BatchSummary{ByState: byState}
}

// Count returns the number of payments classified into state.
func (s BatchSummary) Count(state ReconciliationState) int {
	return s.ByState[state]
}

// ReconciliationBatch is one execution of the matching engine.
type ReconciliationBatch struct {
	StartedAt       time.Time
	CompletedAt     *time.Time
	StartDate       *time.Time
	EndDate         *time.Time
	ID              string
	Type            BatchType
	Status          BatchStatus
	ErrorMessage    string
	Parameters      []byte // Raw run parameters as JSON
	Summary         BatchSummary
	TotalCount      int
	ProcessedCount  int
	SuccessfulCount int
	FailedCount     int
	DryRun          bool
}

// TransitionTo moves the batch to next, stamping completion time on terminal states.
func (b *ReconciliationBatch) TransitionTo(next BatchStatus, at time.Time) error {
	if !b.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, next)
	}
	b.Status = next
	if next == BatchProcessing && b.StartedAt.IsZero() {
		b.StartedAt = at
	}
	if next.Terminal() {
		completed := at
		b.CompletedAt = &completed
	}
	return nil
}

// Record adds one processed status to the batch counters.
func (b *ReconciliationBatch) Record(status ReconciliationStatus) {
	if b.Summary.ByState == nil {
		b.Summary = NewBatchSummary()
	}
	b.ProcessedCount++
	if status.Status.Successful() {
		b.SuccessfulCount++
	} else {
		b.FailedCount++
	}
	b.Summary.ByState[status.Status]++
	b.Summary.TotalVariance = b.Summary.TotalVariance.Add(status.VarianceAmount)
	if b.ProcessedCount > 0 {
		b.Summary.AverageVariance = b.Summary.TotalVariance.
			Div(decimal.NewFromInt(int64(b.ProcessedCount))).
			Round(2)
	}
}

// BatchCounts is a copy of a batch's counters and summary.
type BatchCounts struct {
	Summary    BatchSummary
	Processed  int
	Successful int
	Failed     int
}

// Counts copies the batch counters. The copy shares no state with the batch.
func (b *ReconciliationBatch) Counts() BatchCounts {
	return BatchCounts{
		Summary:    b.Summary.clone(),
		Processed:  b.ProcessedCount,
		Successful: b.SuccessfulCount,
		Failed:     b.FailedCount,
	}
}

// RestoreCounts puts back counters taken with Counts, used when a run's
// writes are discarded. Flags set on the current summary are kept.
func (b *ReconciliationBatch) RestoreCounts(c BatchCounts) {
	b.ProcessedCount = c.Processed
	b.SuccessfulCount = c.Successful
	b.FailedCount = c.Failed

	dryRun := b.Summary.DryRun
	b.Summary = c.Summary.clone()
	b.Summary.DryRun = dryRun
	b.Summary.RolledBack = false
}

func (s BatchSummary) clone() BatchSummary {
	out := s
	out.ByState = make(map[ReconciliationState]int, len(AllReconciliationStates()))
	for _, state := range AllReconciliationStates() {
		out.ByState[state] = s.ByState[state]
	}
	return out
}
