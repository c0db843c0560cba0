package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationState is the classification assigned to a payment.
type ReconciliationState string

// Reconciliation state constants.
const (
	StateFullyReconciled ReconciliationState = "FULLY_RECONCILED"
	StateAutoAllocated   ReconciliationState = "AUTO_ALLOCATED"
	StatePendingReview   ReconciliationState = "PENDING_REVIEW"
	StateUnmatched       ReconciliationState = "UNMATCHED"
	StateExceptionError  ReconciliationState = "EXCEPTION_ERROR"
)

// AllReconciliationStates lists every state in reporting order.
func AllReconciliationStates() []ReconciliationState {
	return []ReconciliationState{
		StateFullyReconciled,
		StateAutoAllocated,
		StatePendingReview,
		StateUnmatched,
		StateExceptionError,
	}
}

// Valid reports whether the state is one of the five reconciliation states.
func (s ReconciliationState) Valid() bool {
	switch s {
	case StateFullyReconciled, StateAutoAllocated, StatePendingReview, StateUnmatched, StateExceptionError:
		return true
	default:
		return false
	}
}

// Successful reports whether the state counts towards a batch's successful total.
// Exceptions are the only failures; unmatched and pending payments were processed
// as designed.
func (s ReconciliationState) Successful() bool {
	switch s {
	case StateFullyReconciled, StateAutoAllocated, StatePendingReview, StateUnmatched:
		return true
	case StateExceptionError:
		return false
	default:
		return false
	}
}

// ReconciliationStatus is the engine's verdict for one payment in one batch.
type ReconciliationStatus struct {
	ProcessedAt        time.Time
	Discount           *DiscountInferenceResult
	PaymentID          string
	BatchID            string
	InputHash          string
	Notes              string
	Status             ReconciliationState
	PricingMethod      PricingMethod
	MatchedEnrollments []string
	MatchedCourses     []string
	VarianceAmount     decimal.Decimal
	ExpectedTotal      decimal.Decimal
	VariancePercentage float64
	Confidence         float64 // 0-100
}

// ReconciliationResult pairs a payment with the status computed for it.
type ReconciliationResult struct {
	Payment Payment
	Status  ReconciliationStatus
}
