// Package engine matches payments to the charges they settle and drives
// reconciliation batches.
package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/discount"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/pricing"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Matcher computes a reconciliation status for a single payment.
type Matcher struct {
	resolver   *pricing.Resolver
	inferrer   *discount.Inferrer
	now        func() time.Time
	thresholds Thresholds
}

// NewMatcher creates a matcher. The resolver carries the run's lookup cache,
// so a matcher is built once per run.
func NewMatcher(resolver *pricing.Resolver, inferrer *discount.Inferrer, thresholds Thresholds) *Matcher {
	return &Matcher{
		resolver:   resolver,
		inferrer:   inferrer,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Reconcile evaluates a payment and upserts its status through the scope.
// The returned error is only set when the write fails.
func (m *Matcher) Reconcile(ctx context.Context, scope service.Scope, payment model.Payment, batchID string) (model.ReconciliationStatus, error) {
	status := m.Evaluate(ctx, scope, payment, batchID)
	if err := scope.SaveReconciliationStatus(ctx, &status); err != nil {
		return status, fmt.Errorf("failed to save status for payment %s: %w", payment.ID, err)
	}
	return status, nil
}

// Evaluate classifies a payment without writing anything. Resolution
// failures are isolated into an EXCEPTION_ERROR status.
func (m *Matcher) Evaluate(ctx context.Context, enrollments service.EnrollmentProvider, payment model.Payment, batchID string) model.ReconciliationStatus {
	status := model.ReconciliationStatus{
		PaymentID:   payment.ID,
		BatchID:     batchID,
		InputHash:   payment.Fingerprint(),
		ProcessedAt: m.now().UTC(),
	}

	res, err := m.resolver.Resolve(ctx, enrollments, payment)
	if err != nil {
		common.LogError(ctx, err, "Payment reconciliation failed", common.Fields{
			"payment_id": payment.ID,
			"batch_id":   batchID,
			"invoice_id": payment.InvoiceID,
		})
		status.Status = model.StateExceptionError
		status.VarianceAmount = decimal.Zero
		status.ExpectedTotal = decimal.Zero
		status.Notes = err.Error()
		return status
	}

	if !res.Resolvable {
		return m.unmatched(status, payment, res)
	}

	return m.matched(status, payment, res)
}

func (m *Matcher) unmatched(status model.ReconciliationStatus, payment model.Payment, res pricing.Resolution) model.ReconciliationStatus {
	status.Status = model.StateUnmatched
	status.Confidence = 0
	status.ExpectedTotal = decimal.Zero
	status.VarianceAmount = payment.NetAmount
	if !payment.NetAmount.IsZero() {
		status.VariancePercentage = 100
	}
	for _, e := range res.Enrollments {
		status.MatchedEnrollments = append(status.MatchedEnrollments, e.ID)
		status.MatchedCourses = append(status.MatchedCourses, e.CourseCode)
	}
	status.Notes = res.Reason
	return status
}

func (m *Matcher) matched(status model.ReconciliationStatus, payment model.Payment, res pricing.Resolution) model.ReconciliationStatus {
	breakdown := res.Breakdown
	expected := breakdown.ExpectedTotal()
	notes := []string{fmt.Sprintf("expected %s via %s pricing", expected.StringFixed(2), breakdown.Method)}

	status.PricingMethod = breakdown.Method
	status.MatchedEnrollments = breakdown.EnrollmentIDs()
	status.MatchedCourses = breakdown.CourseCodes()

	var inference *model.DiscountInferenceResult
	forceReview := false

	if isAmbiguous(breakdown, payment) {
		implied := impliedPercentage(breakdown, payment.NetAmount)
		inferred := m.inferrer.Infer(discount.Input{
			Note:               payment.LegacyNote,
			ObservedPercentage: implied,
			PaymentDate:        payment.PaymentDate,
			TermStart:          earliestTermStart(res.Enrollments),
			StudentType:        studentType(res.Enrollments),
		})
		inference = &inferred
		status.Discount = inference
		notes = append(notes, fmt.Sprintf("inferred %s discount of %.2f%% (confidence %.2f): %s",
			inferred.Type, implied, inferred.Confidence, inferred.Pattern))

		if inferred.Confidence < m.thresholds.InferenceMinConfidence || !inferred.Type.ReducesCharge() {
			forceReview = true
			notes = append(notes, "discount could not be confirmed")
		} else {
			expected = discountedTotal(breakdown, implied)
			notes = append(notes, fmt.Sprintf("expected %s after %.0f%% discount", expected.StringFixed(2), math.Round(implied)))
		}
	}

	variance := payment.NetAmount.Sub(expected)
	pct := variancePercentage(variance, expected)

	status.ExpectedTotal = expected
	status.VarianceAmount = variance
	status.VariancePercentage = pct
	status.Confidence = m.confidence(pct, inference)
	status.Status = m.classify(variance, pct, status.Confidence)
	if forceReview {
		status.Status = model.StatePendingReview
	}
	status.Notes = strings.Join(notes, "; ")
	return status
}

// classify applies the tolerance bands to a resolvable payment.
func (m *Matcher) classify(variance decimal.Decimal, pct, confidence float64) model.ReconciliationState {
	switch {
	case variance.Abs().LessThanOrEqual(m.thresholds.ExactTolerance) && confidence >= m.thresholds.FullConfidence:
		return model.StateFullyReconciled
	case math.Abs(pct) <= m.thresholds.PercentTolerance && confidence >= m.thresholds.AutoConfidence:
		return model.StateAutoAllocated
	default:
		return model.StatePendingReview
	}
}

// confidence scores a match on a 0-100 scale. It never increases as the
// variance percentage grows.
func (m *Matcher) confidence(pct float64, inference *model.DiscountInferenceResult) float64 {
	score := 100 - m.thresholds.VariancePenalty*math.Min(math.Abs(pct), maxPenalisedPercent)
	if inference != nil {
		score -= m.thresholds.InferredPenalty
		w := m.thresholds.InferenceWeight
		score *= (1 - w) + w*inference.Confidence
	}
	return clamp(score, 0, 100)
}

// isAmbiguous reports whether a shortfall might be an undocumented legacy
// discount worth inferring.
func isAmbiguous(b model.PriceBreakdown, payment model.Payment) bool {
	if b.DiscountRuleMatched || !b.ListPrice.IsPositive() || !payment.HasLegacyNote() {
		return false
	}
	return payment.NetAmount.LessThan(b.ExpectedTotal())
}

// impliedPercentage is the share of the list price the payer did not pay,
// fees excluded.
func impliedPercentage(b model.PriceBreakdown, net decimal.Decimal) float64 {
	towardsList := net.Sub(b.Fees)
	pct, _ := b.ListPrice.Sub(towardsList).Div(b.ListPrice).Mul(hundred).Round(2).Float64()
	return clamp(pct, 0, 100)
}

// discountedTotal re-derives the expected total with the inferred discount,
// granted in whole percentage points.
func discountedTotal(b model.PriceBreakdown, pct float64) decimal.Decimal {
	granted := decimal.NewFromFloat(math.Round(pct))
	factor := decimal.NewFromInt(1).Sub(granted.Div(hundred))
	return b.ListPrice.Mul(factor).Add(b.Fees).Round(2)
}

func variancePercentage(variance, expected decimal.Decimal) float64 {
	if expected.IsZero() {
		switch {
		case variance.IsPositive():
			return 100
		case variance.IsNegative():
			return -100
		default:
			return 0
		}
	}
	pct, _ := variance.Div(expected).Mul(hundred).Round(4).Float64()
	return pct
}

func earliestTermStart(enrollments []model.Enrollment) time.Time {
	var earliest time.Time
	for _, e := range enrollments {
		if e.TermStart.IsZero() {
			continue
		}
		if earliest.IsZero() || e.TermStart.Before(earliest) {
			earliest = e.TermStart
		}
	}
	return earliest
}

func studentType(enrollments []model.Enrollment) model.StudentType {
	for _, e := range enrollments {
		if e.StudentType != "" {
			return e.StudentType
		}
	}
	return ""
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
