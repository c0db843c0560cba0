// Package pricing resolves the charges a payment is expected to settle.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
	"github.com/shopspring/decimal"
)

// DefaultLookupTimeout bounds a single price lookup.
const DefaultLookupTimeout = 10 * time.Second

// Resolution is the outcome of resolving a payment's expected charges.
type Resolution struct {
	Reason      string // Why the payment could not be resolved
	Enrollments []model.Enrollment
	Breakdown   model.PriceBreakdown
	Resolvable  bool
}

// Resolver asks the price determination service what a payment should have
// covered. It never writes. A resolver carries a lookup cache and is meant to
// live for a single reconciliation run.
type Resolver struct {
	prices  service.PriceService
	cache   *quoteCache
	timeout time.Duration
}

// NewResolver creates a resolver with a fresh lookup cache.
func NewResolver(prices service.PriceService, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &Resolver{
		prices:  prices,
		cache:   newQuoteCache(),
		timeout: timeout,
	}
}

// Resolve computes the expected total for a payment. An unresolvable payment
// is a normal outcome reported through Resolution.Resolvable; errors are
// reserved for malformed data and failing dependencies.
func (r *Resolver) Resolve(ctx context.Context, enrollments service.EnrollmentProvider, payment model.Payment) (Resolution, error) {
	if strings.TrimSpace(payment.InvoiceID) == "" {
		return Resolution{}, fmt.Errorf("%w: payment %s has no invoice", common.ErrMalformedPayment, payment.ID)
	}

	all, err := enrollments.GetEnrollmentsForInvoice(ctx, payment.InvoiceID)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to load enrollments for invoice %s: %w", payment.InvoiceID, err)
	}

	termEnrollments := filterByTerm(all, payment.Term)
	if len(termEnrollments) == 0 {
		return Resolution{
			Resolvable: false,
			Reason:     common.ErrNoEnrollments.Error(),
		}, nil
	}

	breakdown := model.PriceBreakdown{
		Lines:     make([]model.ChargeLine, 0, len(termEnrollments)),
		ListPrice: decimal.Zero,
		Discounts: decimal.Zero,
		Fees:      decimal.Zero,
	}

	for _, enrollment := range termEnrollments {
		req := requestFor(enrollment)

		quote, found, err := r.lookup(ctx, req)
		if err != nil {
			return Resolution{}, fmt.Errorf("price lookup for %s: %w", enrollment.CourseCode, err)
		}
		if !found {
			return Resolution{
				Resolvable:  false,
				Enrollments: termEnrollments,
				Reason:      fmt.Sprintf("%s for %s in %s", common.ErrNoPricingRule, enrollment.CourseCode, enrollment.Term),
			}, nil
		}

		if err := addQuote(&breakdown, payment, enrollment, quote); err != nil {
			return Resolution{}, err
		}
	}

	return Resolution{
		Resolvable:  true,
		Enrollments: termEnrollments,
		Breakdown:   breakdown,
	}, nil
}

// CacheStats reports lookup cache hits and misses for the run so far.
func (r *Resolver) CacheStats() (hits, misses int) {
	return r.cache.stats()
}

// lookup consults the run cache before asking the price service.
func (r *Resolver) lookup(ctx context.Context, req service.PriceRequest) (model.PriceQuote, bool, error) {
	key := cacheKey(req)
	if entry, ok := r.cache.get(key); ok {
		return entry.quote, entry.found, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	quote, err := r.prices.GetCoursePrice(lookupCtx, req)
	switch {
	case err == nil:
		r.cache.set(key, cacheEntry{quote: quote, found: true})
		return quote, true, nil
	case errors.Is(err, common.ErrNoPricingRule):
		r.cache.set(key, cacheEntry{found: false})
		return model.PriceQuote{}, false, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		slog.Warn("Price lookup timed out",
			"course", req.CourseCode,
			"term", req.Term,
			"timeout", r.timeout)
		return model.PriceQuote{}, false, fmt.Errorf("%w: lookup timed out after %s", common.ErrPricingUnavailable, r.timeout)
	default:
		return model.PriceQuote{}, false, err
	}
}

func addQuote(breakdown *model.PriceBreakdown, payment model.Payment, enrollment model.Enrollment, quote model.PriceQuote) error {
	if quote.BasePrice.IsNegative() || quote.Discount.IsNegative() || quote.Fees.IsNegative() {
		return fmt.Errorf("%w: negative quote for %s", common.ErrPricingUnavailable, enrollment.CourseCode)
	}

	currency := quote.Currency
	if currency != "" && payment.Currency != "" && !strings.EqualFold(currency, payment.Currency) {
		return fmt.Errorf("%w: quote for %s is in %s, payment %s is in %s",
			common.ErrMalformedPayment, enrollment.CourseCode, currency, payment.ID, payment.Currency)
	}
	if breakdown.Currency == "" {
		breakdown.Currency = strings.ToUpper(currency)
	}

	breakdown.Lines = append(breakdown.Lines, model.ChargeLine{
		EnrollmentID: enrollment.ID,
		CourseCode:   enrollment.CourseCode,
		Method:       quote.Method,
		BasePrice:    quote.BasePrice,
		Discount:     quote.Discount,
		Fees:         quote.Fees,
	})
	breakdown.ListPrice = breakdown.ListPrice.Add(quote.BasePrice)
	breakdown.Discounts = breakdown.Discounts.Add(quote.Discount)
	breakdown.Fees = breakdown.Fees.Add(quote.Fees)
	if quote.Discount.IsPositive() {
		breakdown.DiscountRuleMatched = true
	}

	switch {
	case len(breakdown.Lines) == 1:
		breakdown.Method = quote.Method
	case breakdown.Method != quote.Method:
		breakdown.Method = model.PricingMixed
	}
	return nil
}

func requestFor(enrollment model.Enrollment) service.PriceRequest {
	req := service.PriceRequest{
		CourseCode:  enrollment.CourseCode,
		StudentID:   enrollment.StudentID,
		StudentType: enrollment.StudentType,
		Division:    enrollment.Division,
		Term:        enrollment.Term,
		CourseKind:  enrollment.CourseKind,
	}
	if enrollment.CourseKind.UsesGroupPricing() {
		req.GroupSize = enrollment.GroupSize
	}
	return req
}

// filterByTerm keeps enrollments for the payment's term. Enrollments or
// payments without a term are not filtered.
func filterByTerm(enrollments []model.Enrollment, term string) []model.Enrollment {
	if term == "" {
		return enrollments
	}
	filtered := make([]model.Enrollment, 0, len(enrollments))
	for _, e := range enrollments {
		if e.Term == "" || strings.EqualFold(e.Term, term) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
