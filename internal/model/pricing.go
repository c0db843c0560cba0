package model

import "github.com/shopspring/decimal"

// PricingMethod is the rule used to compute an expected charge.
type PricingMethod string

// Pricing method constants.
const (
	PricingDefault       PricingMethod = "default"
	PricingTiered        PricingMethod = "tiered"
	PricingSeniorProject PricingMethod = "senior_project"
	PricingPromotional   PricingMethod = "promotional"
	PricingMixed         PricingMethod = "mixed"
	PricingNone          PricingMethod = ""
)

// Valid reports whether the method is one of the known pricing methods.
func (m PricingMethod) Valid() bool {
	switch m {
	case PricingDefault, PricingTiered, PricingSeniorProject, PricingPromotional, PricingMixed, PricingNone:
		return true
	default:
		return false
	}
}

// PriceQuote is the answer of the price determination service for one course.
type PriceQuote struct {
	Currency  string
	Method    PricingMethod
	BasePrice decimal.Decimal
	Discount  decimal.Decimal // Explicit discount granted by a pricing rule
	Fees      decimal.Decimal
}

// Total returns the amount the quote expects to be charged.
func (q PriceQuote) Total() decimal.Decimal {
	return q.BasePrice.Sub(q.Discount).Add(q.Fees)
}

// ChargeLine is the priced view of a single enrollment.
type ChargeLine struct {
	EnrollmentID string
	CourseCode   string
	Method       PricingMethod
	BasePrice    decimal.Decimal
	Discount     decimal.Decimal
	Fees         decimal.Decimal
}

// PriceBreakdown aggregates the charge lines of an invoice.
type PriceBreakdown struct {
	Currency            string
	Method              PricingMethod
	Lines               []ChargeLine
	ListPrice           decimal.Decimal
	Discounts           decimal.Decimal
	Fees                decimal.Decimal
	DiscountRuleMatched bool
}

// ExpectedTotal is list price minus explicit discounts plus fees.
func (b PriceBreakdown) ExpectedTotal() decimal.Decimal {
	return b.ListPrice.Sub(b.Discounts).Add(b.Fees)
}

// CourseCodes returns the course codes of every line in order.
func (b PriceBreakdown) CourseCodes() []string {
	codes := make([]string, 0, len(b.Lines))
	for _, line := range b.Lines {
		codes = append(codes, line.CourseCode)
	}
	return codes
}

// EnrollmentIDs returns the enrollment references of every line in order.
func (b PriceBreakdown) EnrollmentIDs() []string {
	ids := make([]string, 0, len(b.Lines))
	for _, line := range b.Lines {
		ids = append(ids, line.EnrollmentID)
	}
	return ids
}

// CoursePrice is one row of a local price catalog snapshot. Empty Term and
// Division act as defaults; MinGroupSize selects a tier for group-priced courses.
type CoursePrice struct {
	CourseCode   string
	Term         string
	Division     string
	Currency     string
	Method       PricingMethod
	BasePrice    decimal.Decimal
	Discount     decimal.Decimal
	Fees         decimal.Decimal
	MinGroupSize int
}

// Quote converts the catalog row into a price quote.
func (p CoursePrice) Quote() PriceQuote {
	return PriceQuote{
		Currency:  p.Currency,
		Method:    p.Method,
		BasePrice: p.BasePrice,
		Discount:  p.Discount,
		Fees:      p.Fees,
	}
}
