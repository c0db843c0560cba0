package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/shopspring/decimal"
)

// DefaultTerm and DefaultTermStart are used by fixtures that do not care about terms.
var (
	DefaultTerm      = "2024-FALL"
	DefaultTermStart = time.Date(2024, time.September, 15, 0, 0, 0, 0, time.UTC)
)

// Course describes one priced enrollment on an invoice.
type Course struct {
	Code      string
	Price     string
	Discount  string
	Fees      string
	Method    model.PricingMethod
	Kind      model.CourseKind
	GroupSize int
}

type invoice struct {
	studentID   string
	studentType model.StudentType
	term        string
	termStart   time.Time
}

// Billing is a fluent builder for a consistent billing snapshot: invoices,
// their enrollments, their payments and the prices that cover them.
//
//	billing := testutil.NewBilling(t).
//		Invoice("INV-1", "S-1", testutil.Course{Code: "CS101", Price: "500"}).
//		Payment("P-1", "INV-1", "500")
type Billing struct {
	t           *testing.T
	invoices    map[string]invoice
	Payments    []model.Payment
	Enrollments []model.Enrollment
	Prices      []model.CoursePrice
}

// NewBilling creates an empty billing snapshot.
func NewBilling(t *testing.T) *Billing {
	t.Helper()
	return &Billing{
		t:        t,
		invoices: make(map[string]invoice),
	}
}

// Invoice adds an invoice for a regular student in the default term.
func (b *Billing) Invoice(invoiceID, studentID string, courses ...Course) *Billing {
	return b.InvoiceFor(invoiceID, studentID, model.StudentTypeRegular, DefaultTerm, DefaultTermStart, courses...)
}

// InvoiceFor adds an invoice with explicit student type and term.
func (b *Billing) InvoiceFor(invoiceID, studentID string, studentType model.StudentType, term string, termStart time.Time, courses ...Course) *Billing {
	b.t.Helper()
	b.invoices[invoiceID] = invoice{
		studentID:   studentID,
		studentType: studentType,
		term:        term,
		termStart:   termStart,
	}

	for i, c := range courses {
		kind := c.Kind
		if kind == "" {
			kind = model.CourseKindRegular
		}
		b.Enrollments = append(b.Enrollments, model.Enrollment{
			ID:          fmt.Sprintf("%s-E%d", invoiceID, i+1),
			InvoiceID:   invoiceID,
			StudentID:   studentID,
			StudentName: "Student " + studentID,
			StudentType: studentType,
			CourseCode:  c.Code,
			CourseName:  "Course " + c.Code,
			Term:        term,
			TermStart:   termStart,
			CourseKind:  kind,
			GroupSize:   c.GroupSize,
		})

		if c.Price == "" {
			continue
		}
		method := c.Method
		if method == "" {
			method = model.PricingDefault
		}
		b.Prices = append(b.Prices, model.CoursePrice{
			CourseCode: c.Code,
			Term:       term,
			Currency:   "USD",
			Method:     method,
			BasePrice:  b.money(c.Price),
			Discount:   b.money(c.Discount),
			Fees:       b.money(c.Fees),
		})
	}
	return b
}

// PaymentOption customises a payment fixture.
type PaymentOption func(*model.Payment)

// WithNote attaches a legacy note.
func WithNote(note string) PaymentOption {
	return func(p *model.Payment) { p.LegacyNote = note }
}

// PaidDaysBeforeTerm dates the payment relative to the default term start.
func PaidDaysBeforeTerm(days int) PaymentOption {
	return func(p *model.Payment) { p.PaymentDate = DefaultTermStart.AddDate(0, 0, -days) }
}

// PaidOn dates the payment.
func PaidOn(date time.Time) PaymentOption {
	return func(p *model.Payment) { p.PaymentDate = date }
}

// Payment adds a payment of net against an invoice. Gross amount equals net.
func (b *Billing) Payment(id, invoiceID, net string, opts ...PaymentOption) *Billing {
	b.t.Helper()
	inv, ok := b.invoices[invoiceID]
	if !ok {
		inv = invoice{studentID: "S-" + invoiceID, term: DefaultTerm, termStart: DefaultTermStart}
	}

	p := model.Payment{
		ID:          id,
		InvoiceID:   invoiceID,
		StudentID:   inv.studentID,
		StudentName: "Student " + inv.studentID,
		Term:        inv.term,
		Currency:    "USD",
		Reference:   "REF-" + id,
		PaymentDate: inv.termStart.AddDate(0, 0, -30),
		Amount:      b.money(net),
		NetAmount:   b.money(net),
	}
	for _, opt := range opts {
		opt(&p)
	}
	b.Payments = append(b.Payments, p)
	return b
}

// PriceService returns a fake price service quoting every priced course.
func (b *Billing) PriceService() *FakePriceService {
	prices := NewFakePriceService()
	for _, p := range b.Prices {
		prices.SetQuote(p.CourseCode, p.Term, p.Quote())
	}
	return prices
}

// EnrollmentProvider returns a fake provider serving the snapshot's enrollments.
func (b *Billing) EnrollmentProvider() *FakeEnrollments {
	return NewFakeEnrollments().Add(b.Enrollments...)
}

// Seeder is the part of the store a billing snapshot is written to.
type Seeder interface {
	SavePayments(ctx context.Context, payments []model.Payment) error
	SaveEnrollments(ctx context.Context, enrollments []model.Enrollment) error
	SaveCoursePrices(ctx context.Context, prices []model.CoursePrice) error
}

// Seed writes the snapshot to a store.
func (b *Billing) Seed(ctx context.Context, s Seeder) error {
	if len(b.Payments) > 0 {
		if err := s.SavePayments(ctx, b.Payments); err != nil {
			return fmt.Errorf("failed to seed payments: %w", err)
		}
	}
	if len(b.Enrollments) > 0 {
		if err := s.SaveEnrollments(ctx, b.Enrollments); err != nil {
			return fmt.Errorf("failed to seed enrollments: %w", err)
		}
	}
	if len(b.Prices) > 0 {
		if err := s.SaveCoursePrices(ctx, b.Prices); err != nil {
			return fmt.Errorf("failed to seed prices: %w", err)
		}
	}
	return nil
}

func (b *Billing) money(s string) decimal.Decimal {
	b.t.Helper()
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		b.t.Fatalf("invalid amount %q: %v", s, err)
	}
	return d
}
