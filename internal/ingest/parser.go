// Package ingest parses billing snapshot CSV files into domain records.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/shopspring/decimal"
)

// ErrMissingColumn is returned when a required header is absent.
var ErrMissingColumn = errors.New("missing required column")

// Parser reads payments, enrollments and course prices from CSV.
type Parser struct {
	// DefaultCurrency fills blank currency cells.
	DefaultCurrency string
}

// NewParser creates a parser defaulting to USD.
func NewParser() *Parser {
	return &Parser{DefaultCurrency: "USD"}
}

// record is one CSV line addressed by header name.
type record struct {
	columns map[string]int
	values  []string
	line    int
}

func (r record) get(name string) string {
	i, ok := r.columns[name]
	if !ok || i >= len(r.values) {
		return ""
	}
	return strings.TrimSpace(r.values[i])
}

func (r record) errorf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s", r.line, fmt.Sprintf(format, args...))
}

func (r record) decimal(name string, required bool) (decimal.Decimal, error) {
	raw := r.get(name)
	if raw == "" {
		if required {
			return decimal.Zero, r.errorf("%s is required", name)
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return decimal.Zero, r.errorf("invalid %s %q", name, raw)
	}
	return d, nil
}

func (r record) date(name string) (time.Time, error) {
	raw := r.get(name)
	if raw == "" {
		return time.Time{}, r.errorf("%s is required", name)
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, r.errorf("invalid %s %q", name, raw)
}

func (r record) integer(name string) (int, error) {
	raw := r.get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, r.errorf("invalid %s %q", name, raw)
	}
	return n, nil
}

// each reads the header, checks the required columns and calls fn per line.
func each(ctx context.Context, reader io.Reader, required []string, fn func(record) error) error {
	cr := csv.NewReader(reader)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}

	line := 1
	for {
		values, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if blank(values) {
			continue
		}
		if err := fn(record{columns: columns, values: values, line: line}); err != nil {
			return err
		}
	}
}

func blank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// ParsePayments reads payments. The net amount defaults to the gross amount.
func (p *Parser) ParsePayments(ctx context.Context, reader io.Reader) ([]model.Payment, error) {
	required := []string{"payment_id", "invoice_id", "payment_date", "amount"}

	var payments []model.Payment
	err := each(ctx, reader, required, func(r record) error {
		payment := model.Payment{
			ID:          r.get("payment_id"),
			InvoiceID:   r.get("invoice_id"),
			StudentID:   r.get("student_id"),
			StudentName: r.get("student_name"),
			Term:        r.get("term"),
			Reference:   r.get("reference"),
			Currency:    strings.ToUpper(r.get("currency")),
			LegacyNote:  r.get("legacy_note"),
		}
		if payment.ID == "" {
			return r.errorf("payment_id is required")
		}
		if payment.Currency == "" {
			payment.Currency = p.DefaultCurrency
		}

		var err error
		if payment.PaymentDate, err = r.date("payment_date"); err != nil {
			return err
		}
		if payment.Amount, err = r.decimal("amount", true); err != nil {
			return err
		}
		payment.NetAmount = payment.Amount
		if r.get("net_amount") != "" {
			if payment.NetAmount, err = r.decimal("net_amount", true); err != nil {
				return err
			}
		}

		payments = append(payments, payment)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse payments: %w", err)
	}

	slog.Info("Parsed payments file", "payments", len(payments))
	return payments, nil
}

// ParseEnrollments reads enrollments.
func (p *Parser) ParseEnrollments(ctx context.Context, reader io.Reader) ([]model.Enrollment, error) {
	required := []string{"enrollment_id", "invoice_id", "course_code", "term"}

	var enrollments []model.Enrollment
	err := each(ctx, reader, required, func(r record) error {
		e := model.Enrollment{
			ID:          r.get("enrollment_id"),
			InvoiceID:   r.get("invoice_id"),
			StudentID:   r.get("student_id"),
			StudentName: r.get("student_name"),
			StudentType: model.StudentType(strings.ToLower(r.get("student_type"))),
			CourseCode:  r.get("course_code"),
			CourseName:  r.get("course_name"),
			Division:    r.get("division"),
			Term:        r.get("term"),
			CourseKind:  model.CourseKind(strings.ToLower(r.get("course_kind"))),
		}
		if e.ID == "" || e.CourseCode == "" {
			return r.errorf("enrollment_id and course_code are required")
		}
		if e.StudentType == "" {
			e.StudentType = model.StudentTypeRegular
		}
		if e.CourseKind == "" {
			e.CourseKind = model.CourseKindRegular
		}

		var err error
		if r.get("term_start") != "" {
			if e.TermStart, err = r.date("term_start"); err != nil {
				return err
			}
		}
		if e.GroupSize, err = r.integer("group_size"); err != nil {
			return err
		}

		enrollments = append(enrollments, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse enrollments: %w", err)
	}

	slog.Info("Parsed enrollments file", "enrollments", len(enrollments))
	return enrollments, nil
}

// ParsePrices reads course price catalog rows.
func (p *Parser) ParsePrices(ctx context.Context, reader io.Reader) ([]model.CoursePrice, error) {
	required := []string{"course_code", "base_price"}

	var prices []model.CoursePrice
	err := each(ctx, reader, required, func(r record) error {
		price := model.CoursePrice{
			CourseCode: r.get("course_code"),
			Term:       r.get("term"),
			Division:   r.get("division"),
			Currency:   strings.ToUpper(r.get("currency")),
			Method:     model.PricingMethod(strings.ToLower(r.get("method"))),
		}
		if price.CourseCode == "" {
			return r.errorf("course_code is required")
		}
		if price.Currency == "" {
			price.Currency = p.DefaultCurrency
		}
		if price.Method == model.PricingNone {
			price.Method = model.PricingDefault
		}
		if !price.Method.Valid() || price.Method == model.PricingMixed {
			return r.errorf("invalid method %q", price.Method)
		}

		var err error
		if price.BasePrice, err = r.decimal("base_price", true); err != nil {
			return err
		}
		if price.Discount, err = r.decimal("discount", false); err != nil {
			return err
		}
		if price.Fees, err = r.decimal("fees", false); err != nil {
			return err
		}
		if price.MinGroupSize, err = r.integer("min_group_size"); err != nil {
			return err
		}

		prices = append(prices, price)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse prices: %w", err)
	}

	slog.Info("Parsed prices file", "prices", len(prices))
	return prices, nil
}
