package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
)

// Validation errors.
var (
	ErrNilContext       = errors.New("context cannot be nil")
	ErrEmptyString      = errors.New("string parameter cannot be empty")
	ErrNilParameter     = errors.New("parameter cannot be nil")
	ErrInvalidDateRange = errors.New("start date must be before end date")
	ErrInvalidStatus    = errors.New("invalid reconciliation status")
	ErrInvalidPayment   = errors.New("invalid payment")
	ErrInvalidBatch     = errors.New("invalid batch")
	ErrInvalidPrice     = errors.New("invalid course price")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validatePaymentFilter(filter service.PaymentFilter) error {
	if filter.StartDate != nil && filter.EndDate != nil && filter.EndDate.Before(*filter.StartDate) {
		return fmt.Errorf("%w: end date %s is before start date %s",
			ErrInvalidDateRange, filter.EndDate.Format("2006-01-02"), filter.StartDate.Format("2006-01-02"))
	}
	if filter.Year < 0 {
		return fmt.Errorf("%w: year %d", ErrInvalidDateRange, filter.Year)
	}
	return nil
}

func validatePayment(p *model.Payment) error {
	if p == nil {
		return fmt.Errorf("%w: payment", ErrNilParameter)
	}
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: missing ID", ErrInvalidPayment)
	case strings.TrimSpace(p.InvoiceID) == "":
		return fmt.Errorf("%w: %s has no invoice", ErrInvalidPayment, p.ID)
	case strings.TrimSpace(p.StudentID) == "":
		return fmt.Errorf("%w: %s has no student", ErrInvalidPayment, p.ID)
	case p.PaymentDate.IsZero():
		return fmt.Errorf("%w: %s has no payment date", ErrInvalidPayment, p.ID)
	case p.NetAmount.IsNegative() || p.Amount.IsNegative():
		return fmt.Errorf("%w: %s has a negative amount", ErrInvalidPayment, p.ID)
	}
	return nil
}

func validateEnrollment(e *model.Enrollment) error {
	if e == nil {
		return fmt.Errorf("%w: enrollment", ErrNilParameter)
	}
	if err := validateString(e.ID, "enrollment ID"); err != nil {
		return err
	}
	if err := validateString(e.InvoiceID, "enrollment invoice"); err != nil {
		return fmt.Errorf("enrollment %s: %w", e.ID, err)
	}
	if err := validateString(e.CourseCode, "enrollment course"); err != nil {
		return fmt.Errorf("enrollment %s: %w", e.ID, err)
	}
	if e.GroupSize < 0 {
		return fmt.Errorf("enrollment %s: negative group size", e.ID)
	}
	return nil
}

func validateStatus(status *model.ReconciliationStatus) error {
	if status == nil {
		return fmt.Errorf("%w: status", ErrNilParameter)
	}
	if err := validateString(status.PaymentID, "paymentID"); err != nil {
		return err
	}
	if err := validateString(status.BatchID, "batchID"); err != nil {
		return err
	}
	if !status.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status.Status)
	}
	if status.Confidence < 0 || status.Confidence > 100 {
		return fmt.Errorf("%w: confidence %.2f outside 0-100", ErrInvalidStatus, status.Confidence)
	}
	return nil
}

func validateBatch(batch *model.ReconciliationBatch) error {
	if batch == nil {
		return fmt.Errorf("%w: batch", ErrNilParameter)
	}
	if err := validateString(batch.ID, "batch ID"); err != nil {
		return err
	}
	if !batch.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidBatch, batch.Type)
	}
	if !batch.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidBatch, batch.Status)
	}
	if batch.ProcessedCount != batch.SuccessfulCount+batch.FailedCount {
		return fmt.Errorf("%w: processed %d != successful %d + failed %d",
			ErrInvalidBatch, batch.ProcessedCount, batch.SuccessfulCount, batch.FailedCount)
	}
	return nil
}

func validateCoursePrice(p *model.CoursePrice) error {
	if p == nil {
		return fmt.Errorf("%w: course price", ErrNilParameter)
	}
	if err := validateString(p.CourseCode, "course code"); err != nil {
		return err
	}
	if p.BasePrice.IsNegative() || p.Discount.IsNegative() || p.Fees.IsNegative() {
		return fmt.Errorf("%w: %s has a negative amount", ErrInvalidPrice, p.CourseCode)
	}
	if !p.Method.Valid() || p.Method == model.PricingMixed {
		return fmt.Errorf("%w: %s has pricing method %q", ErrInvalidPrice, p.CourseCode, p.Method)
	}
	if p.MinGroupSize < 0 {
		return fmt.Errorf("%w: %s has a negative group size", ErrInvalidPrice, p.CourseCode)
	}
	return nil
}
