// Package model defines the core domain models used throughout the application.
package model

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Payment is an immutable record of money received, owned by the billing subsystem.
type Payment struct {
	PaymentDate time.Time
	ID          string
	InvoiceID   string
	StudentID   string
	StudentName string
	Term        string
	Reference   string
	Currency    string
	LegacyNote  string // Free-text note carried over from legacy billing records
	Amount      decimal.Decimal
	NetAmount   decimal.Decimal // Amount after gateway fees and refunds
}

// HasLegacyNote reports whether the payment carries a non-blank legacy note.
func (p *Payment) HasLegacyNote() bool {
	return strings.TrimSpace(p.LegacyNote) != ""
}

// Fingerprint hashes the inputs the engine reads from a payment. Two runs over
// payments with the same fingerprint must produce the same status.
func (p *Payment) Fingerprint() string {
	data := fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		p.ID,
		p.InvoiceID,
		p.PaymentDate.Format("2006-01-02"),
		p.NetAmount.StringFixed(2),
		p.Amount.StringFixed(2),
		p.LegacyNote)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// CourseKind distinguishes courses whose price depends on group size.
type CourseKind string

// Course kind constants.
const (
	CourseKindRegular       CourseKind = "regular"
	CourseKindCapstone      CourseKind = "capstone"
	CourseKindSeniorProject CourseKind = "senior_project"
)

// UsesGroupPricing reports whether prices for this kind are tiered by group size.
func (k CourseKind) UsesGroupPricing() bool {
	switch k {
	case CourseKindCapstone, CourseKindSeniorProject:
		return true
	case CourseKindRegular:
		return false
	default:
		return false
	}
}

// StudentType is the identity classification the institution keeps for a student.
type StudentType string

// Student type constants.
const (
	StudentTypeRegular       StudentType = "regular"
	StudentTypeMonk          StudentType = "monk"
	StudentTypeStaff         StudentType = "staff"
	StudentTypeInternational StudentType = "international"
)

// Enrollment links a student to a course for a term on an invoice.
type Enrollment struct {
	TermStart   time.Time
	ID          string
	InvoiceID   string
	StudentID   string
	StudentName string
	StudentType StudentType
	CourseCode  string
	CourseName  string
	Division    string
	Term        string
	CourseKind  CourseKind
	GroupSize   int // Zero when the course is not group-priced
}
