// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
)

// PaymentFilter selects payments for a reconciliation run. Every populated
// field narrows the result; filters compose conjunctively.
type PaymentFilter struct {
	StartDate     *time.Time
	EndDate       *time.Time
	Term          string
	StudentID     string
	PaymentIDs    []string
	Year          int
	Reprocess     bool // Include payments currently FULLY_RECONCILED
	OnlyUnmatched bool // Restrict to payments currently UNMATCHED or never reconciled
}

// PaymentProvider exposes the billing subsystem's payments.
type PaymentProvider interface {
	ListPayments(ctx context.Context, filter PaymentFilter) ([]model.Payment, error)
}

// EnrollmentProvider exposes the enrollments that back an invoice.
type EnrollmentProvider interface {
	GetEnrollmentsForInvoice(ctx context.Context, invoiceID string) ([]model.Enrollment, error)
}

// PriceRequest identifies a single course price lookup.
type PriceRequest struct {
	CourseCode  string
	StudentID   string
	StudentType model.StudentType
	Division    string
	Term        string
	CourseKind  model.CourseKind
	GroupSize   int
}

// PriceService is the external price determination service. Implementations
// return common.ErrNoPricingRule when no rule covers the request.
type PriceService interface {
	GetCoursePrice(ctx context.Context, req PriceRequest) (model.PriceQuote, error)
}

// AuditSink receives batch lifecycle events.
type AuditSink interface {
	RecordAuditEvent(ctx context.Context, event model.AuditEvent) error
}

// StatusWriter persists reconciliation statuses. Saves are upserts keyed by
// (batch, payment) so a retried payment is never counted twice.
type StatusWriter interface {
	SaveReconciliationStatus(ctx context.Context, status *model.ReconciliationStatus) error
}

// Scope is the transactional view handed to the matching engine for a run.
type Scope interface {
	EnrollmentProvider
	StatusWriter
}

// Transaction is a run-wide transactional scope.
type Transaction interface {
	Scope
	PaymentProvider
	GetCurrentStatus(ctx context.Context, paymentID string) (*model.ReconciliationStatus, error)
	Commit() error
	Rollback() error
}

// Storage defines the contract for our persistence layer.
type Storage interface {
	PaymentProvider
	EnrollmentProvider
	AuditSink

	// Reconciliation status operations
	GetCurrentStatus(ctx context.Context, paymentID string) (*model.ReconciliationStatus, error)
	GetStatusesByBatch(ctx context.Context, batchID string) ([]model.ReconciliationStatus, error)
	GetBatchResults(ctx context.Context, batchID string) ([]model.ReconciliationResult, error)
	GetProcessedPaymentIDs(ctx context.Context, batchID string) (map[string]bool, error)

	// Batch operations
	CreateBatch(ctx context.Context, batch *model.ReconciliationBatch) error
	UpdateBatch(ctx context.Context, batch *model.ReconciliationBatch) error
	GetBatch(ctx context.Context, id string) (*model.ReconciliationBatch, error)
	ListBatches(ctx context.Context, limit int) ([]model.ReconciliationBatch, error)
	GetAuditEvents(ctx context.Context, batchID string) ([]model.AuditEvent, error)

	// Billing snapshot ingestion
	SavePayments(ctx context.Context, payments []model.Payment) error
	SaveEnrollments(ctx context.Context, enrollments []model.Enrollment) error

	// Database management
	Migrate(ctx context.Context) error
	BeginTx(ctx context.Context) (Transaction, error)
	Close() error
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
