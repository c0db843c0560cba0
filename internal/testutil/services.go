package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
)

// FakePriceService is an in-memory price determination service.
type FakePriceService struct {
	quotes map[string]model.PriceQuote
	errs   map[string]error
	calls  []service.PriceRequest
	delay  time.Duration
	mu     sync.Mutex
}

// NewFakePriceService creates an empty fake price service.
func NewFakePriceService() *FakePriceService {
	return &FakePriceService{
		quotes: make(map[string]model.PriceQuote),
		errs:   make(map[string]error),
	}
}

func priceKey(course, term string) string {
	return course + "|" + term
}

// SetQuote registers the quote returned for a course in a term.
func (f *FakePriceService) SetQuote(course, term string, quote model.PriceQuote) *FakePriceService {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[priceKey(course, term)] = quote
	return f
}

// SetError makes lookups for a course in a term fail with err.
func (f *FakePriceService) SetError(course, term string, err error) *FakePriceService {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[priceKey(course, term)] = err
	return f
}

// SetDelay makes every lookup wait before answering, honouring cancellation.
func (f *FakePriceService) SetDelay(d time.Duration) *FakePriceService {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// Calls returns every request received so far.
func (f *FakePriceService) Calls() []service.PriceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]service.PriceRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

// GetCoursePrice implements service.PriceService.
func (f *FakePriceService) GetCoursePrice(ctx context.Context, req service.PriceRequest) (model.PriceQuote, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	delay := f.delay
	key := priceKey(req.CourseCode, req.Term)
	quote, found := f.quotes[key]
	err := f.errs[key]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return model.PriceQuote{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	if err != nil {
		return model.PriceQuote{}, err
	}
	if !found {
		return model.PriceQuote{}, fmt.Errorf("%w: %s", common.ErrNoPricingRule, key)
	}
	return quote, nil
}

// FakeEnrollments is an in-memory enrollment provider.
type FakeEnrollments struct {
	byInvoice map[string][]model.Enrollment
	errs      map[string]error
	mu        sync.RWMutex
}

// NewFakeEnrollments creates an empty fake enrollment provider.
func NewFakeEnrollments() *FakeEnrollments {
	return &FakeEnrollments{
		byInvoice: make(map[string][]model.Enrollment),
		errs:      make(map[string]error),
	}
}

// Add registers enrollments under their invoice.
func (f *FakeEnrollments) Add(enrollments ...model.Enrollment) *FakeEnrollments {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range enrollments {
		f.byInvoice[e.InvoiceID] = append(f.byInvoice[e.InvoiceID], e)
	}
	return f
}

// SetError makes lookups for an invoice fail with err.
func (f *FakeEnrollments) SetError(invoiceID string, err error) *FakeEnrollments {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[invoiceID] = err
	return f
}

// GetEnrollmentsForInvoice implements service.EnrollmentProvider.
func (f *FakeEnrollments) GetEnrollmentsForInvoice(_ context.Context, invoiceID string) ([]model.Enrollment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.errs[invoiceID]; err != nil {
		return nil, err
	}
	return append([]model.Enrollment(nil), f.byInvoice[invoiceID]...), nil
}

// RecordingScope is a service.Scope that keeps saved statuses in memory.
type RecordingScope struct {
	*FakeEnrollments
	saved map[string]model.ReconciliationStatus
	order []string
	mu    sync.Mutex
}

// NewRecordingScope wraps enrollments in a scope that records writes.
func NewRecordingScope(enrollments *FakeEnrollments) *RecordingScope {
	return &RecordingScope{
		FakeEnrollments: enrollments,
		saved:           make(map[string]model.ReconciliationStatus),
	}
}

// SaveReconciliationStatus implements service.StatusWriter as an upsert.
func (s *RecordingScope) SaveReconciliationStatus(_ context.Context, status *model.ReconciliationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := status.BatchID + "|" + status.PaymentID
	if _, exists := s.saved[key]; !exists {
		s.order = append(s.order, key)
	}
	s.saved[key] = *status
	return nil
}

// Saved returns the statuses written so far in first-write order.
func (s *RecordingScope) Saved() []model.ReconciliationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ReconciliationStatus, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.saved[key])
	}
	return out
}
