package storage

import (
	"context"
	"testing"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStorage_SaveReconciliationStatus(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seedPayments(t, store, testPayment("P-1", testTermStart, "500"))
	seedBatch(t, store, "B-1")

	status := testStatus("B-1", "P-1", model.StatePendingReview)
	status.Discount = &model.DiscountInferenceResult{
		Type:       model.DiscountEarlyBird,
		Pattern:    "keyword: early bird",
		Percentage: 10,
		Confidence: 0.9,
	}
	status.ProcessedAt = time.Date(2024, time.October, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveReconciliationStatus(ctx, status))

	current, err := store.GetCurrentStatus(ctx, "P-1")
	require.NoError(t, err)
	require.NotNil(t, current)

	assert.Equal(t, model.StatePendingReview, current.Status)
	assert.InDelta(t, 96.5, current.Confidence, 0.0001)
	assert.True(t, current.VarianceAmount.Equal(decimal.RequireFromString("-4.5")))
	assert.True(t, current.ExpectedTotal.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, []string{"E-1"}, current.MatchedEnrollments)
	assert.Equal(t, []string{"CS101"}, current.MatchedCourses)
	assert.Equal(t, model.PricingDefault, current.PricingMethod)
	assert.True(t, current.ProcessedAt.Equal(status.ProcessedAt))
	require.NotNil(t, current.Discount)
	assert.Equal(t, model.DiscountEarlyBird, current.Discount.Type)
	assert.Equal(t, "keyword: early bird", current.Discount.Pattern)
	assert.InDelta(t, 10, current.Discount.Percentage, 0.0001)
}

func TestSQLiteStorage_SaveReconciliationStatus_UpsertsPerBatch(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seedPayments(t, store, testPayment("P-1", testTermStart, "500"))
	seedBatch(t, store, "B-1")
	seedBatch(t, store, "B-2")

	require.NoError(t, store.SaveReconciliationStatus(ctx, testStatus("B-1", "P-1", model.StateUnmatched)))
	// A retry inside the same batch replaces the row.
	require.NoError(t, store.SaveReconciliationStatus(ctx, testStatus("B-1", "P-1", model.StatePendingReview)))

	statuses, err := store.GetStatusesByBatch(ctx, "B-1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, model.StatePendingReview, statuses[0].Status)

	// A later batch keeps history and moves the current pointer.
	require.NoError(t, store.SaveReconciliationStatus(ctx, testStatus("B-2", "P-1", model.StateFullyReconciled)))

	current, err := store.GetCurrentStatus(ctx, "P-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "B-2", current.BatchID)
	assert.Equal(t, model.StateFullyReconciled, current.Status)

	first, err := store.GetStatusesByBatch(ctx, "B-1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, model.StatePendingReview, first[0].Status)
}

func TestSQLiteStorage_GetCurrentStatus_NeverReconciled(t *testing.T) {
	store := createTestStorage(t)
	seedPayments(t, store, testPayment("P-1", testTermStart, "500"))

	current, err := store.GetCurrentStatus(context.Background(), "P-1")
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestSQLiteStorage_SaveReconciliationStatus_Invalid(t *testing.T) {
	tests := []struct {
		modify  func(*model.ReconciliationStatus)
		wantErr error
		name    string
	}{
		{name: "missing payment", modify: func(s *model.ReconciliationStatus) { s.PaymentID = "" }, wantErr: ErrEmptyString},
		{name: "missing batch", modify: func(s *model.ReconciliationStatus) { s.BatchID = "" }, wantErr: ErrEmptyString},
		{name: "unknown state", modify: func(s *model.ReconciliationStatus) { s.Status = "DONE" }, wantErr: ErrInvalidStatus},
		{name: "confidence above 100", modify: func(s *model.ReconciliationStatus) { s.Confidence = 100.5 }, wantErr: ErrInvalidStatus},
		{name: "negative confidence", modify: func(s *model.ReconciliationStatus) { s.Confidence = -1 }, wantErr: ErrInvalidStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := createTestStorage(t)
			status := testStatus("B-1", "P-1", model.StateFullyReconciled)
			tt.modify(status)

			err := store.SaveReconciliationStatus(context.Background(), status)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSQLiteStorage_GetBatchResults(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seedPayments(t, store,
		testPayment("P-2", testTermStart.AddDate(0, 0, -1), "200"),
		testPayment("P-1", testTermStart.AddDate(0, 0, -5), "100"),
		testPayment("P-3", testTermStart, "300"),
	)
	seedBatch(t, store, "B-1")

	require.NoError(t, store.SaveReconciliationStatus(ctx, testStatus("B-1", "P-2", model.StateAutoAllocated)))
	require.NoError(t, store.SaveReconciliationStatus(ctx, testStatus("B-1", "P-1", model.StateExceptionError)))

	results, err := store.GetBatchResults(ctx, "B-1")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "P-1", results[0].Payment.ID)
	assert.Equal(t, model.StateExceptionError, results[0].Status.Status)
	assert.True(t, results[0].Payment.NetAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "P-2", results[1].Payment.ID)
	assert.Equal(t, model.StateAutoAllocated, results[1].Status.Status)

	processed, err := store.GetProcessedPaymentIDs(ctx, "B-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"P-1": true, "P-2": true}, processed)
}
