package storage

import (
	"context"
	"testing"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStorage_BatchLifecycle(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	start := day(2024, time.January, 1)
	end := day(2024, time.January, 31)
	batch := testBatch("B-1")
	batch.StartDate = &start
	batch.EndDate = &end
	batch.DryRun = true
	batch.Summary.DryRun = true
	require.NoError(t, store.CreateBatch(ctx, batch))

	got, err := store.GetBatch(ctx, "B-1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchPending, got.Status)
	assert.Equal(t, model.BatchTypeManual, got.Type)
	assert.True(t, got.DryRun)
	assert.True(t, got.Summary.DryRun)
	assert.JSONEq(t, `{"batch_size":100}`, string(got.Parameters))
	require.NotNil(t, got.StartDate)
	assert.True(t, got.StartDate.Equal(start))
	require.NotNil(t, got.EndDate)
	assert.True(t, got.EndDate.Equal(end))
	assert.True(t, got.StartedAt.IsZero())
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, 0, got.Summary.Count(model.StateFullyReconciled))

	now := time.Date(2024, time.February, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, batch.TransitionTo(model.BatchProcessing, now))
	batch.TotalCount = 3
	batch.Record(model.ReconciliationStatus{Status: model.StateFullyReconciled, VarianceAmount: decimal.Zero})
	batch.Record(model.ReconciliationStatus{Status: model.StatePendingReview, VarianceAmount: decimal.RequireFromString("-20")})
	batch.Record(model.ReconciliationStatus{Status: model.StateExceptionError})
	require.NoError(t, batch.TransitionTo(model.BatchCompleted, now.Add(time.Minute)))
	require.NoError(t, store.UpdateBatch(ctx, batch))

	got, err = store.GetBatch(ctx, "B-1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, got.Status)
	assert.Equal(t, 3, got.TotalCount)
	assert.Equal(t, 3, got.ProcessedCount)
	assert.Equal(t, 2, got.SuccessfulCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 1, got.Summary.Count(model.StateFullyReconciled))
	assert.Equal(t, 1, got.Summary.Count(model.StatePendingReview))
	assert.Equal(t, 1, got.Summary.Count(model.StateExceptionError))
	assert.True(t, got.Summary.TotalVariance.Equal(decimal.RequireFromString("-20")))
	assert.True(t, got.Summary.AverageVariance.Equal(decimal.RequireFromString("-6.67")))
	assert.True(t, got.StartedAt.Equal(now))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(now.Add(time.Minute)))
}

func TestSQLiteStorage_BatchErrors(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	_, err := store.GetBatch(ctx, "missing")
	require.ErrorIs(t, err, common.ErrNotFound)

	err = store.UpdateBatch(ctx, testBatch("missing"))
	require.ErrorIs(t, err, common.ErrNotFound)

	invalid := testBatch("B-1")
	invalid.Type = "NIGHTLY"
	require.ErrorIs(t, store.CreateBatch(ctx, invalid), ErrInvalidBatch)

	uneven := testBatch("B-2")
	uneven.ProcessedCount = 2
	uneven.SuccessfulCount = 1
	require.ErrorIs(t, store.CreateBatch(ctx, uneven), ErrInvalidBatch)

	seedBatch(t, store, "B-3")
	require.Error(t, store.CreateBatch(ctx, testBatch("B-3")), "duplicate batch ids are rejected")
}

func TestSQLiteStorage_ListBatches(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	for _, id := range []string{"B-1", "B-2", "B-3"} {
		seedBatch(t, store, id)
	}

	all, err := store.ListBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "B-3", all[0].ID)
	assert.Equal(t, "B-1", all[2].ID)

	limited, err := store.ListBatches(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "B-3", limited[0].ID)
	assert.Equal(t, "B-2", limited[1].ID)
}

func TestSQLiteStorage_AuditLog(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	seedBatch(t, store, "B-1")

	events := []model.AuditEventType{
		model.AuditBatchCreated,
		model.AuditBatchStarted,
		model.AuditBatchCompleted,
	}
	for _, eventType := range events {
		require.NoError(t, store.RecordAuditEvent(ctx, model.AuditEvent{
			BatchID: "B-1",
			Type:    eventType,
			Message: string(eventType),
		}))
	}

	got, err := store.GetAuditEvents(ctx, "B-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, event := range got {
		assert.Equal(t, events[i], event.Type)
		assert.False(t, event.OccurredAt.IsZero())
		assert.NotZero(t, event.ID)
	}

	t.Run("append only", func(t *testing.T) {
		_, err := store.db.ExecContext(ctx, `UPDATE audit_log SET message = 'edited'`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "append-only")

		_, err = store.db.ExecContext(ctx, `DELETE FROM audit_log`)
		require.Error(t, err)

		after, err := store.GetAuditEvents(ctx, "B-1")
		require.NoError(t, err)
		assert.Len(t, after, 3)
	})

	t.Run("validation", func(t *testing.T) {
		err := store.RecordAuditEvent(ctx, model.AuditEvent{Type: model.AuditBatchFailed})
		require.ErrorIs(t, err, ErrEmptyString)

		err = store.RecordAuditEvent(ctx, model.AuditEvent{BatchID: "B-1"})
		require.ErrorIs(t, err, ErrEmptyString)
	})
}
