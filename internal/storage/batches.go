package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
)

const batchColumns = `id, batch_type, status, start_date, end_date, total_count,
	processed_count, successful_count, failed_count, results_summary, parameters,
	dry_run, error_message, started_at, completed_at`

// CreateBatch inserts a new batch.
func (s *SQLiteStorage) CreateBatch(ctx context.Context, batch *model.ReconciliationBatch) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateBatch(batch); err != nil {
		return err
	}

	args, err := batchArgs(batch)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// UpdateBatch persists a batch's lifecycle state, counts and summary.
func (s *SQLiteStorage) UpdateBatch(ctx context.Context, batch *model.ReconciliationBatch) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateBatch(batch); err != nil {
		return err
	}

	summaryJSON, err := json.Marshal(batch.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal batch summary: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_batches SET
			status = ?,
			total_count = ?,
			processed_count = ?,
			successful_count = ?,
			failed_count = ?,
			results_summary = ?,
			error_message = ?,
			started_at = ?,
			completed_at = ?
		WHERE id = ?
	`,
		string(batch.Status),
		batch.TotalCount,
		batch.ProcessedCount,
		batch.SuccessfulCount,
		batch.FailedCount,
		string(summaryJSON),
		batch.ErrorMessage,
		nullTime(batch.StartedAt),
		nullTimePtr(batch.CompletedAt),
		batch.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("batch %s: %w", batch.ID, common.ErrNotFound)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *SQLiteStorage) GetBatch(ctx context.Context, id string) (*model.ReconciliationBatch, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM reconciliation_batches WHERE id = ?`, id)
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// ListBatches returns the most recent batches first. A limit of zero returns all.
func (s *SQLiteStorage) ListBatches(ctx context.Context, limit int) ([]model.ReconciliationBatch, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + batchColumns + ` FROM reconciliation_batches ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var batches []model.ReconciliationBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *batch)
	}
	return batches, rows.Err()
}

func batchArgs(batch *model.ReconciliationBatch) ([]any, error) {
	summaryJSON, err := json.Marshal(batch.Summary)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch summary: %w", err)
	}
	params := batch.Parameters
	if len(params) == 0 {
		params = []byte("{}")
	}

	return []any{
		batch.ID,
		string(batch.Type),
		string(batch.Status),
		nullTimePtr(batch.StartDate),
		nullTimePtr(batch.EndDate),
		batch.TotalCount,
		batch.ProcessedCount,
		batch.SuccessfulCount,
		batch.FailedCount,
		string(summaryJSON),
		string(params),
		batch.DryRun,
		batch.ErrorMessage,
		nullTime(batch.StartedAt),
		nullTimePtr(batch.CompletedAt),
	}, nil
}

func scanBatch(row scanner) (*model.ReconciliationBatch, error) {
	var batch model.ReconciliationBatch
	var batchType, status, summaryJSON, params string
	var startDate, endDate, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&batch.ID,
		&batchType,
		&status,
		&startDate,
		&endDate,
		&batch.TotalCount,
		&batch.ProcessedCount,
		&batch.SuccessfulCount,
		&batch.FailedCount,
		&summaryJSON,
		&params,
		&batch.DryRun,
		&batch.ErrorMessage,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}

	batch.Type = model.BatchType(batchType)
	batch.Status = model.BatchStatus(status)
	batch.Parameters = []byte(params)
	batch.Summary = model.NewBatchSummary()
	if err := json.Unmarshal([]byte(summaryJSON), &batch.Summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch summary: %w", err)
	}
	if startDate.Valid {
		batch.StartDate = &startDate.Time
	}
	if endDate.Valid {
		batch.EndDate = &endDate.Time
	}
	if startedAt.Valid {
		batch.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		batch.CompletedAt = &completedAt.Time
	}
	return &batch, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}
