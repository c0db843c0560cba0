package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
)

const statusColumns = `s.batch_id, s.payment_id, s.status, s.confidence, s.variance_amount,
	s.variance_percentage, s.expected_total, s.pricing_method, s.matched_enrollments,
	s.matched_courses, s.discount, s.notes, s.input_hash, s.processed_at`

// SaveReconciliationStatus upserts a status outside of a run transaction.
func (s *SQLiteStorage) SaveReconciliationStatus(ctx context.Context, status *model.ReconciliationStatus) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateStatus(status); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.saveReconciliationStatusTx(ctx, tx, status); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStorage) saveReconciliationStatusTx(ctx context.Context, q queryable, status *model.ReconciliationStatus) error {
	if status.ProcessedAt.IsZero() {
		status.ProcessedAt = time.Now().UTC()
	}

	enrollmentsJSON, err := json.Marshal(nonNil(status.MatchedEnrollments))
	if err != nil {
		return fmt.Errorf("failed to marshal matched enrollments: %w", err)
	}
	coursesJSON, err := json.Marshal(nonNil(status.MatchedCourses))
	if err != nil {
		return fmt.Errorf("failed to marshal matched courses: %w", err)
	}
	var discountJSON sql.NullString
	if status.Discount != nil {
		data, err := json.Marshal(status.Discount)
		if err != nil {
			return fmt.Errorf("failed to marshal discount inference: %w", err)
		}
		discountJSON = sql.NullString{String: string(data), Valid: true}
	}

	// Keyed by (batch, payment): a retried payment replaces its own row.
	_, err = q.ExecContext(ctx, `
		INSERT INTO reconciliation_statuses (
			batch_id, payment_id, status, confidence, variance_amount,
			variance_percentage, expected_total, pricing_method, matched_enrollments,
			matched_courses, discount, notes, input_hash, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, payment_id) DO UPDATE SET
			status = excluded.status,
			confidence = excluded.confidence,
			variance_amount = excluded.variance_amount,
			variance_percentage = excluded.variance_percentage,
			expected_total = excluded.expected_total,
			pricing_method = excluded.pricing_method,
			matched_enrollments = excluded.matched_enrollments,
			matched_courses = excluded.matched_courses,
			discount = excluded.discount,
			notes = excluded.notes,
			input_hash = excluded.input_hash,
			processed_at = excluded.processed_at
	`,
		status.BatchID,
		status.PaymentID,
		string(status.Status),
		status.Confidence,
		status.VarianceAmount.String(),
		status.VariancePercentage,
		status.ExpectedTotal.String(),
		string(status.PricingMethod),
		string(enrollmentsJSON),
		string(coursesJSON),
		discountJSON,
		status.Notes,
		status.InputHash,
		status.ProcessedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation status: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO current_reconciliations (payment_id, batch_id, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(payment_id) DO UPDATE SET
			batch_id = excluded.batch_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`,
		status.PaymentID,
		status.BatchID,
		string(status.Status),
		status.ProcessedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update current reconciliation: %w", err)
	}

	return nil
}

// GetCurrentStatus returns the latest status of a payment, or nil when the
// payment has never been reconciled.
func (s *SQLiteStorage) GetCurrentStatus(ctx context.Context, paymentID string) (*model.ReconciliationStatus, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(paymentID, "paymentID"); err != nil {
		return nil, err
	}
	return s.getCurrentStatusTx(ctx, s.db, paymentID)
}

func (s *SQLiteStorage) getCurrentStatusTx(ctx context.Context, q queryable, paymentID string) (*model.ReconciliationStatus, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+statusColumns+`
		FROM current_reconciliations c
		JOIN reconciliation_statuses s
		  ON s.batch_id = c.batch_id AND s.payment_id = c.payment_id
		WHERE c.payment_id = ?
	`, paymentID)

	status, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// GetStatusesByBatch returns every status recorded by a batch.
func (s *SQLiteStorage) GetStatusesByBatch(ctx context.Context, batchID string) ([]model.ReconciliationStatus, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(batchID, "batchID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+statusColumns+`
		FROM reconciliation_statuses s
		WHERE s.batch_id = ?
		ORDER BY s.payment_id ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var statuses []model.ReconciliationStatus
	for rows.Next() {
		status, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

// GetBatchResults pairs every status of a batch with its payment, in payment date order.
func (s *SQLiteStorage) GetBatchResults(ctx context.Context, batchID string) ([]model.ReconciliationResult, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(batchID, "batchID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`, `+statusColumns+`
		FROM reconciliation_statuses s
		JOIN payments p ON p.id = s.payment_id
		WHERE s.batch_id = ?
		ORDER BY p.payment_date ASC, p.id ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []model.ReconciliationResult
	for rows.Next() {
		var r model.ReconciliationResult
		var st statusRow
		dest := append(paymentDest(&r.Payment), st.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan batch result: %w", err)
		}
		status, err := st.status()
		if err != nil {
			return nil, err
		}
		r.Status = status
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetProcessedPaymentIDs returns the payments that already have a status in a batch.
func (s *SQLiteStorage) GetProcessedPaymentIDs(ctx context.Context, batchID string) (map[string]bool, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(batchID, "batchID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payment_id FROM reconciliation_statuses WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	processed := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan payment id: %w", err)
		}
		processed[id] = true
	}
	return processed, rows.Err()
}

// statusRow holds the raw columns of a reconciliation_statuses row.
type statusRow struct {
	s               model.ReconciliationStatus
	discount        sql.NullString
	state           string
	method          string
	enrollmentsJSON string
	coursesJSON     string
}

func (r *statusRow) dest() []any {
	return []any{
		&r.s.BatchID,
		&r.s.PaymentID,
		&r.state,
		&r.s.Confidence,
		&r.s.VarianceAmount,
		&r.s.VariancePercentage,
		&r.s.ExpectedTotal,
		&r.method,
		&r.enrollmentsJSON,
		&r.coursesJSON,
		&r.discount,
		&r.s.Notes,
		&r.s.InputHash,
		&r.s.ProcessedAt,
	}
}

func (r *statusRow) status() (model.ReconciliationStatus, error) {
	status := r.s
	status.Status = model.ReconciliationState(r.state)
	status.PricingMethod = model.PricingMethod(r.method)
	if err := json.Unmarshal([]byte(r.enrollmentsJSON), &status.MatchedEnrollments); err != nil {
		return status, fmt.Errorf("failed to unmarshal matched enrollments: %w", err)
	}
	if err := json.Unmarshal([]byte(r.coursesJSON), &status.MatchedCourses); err != nil {
		return status, fmt.Errorf("failed to unmarshal matched courses: %w", err)
	}
	if r.discount.Valid {
		var inference model.DiscountInferenceResult
		if err := json.Unmarshal([]byte(r.discount.String), &inference); err != nil {
			return status, fmt.Errorf("failed to unmarshal discount inference: %w", err)
		}
		status.Discount = &inference
	}
	return status, nil
}

func scanStatus(row scanner) (model.ReconciliationStatus, error) {
	var st statusRow
	if err := row.Scan(st.dest()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ReconciliationStatus{}, err
		}
		return model.ReconciliationStatus{}, fmt.Errorf("failed to scan status: %w", err)
	}
	return st.status()
}

func paymentDest(p *model.Payment) []any {
	return []any{
		&p.ID,
		&p.InvoiceID,
		&p.StudentID,
		&p.StudentName,
		&p.Term,
		&p.Amount,
		&p.NetAmount,
		&p.Currency,
		&p.PaymentDate,
		&p.Reference,
		&p.LegacyNote,
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
