package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
)

// SaveEnrollments upserts enrollments from a billing snapshot.
func (s *SQLiteStorage) SaveEnrollments(ctx context.Context, enrollments []model.Enrollment) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	for i := range enrollments {
		if err := validateEnrollment(&enrollments[i]); err != nil {
			return fmt.Errorf("enrollment at index %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO enrollments (
			id, invoice_id, student_id, student_name, student_type, course_code,
			course_name, division, term, term_start, course_kind, group_size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			invoice_id = excluded.invoice_id,
			student_id = excluded.student_id,
			student_name = excluded.student_name,
			student_type = excluded.student_type,
			course_code = excluded.course_code,
			course_name = excluded.course_name,
			division = excluded.division,
			term = excluded.term,
			term_start = excluded.term_start,
			course_kind = excluded.course_kind,
			group_size = excluded.group_size
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range enrollments {
		var termStart sql.NullTime
		if !e.TermStart.IsZero() {
			termStart = sql.NullTime{Time: e.TermStart.UTC(), Valid: true}
		}
		studentType := e.StudentType
		if studentType == "" {
			studentType = model.StudentTypeRegular
		}
		kind := e.CourseKind
		if kind == "" {
			kind = model.CourseKindRegular
		}

		_, err := stmt.ExecContext(ctx,
			e.ID,
			e.InvoiceID,
			e.StudentID,
			e.StudentName,
			string(studentType),
			e.CourseCode,
			e.CourseName,
			e.Division,
			e.Term,
			termStart,
			string(kind),
			e.GroupSize,
		)
		if err != nil {
			return fmt.Errorf("failed to save enrollment %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

// GetEnrollmentsForInvoice retrieves the enrollments billed on an invoice.
func (s *SQLiteStorage) GetEnrollmentsForInvoice(ctx context.Context, invoiceID string) ([]model.Enrollment, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(invoiceID, "invoiceID"); err != nil {
		return nil, err
	}
	return s.getEnrollmentsForInvoiceTx(ctx, s.db, invoiceID)
}

func (s *SQLiteStorage) getEnrollmentsForInvoiceTx(ctx context.Context, q queryable, invoiceID string) ([]model.Enrollment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, invoice_id, student_id, student_name, student_type, course_code,
		       course_name, division, term, term_start, course_kind, group_size
		FROM enrollments
		WHERE invoice_id = ?
		ORDER BY id ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var enrollments []model.Enrollment
	for rows.Next() {
		var e model.Enrollment
		var studentType, kind string
		var termStart sql.NullTime
		err := rows.Scan(
			&e.ID,
			&e.InvoiceID,
			&e.StudentID,
			&e.StudentName,
			&studentType,
			&e.CourseCode,
			&e.CourseName,
			&e.Division,
			&e.Term,
			&termStart,
			&kind,
			&e.GroupSize,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		e.StudentType = model.StudentType(studentType)
		e.CourseKind = model.CourseKind(kind)
		if termStart.Valid {
			e.TermStart = termStart.Time
		}
		enrollments = append(enrollments, e)
	}

	return enrollments, rows.Err()
}
