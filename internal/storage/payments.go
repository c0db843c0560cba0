package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
)

const paymentColumns = `p.id, p.invoice_id, p.student_id, p.student_name, p.term,
	p.amount, p.net_amount, p.currency, p.payment_date, p.reference, p.legacy_note`

// SavePayments upserts payments from a billing snapshot.
func (s *SQLiteStorage) SavePayments(ctx context.Context, payments []model.Payment) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	for i := range payments {
		if err := validatePayment(&payments[i]); err != nil {
			return fmt.Errorf("payment at index %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO payments (
			id, invoice_id, student_id, student_name, term, amount, net_amount,
			currency, payment_date, reference, legacy_note
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			invoice_id = excluded.invoice_id,
			student_id = excluded.student_id,
			student_name = excluded.student_name,
			term = excluded.term,
			amount = excluded.amount,
			net_amount = excluded.net_amount,
			currency = excluded.currency,
			payment_date = excluded.payment_date,
			reference = excluded.reference,
			legacy_note = excluded.legacy_note
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range payments {
		currency := strings.ToUpper(p.Currency)
		if currency == "" {
			currency = "USD"
		}
		_, err := stmt.ExecContext(ctx,
			p.ID,
			p.InvoiceID,
			p.StudentID,
			p.StudentName,
			p.Term,
			p.Amount.String(),
			p.NetAmount.String(),
			currency,
			p.PaymentDate.UTC(),
			p.Reference,
			p.LegacyNote,
		)
		if err != nil {
			return fmt.Errorf("failed to save payment %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// ListPayments selects payments matching every populated filter field.
func (s *SQLiteStorage) ListPayments(ctx context.Context, filter service.PaymentFilter) ([]model.Payment, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validatePaymentFilter(filter); err != nil {
		return nil, err
	}
	return s.listPaymentsTx(ctx, s.db, filter)
}

// GetPayment retrieves a single payment.
func (s *SQLiteStorage) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments p WHERE p.id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStorage) listPaymentsTx(ctx context.Context, q queryable, filter service.PaymentFilter) ([]model.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments p
		LEFT JOIN current_reconciliations c ON c.payment_id = p.id
		WHERE 1 = 1
	`
	args := []any{}

	if filter.StartDate != nil {
		query += " AND p.payment_date >= ?"
		args = append(args, startOfDay(*filter.StartDate))
	}
	if filter.EndDate != nil {
		// End date is inclusive of the whole day.
		query += " AND p.payment_date < ?"
		args = append(args, startOfDay(*filter.EndDate).AddDate(0, 0, 1))
	}
	if filter.Year > 0 {
		query += " AND p.payment_date >= ? AND p.payment_date < ?"
		args = append(args,
			time.Date(filter.Year, time.January, 1, 0, 0, 0, 0, time.UTC),
			time.Date(filter.Year+1, time.January, 1, 0, 0, 0, 0, time.UTC))
	}
	if filter.Term != "" {
		query += " AND p.term = ?"
		args = append(args, filter.Term)
	}
	if filter.StudentID != "" {
		query += " AND p.student_id = ?"
		args = append(args, filter.StudentID)
	}
	if len(filter.PaymentIDs) > 0 {
		placeholders := make([]string, len(filter.PaymentIDs))
		for i, id := range filter.PaymentIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += " AND p.id IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.OnlyUnmatched {
		query += " AND (c.status IS NULL OR c.status = ?)"
		args = append(args, string(model.StateUnmatched))
	} else if !filter.Reprocess {
		query += " AND (c.status IS NULL OR c.status != ?)"
		args = append(args, string(model.StateFullyReconciled))
	}

	query += " ORDER BY p.payment_date ASC, p.id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}

	return payments, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (model.Payment, error) {
	var p model.Payment
	err := row.Scan(paymentDest(&p)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}
	return p, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
