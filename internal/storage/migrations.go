package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Billing snapshot",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS payments (
					id TEXT PRIMARY KEY,
					invoice_id TEXT NOT NULL,
					student_id TEXT NOT NULL,
					student_name TEXT NOT NULL DEFAULT '',
					term TEXT NOT NULL DEFAULT '',
					amount TEXT NOT NULL,
					net_amount TEXT NOT NULL,
					currency TEXT NOT NULL DEFAULT 'USD',
					payment_date DATETIME NOT NULL,
					reference TEXT NOT NULL DEFAULT '',
					legacy_note TEXT NOT NULL DEFAULT '',
					imported_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_payments_date ON payments(payment_date)`,
				`CREATE INDEX idx_payments_term ON payments(term)`,
				`CREATE INDEX idx_payments_student ON payments(student_id)`,

				`CREATE TABLE IF NOT EXISTS enrollments (
					id TEXT PRIMARY KEY,
					invoice_id TEXT NOT NULL,
					student_id TEXT NOT NULL,
					student_name TEXT NOT NULL DEFAULT '',
					student_type TEXT NOT NULL DEFAULT 'regular',
					course_code TEXT NOT NULL,
					course_name TEXT NOT NULL DEFAULT '',
					division TEXT NOT NULL DEFAULT '',
					term TEXT NOT NULL DEFAULT '',
					term_start DATETIME,
					course_kind TEXT NOT NULL DEFAULT 'regular',
					group_size INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX idx_enrollments_invoice ON enrollments(invoice_id)`,
			})
		},
	},
	{
		Version:     2,
		Description: "Reconciliation batches and statuses",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS reconciliation_batches (
					id TEXT PRIMARY KEY,
					batch_type TEXT NOT NULL,
					status TEXT NOT NULL,
					start_date DATETIME,
					end_date DATETIME,
					total_count INTEGER NOT NULL DEFAULT 0,
					processed_count INTEGER NOT NULL DEFAULT 0,
					successful_count INTEGER NOT NULL DEFAULT 0,
					failed_count INTEGER NOT NULL DEFAULT 0,
					results_summary TEXT NOT NULL DEFAULT '{}',
					parameters TEXT NOT NULL DEFAULT '{}',
					dry_run INTEGER NOT NULL DEFAULT 0,
					error_message TEXT NOT NULL DEFAULT '',
					started_at DATETIME,
					completed_at DATETIME,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_batches_created ON reconciliation_batches(created_at)`,

				// One row per payment per batch; the history of every verdict.
				`CREATE TABLE IF NOT EXISTS reconciliation_statuses (
					batch_id TEXT NOT NULL,
					payment_id TEXT NOT NULL,
					status TEXT NOT NULL,
					confidence REAL NOT NULL DEFAULT 0,
					variance_amount TEXT NOT NULL DEFAULT '0',
					variance_percentage REAL NOT NULL DEFAULT 0,
					expected_total TEXT NOT NULL DEFAULT '0',
					pricing_method TEXT NOT NULL DEFAULT '',
					matched_enrollments TEXT NOT NULL DEFAULT '[]',
					matched_courses TEXT NOT NULL DEFAULT '[]',
					discount TEXT,
					notes TEXT NOT NULL DEFAULT '',
					input_hash TEXT NOT NULL DEFAULT '',
					processed_at DATETIME NOT NULL,
					PRIMARY KEY (batch_id, payment_id),
					FOREIGN KEY (batch_id) REFERENCES reconciliation_batches(id),
					FOREIGN KEY (payment_id) REFERENCES payments(id)
				)`,
				`CREATE INDEX idx_statuses_payment ON reconciliation_statuses(payment_id)`,

				// Latest verdict per payment.
				`CREATE TABLE IF NOT EXISTS current_reconciliations (
					payment_id TEXT PRIMARY KEY,
					batch_id TEXT NOT NULL,
					status TEXT NOT NULL,
					updated_at DATETIME NOT NULL,
					FOREIGN KEY (payment_id) REFERENCES payments(id),
					FOREIGN KEY (batch_id, payment_id) REFERENCES reconciliation_statuses(batch_id, payment_id)
				)`,
				`CREATE INDEX idx_current_status ON current_reconciliations(status)`,
			})
		},
	},
	{
		Version:     3,
		Description: "Audit log",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS audit_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					batch_id TEXT NOT NULL,
					event_type TEXT NOT NULL,
					message TEXT NOT NULL DEFAULT '',
					occurred_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_audit_batch ON audit_log(batch_id)`,
				// Append-only.
				`CREATE TRIGGER IF NOT EXISTS audit_log_no_update
					BEFORE UPDATE ON audit_log
					BEGIN
						SELECT RAISE(ABORT, 'audit log is append-only');
					END`,
				`CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
					BEFORE DELETE ON audit_log
					BEGIN
						SELECT RAISE(ABORT, 'audit log is append-only');
					END`,
			})
		},
	},
	{
		Version:     4,
		Description: "Course price snapshot",
		Up: func(tx *sql.Tx) error {
			return execAll(tx, []string{
				`CREATE TABLE IF NOT EXISTS course_prices (
					course_code TEXT NOT NULL,
					term TEXT NOT NULL DEFAULT '',
					division TEXT NOT NULL DEFAULT '',
					min_group_size INTEGER NOT NULL DEFAULT 0,
					currency TEXT NOT NULL DEFAULT 'USD',
					pricing_method TEXT NOT NULL DEFAULT 'default',
					base_price TEXT NOT NULL,
					discount TEXT NOT NULL DEFAULT '0',
					fees TEXT NOT NULL DEFAULT '0',
					PRIMARY KEY (course_code, term, division, min_group_size)
				)`,
			})
		},
	},
}

// Migrate brings the schema up to ExpectedSchemaVersion.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("%w: schema version mismatch: expected %d, got %d", common.ErrDatabaseCorrupted, ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion returns the schema version recorded in the database.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
