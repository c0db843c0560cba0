// Package storage provides the data persistence layer for the ledger application.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer; the run transaction owns it while a batch is processing.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStorage{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.dbPath
}

// BeginTx starts a new database transaction.
func (s *SQLiteStorage) BeginTx(ctx context.Context) (service.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqliteTransaction{
		tx:      tx,
		storage: s,
	}, nil
}

// sqliteTransaction wraps sql.Tx to implement service.Transaction.
type sqliteTransaction struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTransaction) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTransaction) Rollback() error {
	return t.tx.Rollback()
}

// Transaction methods delegate to the main storage with the transaction.
func (t *sqliteTransaction) ListPayments(ctx context.Context, filter service.PaymentFilter) ([]model.Payment, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validatePaymentFilter(filter); err != nil {
		return nil, err
	}
	return t.storage.listPaymentsTx(ctx, t.tx, filter)
}

func (t *sqliteTransaction) GetEnrollmentsForInvoice(ctx context.Context, invoiceID string) ([]model.Enrollment, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(invoiceID, "invoiceID"); err != nil {
		return nil, err
	}
	return t.storage.getEnrollmentsForInvoiceTx(ctx, t.tx, invoiceID)
}

func (t *sqliteTransaction) GetCurrentStatus(ctx context.Context, paymentID string) (*model.ReconciliationStatus, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(paymentID, "paymentID"); err != nil {
		return nil, err
	}
	return t.storage.getCurrentStatusTx(ctx, t.tx, paymentID)
}

func (t *sqliteTransaction) SaveReconciliationStatus(ctx context.Context, status *model.ReconciliationStatus) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateStatus(status); err != nil {
		return err
	}
	return t.storage.saveReconciliationStatusTx(ctx, t.tx, status)
}

// queryable is an interface satisfied by both *sql.DB and *sql.Tx.
type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
