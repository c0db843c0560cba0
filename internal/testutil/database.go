// Package testutil provides shared fixtures and fakes for the ledger tests.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/Veraticus/the-ledger-must-balance/internal/service"
	"github.com/Veraticus/the-ledger-must-balance/internal/storage"
)

// TestDB represents a test database with associated test utilities.
type TestDB struct {
	Storage *storage.SQLiteStorage
	Billing *Billing
	t       *testing.T
	Path    string
}

// SetupTestDB creates a migrated database file in a temporary directory and
// seeds it with the billing snapshot, if any.
//
// Example:
//
//	db := testutil.SetupTestDB(t, testutil.NewBilling(t).
//		Invoice("INV-1", "S-1", testutil.Course{Code: "CS101", Price: "500"}).
//		Payment("P-1", "INV-1", "500"))
func SetupTestDB(t *testing.T, billing *Billing) *TestDB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := storage.NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	if billing != nil {
		if err := billing.Seed(ctx, store); err != nil {
			t.Fatalf("failed to seed billing snapshot: %v", err)
		}
	}

	return &TestDB{
		Storage: store,
		Billing: billing,
		Path:    path,
		t:       t,
	}
}

// PriceCatalog opens the database's course price catalog and closes it after the test.
func (db *TestDB) PriceCatalog() *storage.PriceCatalog {
	db.t.Helper()
	catalog, err := db.Storage.NewPriceCatalog()
	if err != nil {
		db.t.Fatalf("failed to open price catalog: %v", err)
	}
	db.t.Cleanup(func() {
		_ = catalog.Close()
	})
	return catalog
}

// WithTransaction executes the given function within a database transaction.
// The transaction is automatically rolled back after the function completes.
func (db *TestDB) WithTransaction(fn func(tx service.Transaction) error) error {
	ctx := context.Background()
	tx, err := db.Storage.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}
