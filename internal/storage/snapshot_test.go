package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Veraticus/the-ledger-must-balance/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotManager_CreateAndRestore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	store, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	seedPayments(t, store, testPayment("P-1", testTermStart, "500"))

	manager, err := store.NewSnapshotManager()
	require.NoError(t, err)

	info, err := manager.Create(ctx, "before-import", "one payment")
	require.NoError(t, err)
	assert.Equal(t, "before-import", info.ID)
	assert.Equal(t, 1, info.Payments())
	assert.Equal(t, ExpectedSchemaVersion, info.SchemaVersion)
	assert.Positive(t, info.FileSize)
	assert.False(t, info.IsAuto)

	_, err = manager.Create(ctx, "before-import", "again")
	require.ErrorIs(t, err, ErrSnapshotExists)

	seedPayments(t, store, testPayment("P-2", testTermStart, "600"))

	require.NoError(t, manager.Restore(ctx, "before-import"))

	reopened, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	payments, err := reopened.ListPayments(ctx, service.PaymentFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"P-1"}, paymentIDs(payments))

	_, err = os.Stat(dbPath + ".restore-backup")
	assert.True(t, os.IsNotExist(err))
}

func TestSnapshotManager_ListAndDelete(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	manager, err := store.NewSnapshotManager()
	require.NoError(t, err)

	_, err = manager.Create(ctx, "manual", "kept")
	require.NoError(t, err)

	for i := range maxAutoSnapshots + 2 {
		_, err := manager.create(ctx, fmt.Sprintf("auto-test-%d", i), "auto", true)
		require.NoError(t, err)
	}
	require.NoError(t, manager.pruneAuto(ctx))

	snapshots, err := manager.List(ctx)
	require.NoError(t, err)
	autos := 0
	for _, snap := range snapshots {
		if snap.IsAuto {
			autos++
		}
	}
	assert.Equal(t, maxAutoSnapshots, autos)
	assert.Len(t, snapshots, maxAutoSnapshots+1)

	got, err := manager.Get(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Description)

	require.NoError(t, manager.Delete(ctx, "manual"))
	_, err = manager.Get(ctx, "manual")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
	require.ErrorIs(t, manager.Delete(ctx, "manual"), ErrSnapshotNotFound)
}

func TestSnapshotManager_RejectsBadIDs(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	manager, err := store.NewSnapshotManager()
	require.NoError(t, err)

	for _, id := range []string{"../escape", "a/b", `a\b`, " "} {
		_, err := manager.Create(ctx, id, "")
		require.ErrorIs(t, err, ErrInvalidSnapshotID, id)
	}

	require.ErrorIs(t, manager.Restore(ctx, "missing"), ErrSnapshotNotFound)
}

func TestSnapshotManager_AutoSnapshot(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	manager, err := store.NewSnapshotManager()
	require.NoError(t, err)

	info, err := manager.AutoSnapshot(ctx, "reprocess")
	require.NoError(t, err)
	assert.True(t, info.IsAuto)
	assert.Contains(t, info.ID, "auto-reprocess-")
}
