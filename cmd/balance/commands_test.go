package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/config"
	"github.com/Veraticus/the-ledger-must-balance/internal/export"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pricesCSV = `course_code,term,base_price,currency
CS101,,500.00,USD
`
	enrollmentsCSV = `enrollment_id,invoice_id,student_id,student_name,course_code,term,term_start
E-1,INV-1,S-1,Ada Lovelace,CS101,2024-FALL,2024-09-02
`
	paymentsCSV = `payment_id,invoice_id,student_id,student_name,term,payment_date,amount
P-1,INV-1,S-1,Ada Lovelace,2024-FALL,2024-08-01,500.00
P-2,INV-9,S-2,Charles Babbage,2024-FALL,2024-08-03,275.00
`
)

// setupCommandEnv points the global configuration at a fresh database.
func setupCommandEnv(t *testing.T) string {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	config.SetDefaults(viper.GetViper())

	dir := t.TempDir()
	viper.Set("database.path", filepath.Join(dir, "ledger.db"))
	return dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(cmd *cobra.Command, stdin string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// executeCapturing runs cmd and returns stdout and stderr separately.
func executeCapturing(cmd *cobra.Command, args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func importFixtures(t *testing.T, dir string) {
	t.Helper()
	_, err := execute(importCmd(), "",
		"--prices", writeFile(t, dir, "prices.csv", pricesCSV),
		"--enrollments", writeFile(t, dir, "enrollments.csv", enrollmentsCSV),
		"--payments", writeFile(t, dir, "payments.csv", paymentsCSV),
		"--no-snapshot")
	require.NoError(t, err)
}

func openStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(config.DatabasePath(viper.GetViper()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func columnIndex(t *testing.T, name string) int {
	t.Helper()
	for i, c := range export.Columns {
		if c == name {
			return i
		}
	}
	t.Fatalf("no column %s", name)
	return -1
}

func TestImportAndReconcile(t *testing.T) {
	dir := setupCommandEnv(t)
	importFixtures(t, dir)

	exportPath := filepath.Join(dir, "results.csv")
	out, err := execute(reconcileCmd(), "", "--no-progress", "--export-csv", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Reconciliation completed")
	assert.Contains(t, out, "2 of 2 processed")
	assert.Contains(t, out, "Exported 2 results to "+exportPath)

	records := readCSV(t, exportPath)
	require.Len(t, records, 3)
	assert.Equal(t, export.Columns, records[0])

	status := columnIndex(t, "status")
	assert.Equal(t, "P-1", records[1][0])
	assert.Equal(t, string(model.StateFullyReconciled), records[1][status])
	assert.Equal(t, "P-2", records[2][0])
	assert.Equal(t, string(model.StateUnmatched), records[2][status])

	// Fully reconciled payments are left alone on the next run.
	out, err = execute(reconcileCmd(), "", "--no-progress")
	require.NoError(t, err)
	assert.Contains(t, out, "1 of 1 processed")

	store := openStore(t)
	batches, err := store.ListBatches(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.NoError(t, store.Close())

	first := batches[1]
	out, err = execute(batchesCmd(), "", "show", first.ID)
	require.NoError(t, err)
	assert.Contains(t, out, first.ID)
	assert.Contains(t, out, "2 of 2 payments processed")

	out, err = execute(batchesCmd(), "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, first.ID)

	xlsxPath := filepath.Join(dir, "first.xlsx")
	out, err = execute(exportCmd(), "", first.ID, "--xlsx", xlsxPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 results")
	assert.FileExists(t, xlsxPath)
}

func TestReconcile_DryRunWritesNothing(t *testing.T) {
	dir := setupCommandEnv(t)
	importFixtures(t, dir)

	exportPath := filepath.Join(dir, "preview.csv")
	out, err := execute(reconcileCmd(), "", "--dry-run", "--no-progress", "--export-csv", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Dry run")
	assert.Len(t, readCSV(t, exportPath), 3, "dry run results are still exported")

	store := openStore(t)
	current, err := store.GetCurrentStatus(context.Background(), "P-1")
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestReconcile_PauseAndResume(t *testing.T) {
	dir := setupCommandEnv(t)
	importFixtures(t, dir)

	out, err := execute(reconcileCmd(), "", "--no-progress", "--batch-size", "1", "--pause-after", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "balance batches resume")

	store := openStore(t)
	batches, err := store.ListBatches(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, model.BatchPaused, batches[0].Status)
	require.NoError(t, store.Close())

	out, err = execute(batchesCmd(), "", "resume", batches[0].ID, "--no-progress")
	require.NoError(t, err)
	assert.Contains(t, out, "2 of 2 processed")

	_, err = execute(batchesCmd(), "", "resume", batches[0].ID, "--no-progress")
	require.ErrorIs(t, err, common.ErrBatchNotPaused)
}

func TestReconcile_InvalidFlags(t *testing.T) {
	setupCommandEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "bad date", args: []string{"--start-date", "01/02/2024"}},
		{name: "reversed range", args: []string{"--start-date", "2024-05-01", "--end-date", "2024-04-01"}},
		{name: "exclusive selections", args: []string{"--reprocess", "--only-unmatched"}},
		{name: "negative batch size", args: []string{"--batch-size", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(reconcileCmd(), "", tt.args...)
			require.Error(t, err)
		})
	}
}

func TestReconcileFlags_Filter(t *testing.T) {
	flags := reconcileFlags{
		startDate:     "2024-08-01",
		endDate:       "2024-08-31",
		term:          "2024-FALL",
		year:          2024,
		studentID:     "S-1",
		paymentIDs:    " P-1, ,P-2 ",
		onlyUnmatched: true,
	}

	filter, err := flags.filter()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), *filter.StartDate)
	assert.Equal(t, time.Date(2024, 8, 31, 0, 0, 0, 0, time.UTC), *filter.EndDate)
	assert.Equal(t, []string{"P-1", "P-2"}, filter.PaymentIDs)
	assert.Equal(t, "2024-FALL", filter.Term)
	assert.Equal(t, 2024, filter.Year)
	assert.True(t, filter.OnlyUnmatched)
	assert.False(t, filter.Reprocess)
}

func TestReconcileFlags_RunOptions(t *testing.T) {
	defaults := config.RunDefaults{BatchSize: 100, Workers: 4}

	opts, err := reconcileFlags{}.runOptions(defaults)
	require.NoError(t, err)
	assert.Equal(t, 100, opts.BatchSize)
	assert.Equal(t, 4, opts.Workers)
	assert.False(t, opts.DryRun)

	opts, err = reconcileFlags{batchSize: 10, workers: 2, pauseAfter: 3, dryRun: true}.runOptions(defaults)
	require.NoError(t, err)
	assert.Equal(t, 10, opts.BatchSize)
	assert.Equal(t, 2, opts.Workers)
	assert.Equal(t, 3, opts.PauseAfter)
	assert.True(t, opts.DryRun)
}

func TestAutoSnapshots_ReportOnCommandStderr(t *testing.T) {
	dir := setupCommandEnv(t)

	_, stderr, err := executeCapturing(importCmd(),
		"--prices", writeFile(t, dir, "prices.csv", pricesCSV),
		"--enrollments", writeFile(t, dir, "enrollments.csv", enrollmentsCSV),
		"--payments", writeFile(t, dir, "payments.csv", paymentsCSV))
	require.NoError(t, err)
	assert.Contains(t, stderr, "auto-import-")
	assert.Contains(t, stderr, "before import")

	_, err = execute(reconcileCmd(), "", "--no-progress")
	require.NoError(t, err)

	out, stderr, err := executeCapturing(reconcileCmd(), "--no-progress", "--reprocess")
	require.NoError(t, err)
	assert.Contains(t, out, "2 of 2 processed")
	assert.Contains(t, stderr, "auto-reprocess-")
	assert.Contains(t, stderr, "before reprocess")
	assert.NotContains(t, out, "Saved snapshot")

	_, stderr, err = executeCapturing(reconcileCmd(), "--no-progress", "--reprocess", "--dry-run")
	require.NoError(t, err)
	assert.NotContains(t, stderr, "Saved snapshot")
}

func TestImport_InvalidFile(t *testing.T) {
	dir := setupCommandEnv(t)

	_, err := execute(importCmd(), "", "--payments", writeFile(t, dir, "bad.csv", "payment_id,amount\nP-1,10\n"))
	var userErr *common.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.UserMessage, "Invalid payments file")

	_, err = execute(importCmd(), "")
	require.Error(t, err, "one of the input files is required")
}

func TestImport_DryRun(t *testing.T) {
	dir := setupCommandEnv(t)

	out, err := execute(importCmd(), "", "--dry-run", "--payments", writeFile(t, dir, "payments.csv", paymentsCSV))
	require.NoError(t, err)
	assert.Contains(t, out, "2 payments")

	store := openStore(t)
	require.NoError(t, store.Migrate(context.Background()))
	_, err = store.GetPayment(context.Background(), "P-1")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestExport_Errors(t *testing.T) {
	setupCommandEnv(t)

	_, err := execute(exportCmd(), "", "missing")
	require.Error(t, err)

	_, err = execute(exportCmd(), "", "missing", "--csv", filepath.Join(t.TempDir(), "x.csv"))
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestMigrateCommand(t *testing.T) {
	setupCommandEnv(t)

	out, err := execute(migrateCmd(), "", "--status")
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 0")
	assert.Contains(t, out, "4 migrations pending")

	out, err = execute(migrateCmd(), "")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 4")

	out, err = execute(migrateCmd(), "", "--status")
	require.NoError(t, err)
	assert.Contains(t, out, "Up to date")
}

func TestSnapshotCommands(t *testing.T) {
	dir := setupCommandEnv(t)

	out, err := execute(snapshotCmd(), "", "create", "--tag", "empty", "-d", "before any import")
	require.NoError(t, err)
	assert.Contains(t, out, "Created snapshot")

	importFixtures(t, dir)

	out, err = execute(snapshotCmd(), "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "empty")

	out, err = execute(snapshotCmd(), "n\n", "restore", "empty")
	require.NoError(t, err)
	assert.Contains(t, out, "Restore cancelled.")

	out, err = execute(snapshotCmd(), "", "restore", "empty", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Restored from snapshot")

	store := openStore(t)
	_, err = store.GetPayment(context.Background(), "P-1")
	require.ErrorIs(t, err, common.ErrNotFound)
	require.NoError(t, store.Close())

	out, err = execute(snapshotCmd(), "y\n", "delete", "empty")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted snapshot")

	_, err = execute(snapshotCmd(), "", "delete", "empty", "--force")
	require.ErrorIs(t, err, storage.ErrSnapshotNotFound)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList("a,,b, "))
}

func TestFormatFileSize(t *testing.T) {
	tests := []struct {
		want string
		size int64
	}{
		{"512 B", 512},
		{"1.0 KB", 1024},
		{"1.5 MB", 1536 * 1024},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatFileSize(tt.size))
	}
}

func TestFormatRelativeTime(t *testing.T) {
	assert.Equal(t, "just now", formatRelativeTime(time.Now()))
	assert.Equal(t, "1 minute ago", formatRelativeTime(time.Now().Add(-90*time.Second)))
	assert.Equal(t, "3 hours ago", formatRelativeTime(time.Now().Add(-3*time.Hour-time.Minute)))
	assert.Equal(t, "yesterday", formatRelativeTime(time.Now().Add(-25*time.Hour)))

	old := time.Date(2020, 1, 2, 3, 4, 0, 0, time.Local)
	assert.Equal(t, "2020-01-02 03:04", formatRelativeTime(old))
}
