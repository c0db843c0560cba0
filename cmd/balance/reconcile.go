package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/cli"
	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/config"
	"github.com/Veraticus/the-ledger-must-balance/internal/engine"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
	"github.com/Veraticus/the-ledger-must-balance/internal/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type reconcileFlags struct {
	startDate     string
	endDate       string
	term          string
	paymentIDs    string
	studentID     string
	exportCSV     string
	exportXLSX    string
	year          int
	batchSize     int
	workers       int
	pauseAfter    int
	dryRun        bool
	reprocess     bool
	onlyUnmatched bool
	noSnapshot    bool
	step          bool
	noProgress    bool
}

func reconcileCmd() *cobra.Command {
	var flags reconcileFlags

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile payments against expected charges",
		Long: `Select payments, resolve the charges their invoices imply, infer any
discount that explains the difference and record a reconciliation status for
each payment in a new batch.

Payments already FULLY_RECONCILED are skipped unless --reprocess is given.`,
		Example: `  # Reconcile everything paid in the autumn term
  balance reconcile --term 2024-FALL

  # Preview a reprocessing run without writing anything
  balance reconcile --reprocess --dry-run --export-csv preview.csv

  # Reconcile two payments and stop after every sub-batch for review
  balance reconcile --payment-ids P-1001,P-1002 --batch-size 1 --step`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.startDate, "start-date", "", "only payments on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.endDate, "end-date", "", "only payments on or before this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.term, "term", "", "only payments for this academic term")
	cmd.Flags().IntVar(&flags.year, "year", 0, "only payments made in this calendar year")
	cmd.Flags().StringVar(&flags.paymentIDs, "payment-ids", "", "comma separated payment IDs")
	cmd.Flags().StringVar(&flags.studentID, "student-id", "", "only payments from this student")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "payments per sub-batch (default from config)")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "concurrent evaluations per sub-batch (default from config)")
	cmd.Flags().IntVar(&flags.pauseAfter, "pause-after", 0, "pause the batch after this many sub-batches")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "evaluate everything and roll back")
	cmd.Flags().BoolVar(&flags.reprocess, "reprocess", false, "include payments already fully reconciled")
	cmd.Flags().BoolVar(&flags.onlyUnmatched, "only-unmatched", false, "only payments unmatched or never reconciled")
	cmd.Flags().BoolVar(&flags.noSnapshot, "no-snapshot", false, "skip the automatic snapshot before --reprocess")
	cmd.Flags().BoolVar(&flags.step, "step", false, "ask before every further sub-batch")
	cmd.Flags().BoolVar(&flags.noProgress, "no-progress", false, "hide the progress bar")
	cmd.Flags().StringVar(&flags.exportCSV, "export-csv", "", "write the results to this CSV file")
	cmd.Flags().StringVar(&flags.exportXLSX, "export-xlsx", "", "write the results to this Excel workbook")

	cmd.MarkFlagsMutuallyExclusive("reprocess", "only-unmatched")

	return cmd
}

// filter builds the payment selection from the flags.
func (f reconcileFlags) filter() (service.PaymentFilter, error) {
	start, err := parseDate(f.startDate, "start-date")
	if err != nil {
		return service.PaymentFilter{}, err
	}
	end, err := parseDate(f.endDate, "end-date")
	if err != nil {
		return service.PaymentFilter{}, err
	}
	if start != nil && end != nil && end.Before(*start) {
		return service.PaymentFilter{}, fmt.Errorf("--end-date %s is before --start-date %s", f.endDate, f.startDate)
	}
	if f.year < 0 {
		return service.PaymentFilter{}, fmt.Errorf("invalid --year %d", f.year)
	}

	return service.PaymentFilter{
		StartDate:     start,
		EndDate:       end,
		Term:          f.term,
		Year:          f.year,
		StudentID:     f.studentID,
		PaymentIDs:    splitList(f.paymentIDs),
		Reprocess:     f.reprocess,
		OnlyUnmatched: f.onlyUnmatched,
	}, nil
}

// runOptions merges the flags over the configured run defaults.
func (f reconcileFlags) runOptions(defaults config.RunDefaults) (engine.RunOptions, error) {
	filter, err := f.filter()
	if err != nil {
		return engine.RunOptions{}, err
	}
	if f.batchSize < 0 || f.workers < 0 || f.pauseAfter < 0 {
		return engine.RunOptions{}, fmt.Errorf("--batch-size, --workers and --pause-after must not be negative")
	}

	opts := engine.RunOptions{
		Filter:     filter,
		BatchSize:  defaults.BatchSize,
		Workers:    defaults.Workers,
		PauseAfter: f.pauseAfter,
		DryRun:     f.dryRun,
	}
	if f.batchSize > 0 {
		opts.BatchSize = f.batchSize
	}
	if f.workers > 0 {
		opts.Workers = f.workers
	}
	return opts, nil
}

func runReconcile(cmd *cobra.Command, flags reconcileFlags) error {
	defaults, err := config.LoadRunDefaults(viper.GetViper())
	if err != nil {
		return err
	}
	opts, err := flags.runOptions(defaults)
	if err != nil {
		return common.NewUserError(err.Error(), nil)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, err := initStorage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if flags.reprocess && !flags.dryRun && !flags.noSnapshot {
		if err := autoSnapshot(ctx, cmd.ErrOrStderr(), store, "reprocess"); err != nil {
			return err
		}
	}

	orchestrator, closePrices, err := newOrchestrator(store)
	if err != nil {
		return err
	}
	defer func() { _ = closePrices() }()

	out := cmd.OutOrStdout()
	handler := cli.NewInterruptHandler(cmd.ErrOrStderr())
	ctx = handler.HandleInterrupts(ctx, opts.DryRun)

	var progress *cli.Progress
	if !flags.noProgress {
		progress = cli.NewProgress(cmd.ErrOrStderr())
		opts.Progress = progress.Update
	}
	if flags.step {
		in := cmd.InOrStdin()
		opts.Checkpoint = func(batch *model.ReconciliationBatch) bool {
			fmt.Fprintln(cmd.ErrOrStderr())
			question := fmt.Sprintf("%d of %d processed. Continue with the next sub-batch?", batch.ProcessedCount, batch.TotalCount)
			ok, err := cli.Confirm(ctx, in, out, question)
			return err != nil || !ok
		}
	}

	result, runErr := orchestrator.Run(ctx, opts)
	if progress != nil {
		progress.Finish()
	}
	if result != nil && result.Batch != nil {
		elapsed := result.Duration
		if elapsed == 0 && !result.Batch.StartedAt.IsZero() {
			elapsed = time.Since(result.Batch.StartedAt)
		}
		fmt.Fprintln(out, cli.RenderSummary(result.Batch, elapsed))
	}
	if runErr != nil {
		return fmt.Errorf("reconciliation failed: %w", runErr)
	}

	slog.Debug("Price lookups", "cache_hits", result.CacheHits, "cache_misses", result.CacheMisses)

	return writeExports(out, result.Batch, result.Results, flags.exportCSV, flags.exportXLSX)
}

// autoSnapshot saves the database before a destructive operation.
func autoSnapshot(ctx context.Context, w io.Writer, store *storage.SQLiteStorage, operation string) error {
	manager, err := store.NewSnapshotManager()
	if err != nil {
		return fmt.Errorf("failed to create snapshot manager: %w", err)
	}
	info, err := manager.AutoSnapshot(ctx, operation)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s Saved snapshot %s before %s\n", cli.SuccessIcon, cli.InfoStyle.Render(info.ID), operation)
	return nil
}
