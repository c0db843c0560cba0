package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/cli"
	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/spf13/cobra"
)

func batchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Inspect and resume reconciliation batches",
		Example: `  # Show the latest batches
  balance batches list

  # Show one batch with its audit trail
  balance batches show 5b1e0c9e-6d8f-4c0a-9a57-0f1f1f6b2d11

  # Continue a paused batch
  balance batches resume 5b1e0c9e-6d8f-4c0a-9a57-0f1f1f6b2d11`,
	}

	cmd.AddCommand(listBatchesCmd())
	cmd.AddCommand(showBatchCmd())
	cmd.AddCommand(resumeBatchCmd())

	return cmd
}

func listBatchesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent batches, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			batches, err := store.ListBatches(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list batches: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderBatches(batches))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of batches to show")

	return cmd
}

func showBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show a batch summary and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			batch, err := store.GetBatch(ctx, args[0])
			if errors.Is(err, common.ErrNotFound) {
				return common.NewUserError(fmt.Sprintf("No batch with ID %s", args[0]), err)
			}
			if err != nil {
				return err
			}

			events, err := store.GetAuditEvents(ctx, batch.ID)
			if err != nil {
				return fmt.Errorf("failed to load audit trail: %w", err)
			}

			out := cmd.OutOrStdout()
			var elapsed time.Duration
			if batch.CompletedAt != nil {
				elapsed = batch.CompletedAt.Sub(batch.StartedAt)
			}
			fmt.Fprintln(out, cli.RenderSummary(batch, elapsed))
			fmt.Fprintln(out)
			fmt.Fprintln(out, cli.RenderAuditTrail(events))
			return nil
		},
	}
}

func resumeBatchCmd() *cobra.Command {
	var noProgress bool
	var exportCSV, exportXLSX string

	cmd := &cobra.Command{
		Use:   "resume <batch-id>",
		Short: "Continue a paused batch",
		Long: `Continue a PAUSED batch with the selection and options it was started
with. Payments the batch already processed are not evaluated again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			orchestrator, closePrices, err := newOrchestrator(store)
			if err != nil {
				return err
			}
			defer func() { _ = closePrices() }()

			handler := cli.NewInterruptHandler(cmd.ErrOrStderr())
			ctx = handler.HandleInterrupts(ctx, false)

			var progress func(processed, total int)
			bar := cli.NewProgress(cmd.ErrOrStderr())
			if !noProgress {
				progress = bar.Update
			}

			result, runErr := orchestrator.Resume(ctx, args[0], progress)
			bar.Finish()

			switch {
			case errors.Is(runErr, common.ErrNotFound):
				return common.NewUserError(fmt.Sprintf("No batch with ID %s", args[0]), runErr)
			case errors.Is(runErr, common.ErrBatchNotPaused):
				return common.NewUserError("Only paused batches can be resumed", runErr)
			}

			out := cmd.OutOrStdout()
			if result != nil && result.Batch != nil {
				fmt.Fprintln(out, cli.RenderSummary(result.Batch, result.Duration))
			}
			if runErr != nil {
				return fmt.Errorf("resume failed: %w", runErr)
			}
			return writeExports(out, result.Batch, result.Results, exportCSV, exportXLSX)
		},
	}

	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "hide the progress bar")
	cmd.Flags().StringVar(&exportCSV, "export-csv", "", "write this run's results to a CSV file")
	cmd.Flags().StringVar(&exportXLSX, "export-xlsx", "", "write this run's results to an Excel workbook")

	return cmd
}
