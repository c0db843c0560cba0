package main

import (
	"errors"
	"fmt"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/spf13/cobra"
)

func exportCmd() *cobra.Command {
	var csvPath, xlsxPath string

	cmd := &cobra.Command{
		Use:   "export <batch-id>",
		Short: "Export the results of a finished batch",
		Long: `Write the statuses a batch recorded, joined with their payments, to CSV
and/or an Excel workbook. Dry-run batches record nothing and export empty.`,
		Example: `  balance export 5b1e0c9e-6d8f-4c0a-9a57-0f1f1f6b2d11 --csv results.csv --xlsx results.xlsx`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if csvPath == "" && xlsxPath == "" {
				return common.NewUserError("Nothing to do: pass --csv and/or --xlsx", nil)
			}

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

			results, err := store.GetBatchResults(ctx, batch.ID)
			if err != nil {
				return fmt.Errorf("failed to load batch results: %w", err)
			}

			return writeExports(cmd.OutOrStdout(), batch, results, csvPath, xlsxPath)
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV output file")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "Excel output file")

	return cmd
}
